package codec

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	_requestStoreField             protowire.Number = 1
	_requestReplicaPartitionsField protowire.Number = 2
	_requestSkipRecordsField       protowire.Number = 3

	_replicaTypeField protowire.Number = 1
	_partitionsField  protowire.Number = 2

	_errorMessageField protowire.Number = 1
)

// ReplicaPartitions is the list of master partitions requested at one replica type.
type ReplicaPartitions struct {
	ReplicaType int32
	Partitions  []int32
}

// FetchRequest is the header of a FetchPartitionEntries request frame.
type FetchRequest struct {
	Store             string
	ReplicaPartitions []ReplicaPartitions
	SkipRecords       int64
}

// AppendFetchRequest appends the protobuf wire encoding of r to b.
func AppendFetchRequest(b []byte, r *FetchRequest) []byte {
	b = protowire.AppendTag(b, _requestStoreField, protowire.BytesType)
	b = protowire.AppendString(b, r.Store)
	for _, rp := range r.ReplicaPartitions {
		b = protowire.AppendTag(b, _requestReplicaPartitionsField, protowire.BytesType)
		b = protowire.AppendBytes(b, appendReplicaPartitions(nil, &rp))
	}
	if r.SkipRecords != 0 {
		b = protowire.AppendTag(b, _requestSkipRecordsField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.SkipRecords))
	}
	return b
}

func appendReplicaPartitions(b []byte, rp *ReplicaPartitions) []byte {
	b = protowire.AppendTag(b, _replicaTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rp.ReplicaType))
	if len(rp.Partitions) == 0 {
		return b
	}
	var packed []byte
	for _, p := range rp.Partitions {
		packed = protowire.AppendVarint(packed, uint64(p))
	}
	b = protowire.AppendTag(b, _partitionsField, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// DecodeFetchRequest parses a request written by AppendFetchRequest.
func DecodeFetchRequest(b []byte) (*FetchRequest, error) {
	r := &FetchRequest{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == _requestStoreField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Store = v
			return n, nil
		case num == _requestReplicaPartitionsField && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			rp, err := decodeReplicaPartitions(raw)
			if err != nil {
				return 0, err
			}
			r.ReplicaPartitions = append(r.ReplicaPartitions, *rp)
			return n, nil
		case num == _requestSkipRecordsField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.SkipRecords = int64(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "decode fetch request")
	}
	return r, nil
}

func decodeReplicaPartitions(b []byte) (*ReplicaPartitions, error) {
	rp := &ReplicaPartitions{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == _replicaTypeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rp.ReplicaType = int32(v)
			return n, nil
		case num == _partitionsField && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				rp.Partitions = append(rp.Partitions, int32(v))
				packed = packed[m:]
			}
			return n, nil
		case num == _partitionsField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rp.Partitions = append(rp.Partitions, int32(v))
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return rp, err
}

// AppendError appends the header of a response frame ending a stream with an error.
func AppendError(b []byte, msg string) []byte {
	b = protowire.AppendTag(b, _errorMessageField, protowire.BytesType)
	return protowire.AppendString(b, msg)
}

// DecodeError parses a header written by AppendError.
func DecodeError(b []byte) (string, error) {
	var msg string
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == _errorMessageField && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			msg = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return "", errors.WithMessage(err, "decode error header")
	}
	return msg, nil
}

// consumeFields calls f for every field of the message b. f returns the length of the field value,
// or a negative protowire error code.
func consumeFields(b []byte, f func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := f(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

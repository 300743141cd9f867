package storage

import (
	"bytes"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ClockEntry is the version of a value as seen by one node.
type ClockEntry struct {
	NodeID  int32
	Version int64
}

// VectorClock is the version of a value across nodes.
type VectorClock struct {
	Entries   []ClockEntry
	Timestamp int64
}

// Versioned is a value together with its vector clock.
type Versioned struct {
	Value   []byte
	Version VectorClock
}

// Entry is a key with one of its versioned values.
type Entry struct {
	Key   []byte
	Value Versioned
}

const (
	_clockEntryNodeField    protowire.Number = 1
	_clockEntryVersionField protowire.Number = 2

	_clockEntriesField   protowire.Number = 1
	_clockTimestampField protowire.Number = 2

	_versionedValueField protowire.Number = 1
	_versionedClockField protowire.Number = 2
)

// Size returns the encoded size of the clock.
func (c VectorClock) Size() int {
	n := 0
	for _, e := range c.Entries {
		n += protowire.SizeTag(_clockEntriesField) + protowire.SizeBytes(e.size())
	}
	n += protowire.SizeTag(_clockTimestampField) + protowire.SizeVarint(uint64(c.Timestamp))
	return n
}

// Size returns the number of bytes a value accounts for when it is transferred,
// which is the value itself plus its encoded clock.
func (v Versioned) Size() int {
	return len(v.Value) + v.Version.Size()
}

// Equal reports whether two versioned values carry the same value and clock.
func (v Versioned) Equal(o Versioned) bool {
	if !bytes.Equal(v.Value, o.Value) || v.Version.Timestamp != o.Version.Timestamp {
		return false
	}
	if len(v.Version.Entries) != len(o.Version.Entries) {
		return false
	}
	for i := range v.Version.Entries {
		if v.Version.Entries[i] != o.Version.Entries[i] {
			return false
		}
	}
	return true
}

func (e ClockEntry) size() int {
	return protowire.SizeTag(_clockEntryNodeField) + protowire.SizeVarint(uint64(e.NodeID)) +
		protowire.SizeTag(_clockEntryVersionField) + protowire.SizeVarint(uint64(e.Version))
}

// EncodedSize returns the length of AppendVersioned's output for v.
func EncodedSize(v Versioned) int {
	return protowire.SizeTag(_versionedValueField) + protowire.SizeBytes(len(v.Value)) +
		protowire.SizeTag(_versionedClockField) + protowire.SizeBytes(v.Version.Size())
}

// AppendVersioned appends the protobuf wire encoding of v to b.
func AppendVersioned(b []byte, v Versioned) []byte {
	b = protowire.AppendTag(b, _versionedValueField, protowire.BytesType)
	b = protowire.AppendBytes(b, v.Value)
	b = protowire.AppendTag(b, _versionedClockField, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(v.Version.Size()))
	return appendClock(b, v.Version)
}

func appendClock(b []byte, c VectorClock) []byte {
	for _, e := range c.Entries {
		b = protowire.AppendTag(b, _clockEntriesField, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(e.size()))
		b = protowire.AppendTag(b, _clockEntryNodeField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.NodeID))
		b = protowire.AppendTag(b, _clockEntryVersionField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Version))
	}
	b = protowire.AppendTag(b, _clockTimestampField, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(c.Timestamp))
}

// DecodeVersioned parses a value written by AppendVersioned.
// The returned value does not alias b.
func DecodeVersioned(b []byte) (Versioned, error) {
	var v Versioned
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == _versionedValueField && typ == protowire.BytesType:
			value, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			v.Value = bytes.Clone(value)
			return n, nil
		case num == _versionedClockField && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			clock, err := decodeClock(raw)
			if err != nil {
				return 0, err
			}
			v.Version = clock
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Versioned{}, errors.WithMessage(err, "decode versioned")
	}
	return v, nil
}

func decodeClock(b []byte) (VectorClock, error) {
	var c VectorClock
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == _clockEntriesField && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := decodeClockEntry(raw)
			if err != nil {
				return 0, err
			}
			c.Entries = append(c.Entries, e)
			return n, nil
		case num == _clockTimestampField && typ == protowire.VarintType:
			ts, n := protowire.ConsumeVarint(b)
			c.Timestamp = int64(ts)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return c, errors.WithMessage(err, "decode clock")
}

func decodeClockEntry(b []byte) (ClockEntry, error) {
	var e ClockEntry
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == _clockEntryNodeField && typ == protowire.VarintType:
			id, n := protowire.ConsumeVarint(b)
			e.NodeID = int32(id)
			return n, nil
		case num == _clockEntryVersionField && typ == protowire.VarintType:
			version, n := protowire.ConsumeVarint(b)
			e.Version = int64(version)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return e, errors.WithMessage(err, "decode clock entry")
}

// consumeMessage walks the fields of an encoded message. field returns the
// number of bytes it consumed from the field value, or a negative protowire error code.
func consumeMessage(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := field(num, typ, b)
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

package endpoint

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/storage/kv"
)

const (
	_partitionPath   = "partition"
	_partitionFormat = _partitionPath + kv.KeySeparator + "%010d" + kv.KeySeparator // max length of int32 is 10
)

// Partition defines operations on the entries of a partition.
// Keys passed in and returned are user keys, without the partition prefix.
type Partition interface {
	SaveEntries(ctx context.Context, partition int32, kvs []kv.KeyValue) error
	ScanEntries(ctx context.Context, partition int32, startKey []byte, limit int64) ([]kv.KeyValue, error)
}

// SaveEntries writes the given entries into the partition in one batch. Nothing is written if any key is empty.
func (e *Endpoint) SaveEntries(ctx context.Context, partition int32, kvs []kv.KeyValue) error {
	logger := e.lg

	prefix := partitionPrefix(partition)
	prefixed := make([]kv.KeyValue, 0, len(kvs))
	for i, keyValue := range kvs {
		if len(keyValue.Key) == 0 {
			return errors.Errorf("save entries of partition %d: empty key at %d", partition, i)
		}
		prefixed = append(prefixed, kv.KeyValue{
			Key:   append(prefix[:len(prefix):len(prefix)], keyValue.Key...),
			Value: keyValue.Value,
		})
	}

	_, err := e.BatchPut(ctx, prefixed, false)
	if err != nil {
		logger.Error("failed to save entries", zap.Int32("partition", partition), zap.Int("count", len(prefixed)), zap.Error(err))
		return errors.WithMessagef(err, "save entries of partition %d", partition)
	}
	return nil
}

// ScanEntries returns at most limit entries of the partition whose keys are not less than startKey, in key order.
// A nil startKey scans from the first entry of the partition.
func (e *Endpoint) ScanEntries(ctx context.Context, partition int32, startKey []byte, limit int64) ([]kv.KeyValue, error) {
	prefix := partitionPrefix(partition)
	r := kv.Range{
		StartKey: append(prefix[:len(prefix):len(prefix)], startKey...),
		EndKey:   e.GetPrefixRangeEnd(prefix),
	}

	kvs, err := e.GetByRange(ctx, r, limit)
	if err != nil {
		return nil, errors.WithMessagef(err, "scan entries of partition %d", partition)
	}
	for i := range kvs {
		kvs[i].Key = kvs[i].Key[len(prefix):]
	}
	return kvs, nil
}

func partitionPrefix(partition int32) []byte {
	return []byte(fmt.Sprintf(_partitionFormat, partition))
}

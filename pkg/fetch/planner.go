package fetch

import (
	"go.uber.org/zap/zapcore"
)

// ReplicaPartitionList is the set of master partitions requested at one replica type.
type ReplicaPartitionList struct {
	ReplicaType int
	Partitions  []int32
}

// ReplicaPartitions maps replica types to the master partitions requested at that type.
// The order of the lists, and of the partitions in each list, is the order of the fetch.
type ReplicaPartitions []ReplicaPartitionList

func (rp ReplicaPartitions) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, l := range rp {
		l := l
		if err := enc.AppendObject(zapcore.ObjectMarshalerFunc(func(oe zapcore.ObjectEncoder) error {
			oe.AddInt("replica-type", l.ReplicaType)
			return oe.AddArray("partitions", zapcore.ArrayMarshalerFunc(func(ae zapcore.ArrayEncoder) error {
				for _, p := range l.Partitions {
					ae.AppendInt32(p)
				}
				return nil
			}))
		})); err != nil {
			return err
		}
	}
	return nil
}

// WorkItem is one (partition, replica type) pair to fetch.
type WorkItem struct {
	Partition   int32
	ReplicaType int
}

// Flatten turns the requested mapping into an ordered work list.
// Lists without partitions contribute nothing. Duplicates are kept; they are dropped when the work list is consumed.
func Flatten(rp ReplicaPartitions) []WorkItem {
	var n int
	for _, l := range rp {
		n += len(l.Partitions)
	}
	items := make([]WorkItem, 0, n)
	for _, l := range rp {
		for _, p := range l.Partitions {
			items = append(items, WorkItem{Partition: p, ReplicaType: l.ReplicaType})
		}
	}
	return items
}

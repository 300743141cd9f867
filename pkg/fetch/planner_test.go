package fetch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFlatten(t *testing.T) {
	t.Parallel()
	type args struct {
		rp ReplicaPartitions
	}
	tests := []struct {
		name string
		args args
		want []WorkItem
	}{
		{
			name: "empty",
			args: args{rp: nil},
			want: []WorkItem{},
		},
		{
			name: "keep order and duplicates",
			args: args{rp: ReplicaPartitions{
				{ReplicaType: 0, Partitions: []int32{5, 7}},
				{ReplicaType: 1, Partitions: []int32{5}},
			}},
			want: []WorkItem{{5, 0}, {7, 0}, {5, 1}},
		},
		{
			name: "skip nil partitions",
			args: args{rp: ReplicaPartitions{
				{ReplicaType: 0, Partitions: nil},
				{ReplicaType: 1, Partitions: []int32{2}},
			}},
			want: []WorkItem{{2, 1}},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)
			re.Equal(tt.want, Flatten(tt.args.rp))
		})
	}
}

func TestReplicaPartitionsLog(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("plan", zap.Array("replica-partitions", ReplicaPartitions{{ReplicaType: 1, Partitions: []int32{3, 4}}}))

	re.Equal(1, logs.Len())
	field := logs.All()[0].ContextMap()["replica-partitions"]
	re.Equal([]interface{}{map[string]interface{}{"replica-type": 1, "partitions": []interface{}{int32(3), int32(4)}}}, field)
}

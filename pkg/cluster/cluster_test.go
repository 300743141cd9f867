package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testCluster(re *require.Assertions) *Cluster {
	c, err := NewCluster("test", []*Node{
		{ID: 2, Host: "node-2", Partitions: []int32{2, 5}},
		{ID: 0, Host: "node-0", Partitions: []int32{0, 3}},
		{ID: 1, Host: "node-1", Partitions: []int32{1, 4}},
	})
	re.NoError(err)
	return c
}

func TestNewCluster(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		nodes   []*Node
		wantErr string
	}{
		{
			name:  "valid",
			nodes: []*Node{{ID: 0, Partitions: []int32{0}}, {ID: 1, Partitions: []int32{1}}},
		},
		{
			name:    "duplicate node",
			nodes:   []*Node{{ID: 0, Partitions: []int32{0}}, {ID: 0, Partitions: []int32{1}}},
			wantErr: "duplicate node id 0",
		},
		{
			name:    "duplicate partition",
			nodes:   []*Node{{ID: 0, Partitions: []int32{0}}, {ID: 1, Partitions: []int32{0}}},
			wantErr: "partition 0 is owned by both node 0 and node 1",
		},
		{
			name:    "partition gap",
			nodes:   []*Node{{ID: 0, Partitions: []int32{0, 2}}},
			wantErr: "partition 1 is not owned by any node",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			_, err := NewCluster("test", tt.nodes)
			if tt.wantErr != "" {
				re.ErrorContains(err, tt.wantErr)
				return
			}
			re.NoError(err)
		})
	}
}

func TestCluster_Accessors(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := testCluster(re)
	re.Equal("test", c.Name())
	re.Equal(6, c.PartitionCount())
	re.Len(c.Nodes(), 3)
	re.Equal(int32(0), c.Nodes()[0].ID)
	re.Equal("node-1", c.Node(1).Host)
	re.Nil(c.Node(9))

	owner, ok := c.Owner(4)
	re.True(ok)
	re.Equal(int32(1), owner)
	_, ok = c.Owner(6)
	re.False(ok)
}

func TestCluster_ReplicatingPartitions(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	c := testCluster(re)

	re.Equal([]int32{0, 1}, c.ReplicatingPartitions(0, 2))
	re.Equal([]int32{5, 0}, c.ReplicatingPartitions(5, 2))
	re.Equal([]int32{2, 3, 4}, c.ReplicatingPartitions(2, 3))
	// only 3 distinct owners exist
	re.Equal([]int32{1, 2, 3}, c.ReplicatingPartitions(1, 5))
	re.Nil(c.ReplicatingPartitions(6, 2))
	re.Nil(c.ReplicatingPartitions(0, 0))
}

func TestBelongsToNode(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	c := testCluster(re)
	def := &StoreDefinition{Name: "users", ReplicationFactor: 2}

	tests := []struct {
		partition   int32
		replicaType int
		nodeID      int32
		want        bool
	}{
		{partition: 0, replicaType: 0, nodeID: 0, want: true},
		{partition: 0, replicaType: 1, nodeID: 1, want: true},
		{partition: 0, replicaType: 1, nodeID: 0, want: false},
		{partition: 5, replicaType: 1, nodeID: 0, want: true},
		{partition: 2, replicaType: 0, nodeID: 1, want: false},
		{partition: 2, replicaType: 2, nodeID: 0, want: false},
		{partition: 2, replicaType: -1, nodeID: 2, want: false},
		{partition: 7, replicaType: 0, nodeID: 0, want: false},
	}
	for _, tt := range tests {
		re.Equal(tt.want, BelongsToNode(tt.partition, tt.replicaType, tt.nodeID, c, def),
			"partition %d replica type %d node %d", tt.partition, tt.replicaType, tt.nodeID)
	}
	re.False(BelongsToNode(0, 0, 0, nil, def))
	re.False(BelongsToNode(0, 0, 0, c, nil))
}

func TestNodePartitions(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	c := testCluster(re)
	def := &StoreDefinition{Name: "users", ReplicationFactor: 2}

	re.Equal([]int32{0, 3}, NodePartitions(0, 0, c, def))
	re.Equal([]int32{2, 5}, NodePartitions(0, 1, c, def))
	re.Nil(NodePartitions(0, 2, c, def))
}

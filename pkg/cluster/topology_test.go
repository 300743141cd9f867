package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	topology, err := Load("testdata/topology.toml")
	re.NoError(err)
	re.Equal("test", topology.Cluster().Name())
	re.Equal(6, topology.Cluster().PartitionCount())
	re.Equal([]string{"http://127.0.0.1:12379"}, topology.Cluster().Node(1).ClientURLs)
	re.Equal("127.0.0.1:12378", topology.Cluster().Node(1).FetchAddr)
	re.Equal(&StoreDefinition{Name: "users", ReplicationFactor: 2}, topology.StoreDefinition("users"))
	re.Nil(topology.StoreDefinition("orders"))
	re.Equal([]string{"users"}, topology.StoreNames())
}

func TestNewTopology(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c, err := NewCluster("test", []*Node{{ID: 0, Partitions: []int32{0}}})
	re.NoError(err)
	topology := NewTopology(c, &StoreDefinition{Name: "users", ReplicationFactor: 1}, &StoreDefinition{Name: "orders", ReplicationFactor: 1})
	re.Same(c, topology.Cluster())
	re.Equal([]string{"orders", "users"}, topology.StoreNames())
}

func TestLoadError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{name: "missing file", path: "testdata/nonexistent.toml", wantErr: "decode topology file"},
		{name: "duplicate partition", path: "testdata/duplicate_partition.toml", wantErr: "partition 1 is owned by both"},
		{name: "unknown key", path: "testdata/unknown_key.toml", wantErr: "unknown keys [zone]"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			_, err := Load(tt.path)
			re.ErrorContains(err, tt.wantErr)
		})
	}
}

func TestNewTopologyReplicationFactor(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	_, err := newTopology(&topologyFile{
		Name:   "test",
		Nodes:  []*Node{{ID: 0, Partitions: []int32{0}}},
		Stores: []*StoreDefinition{{Name: "users", ReplicationFactor: 2}},
	})
	re.ErrorContains(err, "replication factor 2 of store users is out of range [1, 1]")
}

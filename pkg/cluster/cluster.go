package cluster

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

// Node is a member of the cluster.
type Node struct {
	ID   int32  `toml:"id"`
	Host string `toml:"host"`
	// ClientURLs are the endpoints peers use to reach the node's store.
	ClientURLs []string `toml:"client-urls"`
	// FetchAddr is the address of the node's fetch server.
	FetchAddr string `toml:"fetch-addr"`
	// Partitions are the master partitions owned by the node.
	Partitions []int32 `toml:"partitions"`
}

func (n *Node) String() string {
	return fmt.Sprintf("node %d (%s)", n.ID, n.Host)
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (n *Node) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt32("id", n.ID)
	enc.AddString("host", n.Host)
	return nil
}

// Cluster is an immutable snapshot of the cluster topology.
type Cluster struct {
	name  string
	nodes []*Node
	// nodeByID and owner are derived from nodes
	nodeByID map[int32]*Node
	owner    []int32
}

// NewCluster builds a topology from its nodes.
// Master partitions must be numbered 0..N-1 and each owned by exactly one node.
func NewCluster(name string, nodes []*Node) (*Cluster, error) {
	c := &Cluster{
		name:     name,
		nodes:    make([]*Node, 0, len(nodes)),
		nodeByID: make(map[int32]*Node, len(nodes)),
	}

	owners := make(map[int32]int32)
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if _, ok := c.nodeByID[n.ID]; ok {
			return nil, errors.Errorf("duplicate node id %d", n.ID)
		}
		for _, p := range n.Partitions {
			if prev, ok := owners[p]; ok {
				return nil, errors.Errorf("partition %d is owned by both node %d and node %d", p, prev, n.ID)
			}
			owners[p] = n.ID
		}
		c.nodeByID[n.ID] = n
		c.nodes = append(c.nodes, n)
	}
	sort.Slice(c.nodes, func(i, j int) bool { return c.nodes[i].ID < c.nodes[j].ID })

	c.owner = make([]int32, len(owners))
	for p := 0; p < len(owners); p++ {
		id, ok := owners[int32(p)]
		if !ok {
			return nil, errors.Errorf("partition %d is not owned by any node, partitions must be numbered from 0 to %d", p, len(owners)-1)
		}
		c.owner[p] = id
	}
	return c, nil
}

func (c *Cluster) Name() string {
	return c.name
}

// Nodes returns the nodes ordered by id.
func (c *Cluster) Nodes() []*Node {
	return c.nodes
}

// Node returns the node with the given id, or nil if there is none.
func (c *Cluster) Node(id int32) *Node {
	return c.nodeByID[id]
}

// PartitionCount returns the number of master partitions.
func (c *Cluster) PartitionCount() int {
	return len(c.owner)
}

// Owner returns the id of the node owning the master partition.
func (c *Cluster) Owner(partition int32) (int32, bool) {
	if partition < 0 || int(partition) >= len(c.owner) {
		return 0, false
	}
	return c.owner[partition], true
}

// ReplicatingPartitions returns the partitions holding copies of the master partition, in replica type order.
// Walking the ring from the master partition, a partition is taken when its owner holds no copy yet,
// until replicationFactor partitions are taken or the ring is exhausted.
func (c *Cluster) ReplicatingPartitions(partition int32, replicationFactor int) []int32 {
	n := len(c.owner)
	if partition < 0 || int(partition) >= n || replicationFactor <= 0 {
		return nil
	}

	replicas := make([]int32, 0, replicationFactor)
	seen := make(map[int32]struct{}, replicationFactor)
	for i := 0; i < n && len(replicas) < replicationFactor; i++ {
		p := (int(partition) + i) % n
		owner := c.owner[p]
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		replicas = append(replicas, int32(p))
	}
	return replicas
}

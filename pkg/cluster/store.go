package cluster

// StoreDefinition describes how a store is replicated across the cluster.
type StoreDefinition struct {
	Name              string `toml:"name"`
	ReplicationFactor int    `toml:"replication-factor"`
}

// BelongsToNode reports whether the node holds the given replica type of the master partition.
// Replica type 0 is the master itself, type r is the r-th replicating partition on the ring.
func BelongsToNode(partition int32, replicaType int, nodeID int32, c *Cluster, def *StoreDefinition) bool {
	if c == nil || def == nil || replicaType < 0 {
		return false
	}
	replicas := c.ReplicatingPartitions(partition, def.ReplicationFactor)
	if replicaType >= len(replicas) {
		return false
	}
	owner, ok := c.Owner(replicas[replicaType])
	return ok && owner == nodeID
}

// NodePartitions returns the master partitions for which the node holds the given replica type.
func NodePartitions(nodeID int32, replicaType int, c *Cluster, def *StoreDefinition) []int32 {
	var partitions []int32
	for p := 0; p < c.PartitionCount(); p++ {
		if BelongsToNode(int32(p), replicaType, nodeID, c, def) {
			partitions = append(partitions, int32(p))
		}
	}
	return partitions
}

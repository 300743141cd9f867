package store

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/cluster"
)

// Registry holds the remote store of every known peer, keyed by node id.
type Registry struct {
	stores cmap.ConcurrentMap[int32, Store]

	lg *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(lg *zap.Logger) *Registry {
	return &Registry{
		stores: cmap.NewWithCustomShardingFunction[int32, Store](func(key int32) uint32 { return uint32(key) }),
		lg:     lg,
	}
}

// Register sets the store of a node, closing the one it replaces.
func (r *Registry) Register(nodeID int32, s Store) {
	var prev Store
	r.stores.Upsert(nodeID, s, func(exist bool, valueInMap Store, newValue Store) Store {
		if exist {
			prev = valueInMap
		}
		return newValue
	})
	if prev != nil && prev != s {
		r.closeStore(nodeID, prev)
	}
}

// Store returns the store of a node, or nil if the node has none.
func (r *Registry) Store(node *cluster.Node) Store {
	if node == nil {
		return nil
	}
	s, ok := r.stores.Get(node.ID)
	if !ok {
		return nil
	}
	return s
}

// Remove removes and closes the store of a node.
func (r *Registry) Remove(nodeID int32) {
	if s, ok := r.stores.Pop(nodeID); ok {
		r.closeStore(nodeID, s)
	}
}

// Len returns the number of registered stores.
func (r *Registry) Len() int {
	return r.stores.Count()
}

// Close closes and removes every store.
func (r *Registry) Close() {
	for _, id := range r.stores.Keys() {
		r.Remove(id)
	}
}

func (r *Registry) closeStore(nodeID int32, s Store) {
	if err := s.Close(); err != nil {
		r.lg.Warn("failed to close store", zap.Int32("node-id", nodeID), zap.String("store", s.Name()), zap.Error(err))
	}
}

// NewEtcdRegistry creates a registry holding an etcd store for every peer of localID that has client URLs.
func NewEtcdRegistry(name string, c *cluster.Cluster, localID int32, rootPath string, requestTimeout time.Duration, lg *zap.Logger) (*Registry, error) {
	r := NewRegistry(lg)
	for _, node := range c.Nodes() {
		if node.ID == localID {
			continue
		}
		if len(node.ClientURLs) == 0 {
			lg.Warn("node has no client urls, skip it", zap.Int32("node-id", node.ID))
			continue
		}
		s, err := NewEtcdForNode(name, node, rootPath, requestTimeout, lg)
		if err != nil {
			r.Close()
			return nil, errors.WithMessagef(err, "create store for node %d", node.ID)
		}
		r.Register(node.ID, s)
	}
	return r, nil
}

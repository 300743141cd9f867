package cluster

import (
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Topology is the cluster layout and the stores it serves.
type Topology struct {
	cluster *Cluster
	stores  map[string]*StoreDefinition
}

// NewTopology builds a topology from a cluster and its store definitions.
func NewTopology(c *Cluster, stores ...*StoreDefinition) *Topology {
	t := &Topology{cluster: c, stores: make(map[string]*StoreDefinition, len(stores))}
	for _, def := range stores {
		t.stores[def.Name] = def
	}
	return t
}

type topologyFile struct {
	Name   string             `toml:"name"`
	Nodes  []*Node            `toml:"nodes"`
	Stores []*StoreDefinition `toml:"stores"`
}

// Load reads a topology from a TOML file.
func Load(path string) (*Topology, error) {
	var f topologyFile
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode topology file %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown keys %v in topology file %s", undecoded, path)
	}
	return newTopology(&f)
}

func newTopology(f *topologyFile) (*Topology, error) {
	c, err := NewCluster(f.Name, f.Nodes)
	if err != nil {
		return nil, errors.WithMessage(err, "build cluster")
	}

	stores := make(map[string]*StoreDefinition, len(f.Stores))
	for _, def := range f.Stores {
		if def.Name == "" {
			return nil, errors.New("store name is required")
		}
		if _, ok := stores[def.Name]; ok {
			return nil, errors.Errorf("duplicate store %s", def.Name)
		}
		if def.ReplicationFactor < 1 || def.ReplicationFactor > len(c.Nodes()) {
			return nil, errors.Errorf("replication factor %d of store %s is out of range [1, %d]", def.ReplicationFactor, def.Name, len(c.Nodes()))
		}
		stores[def.Name] = def
	}
	return &Topology{cluster: c, stores: stores}, nil
}

func (t *Topology) Cluster() *Cluster {
	return t.cluster
}

// StoreDefinition returns the definition of the named store, or nil if there is none.
func (t *Topology) StoreDefinition(name string) *StoreDefinition {
	return t.stores[name]
}

// StoreNames returns the names of all stores.
func (t *Topology) StoreNames() []string {
	names := make([]string, 0, len(t.stores))
	for name := range t.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package failuredetector

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/AutoMQ/kvcluster/pkg/cluster"
	"github.com/AutoMQ/kvcluster/pkg/store"
)

// ErrClosed is returned when waiting on a closed detector.
var ErrClosed = errors.New("failure detector closed")

// Detector tracks which nodes are available to serve requests.
type Detector interface {
	// IsAvailable reports whether node is currently considered available.
	IsAvailable(node *cluster.Node) bool
	// RecordException marks node unavailable after a request to it failed.
	RecordException(node *cluster.Node, requestTime time.Duration, cause error)
	// RecordSuccess is called after a request to node succeeded.
	RecordSuccess(node *cluster.Node, requestTime time.Duration)

	AvailableNodeCount() int
	UnavailableNodeCount() int
	NodeStatus(node *cluster.Node) Status

	AddListener(l Listener)
	RemoveListener(l Listener)

	// WaitForAvailability blocks until node is available, ctx is done or the detector is closed.
	WaitForAvailability(ctx context.Context, node *cluster.Node) error
	Close()
}

// Listener is notified when a node changes between available and unavailable.
// Callbacks run on the goroutine causing the change, one at a time, and must not block or record events.
type Listener interface {
	NodeAvailable(node *cluster.Node)
	NodeUnavailable(node *cluster.Node)
}

// Status is the availability state of one node.
type Status struct {
	Available bool
	// Since is when the node entered its current state. Zero if it never changed.
	Since time.Time
	// LastChecked is when the node was last probed. Zero if it never was.
	LastChecked time.Time
	// Failures is the number of exceptions recorded for the node.
	Failures int64
}

// StoreResolver returns the store used to probe a node, or nil if there is none.
type StoreResolver interface {
	Store(node *cluster.Node) store.Store
}

// Config is the configuration of a failure detector.
type Config struct {
	// BannagePeriod is the interval between two probe passes over the unavailable nodes.
	BannagePeriod time.Duration
	// ProbeTimeout bounds a single probe. Zero leaves it to the store.
	ProbeTimeout time.Duration
	// Resolver resolves the store to probe for each node.
	Resolver StoreResolver
	// Nodes are the nodes known up front. Nodes reported later are added as they are seen.
	Nodes []*cluster.Node
}

const DefaultBannagePeriod = 30 * time.Second

package failuredetector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/cluster"
)

var _ Detector = (*AsyncRecovery)(nil)

// AsyncRecovery marks a node unavailable as soon as a request to it fails,
// and only marks it available again once a background probe of the node succeeds.
type AsyncRecovery struct {
	cfg Config

	// mu guards every field below it up to the listeners.
	mu          sync.Mutex
	known       map[int32]*cluster.Node
	unavailable map[int32]*cluster.Node
	status      map[int32]*Status
	// changed is closed and replaced whenever a node changes state.
	changed chan struct{}

	listenersMu sync.RWMutex
	listeners   []Listener

	// notifyMu serializes callbacks. notified holds the last state told to listeners, absent means available.
	notifyMu sync.Mutex
	notified map[int32]bool

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lg *zap.Logger
}

// NewAsyncRecovery creates a detector. The recovery prober runs from Start until Close or until ctx is done.
func NewAsyncRecovery(ctx context.Context, cfg Config, lg *zap.Logger) *AsyncRecovery {
	if cfg.BannagePeriod <= 0 {
		cfg.BannagePeriod = DefaultBannagePeriod
	}
	a := &AsyncRecovery{
		cfg:         cfg,
		known:       make(map[int32]*cluster.Node, len(cfg.Nodes)),
		unavailable: make(map[int32]*cluster.Node),
		status:      make(map[int32]*Status, len(cfg.Nodes)),
		changed:     make(chan struct{}),
		notified:    make(map[int32]bool),
		lg:          lg.With(zap.String("failure-detector", "async-recovery")),
	}
	for _, node := range cfg.Nodes {
		a.known[node.ID] = node
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	return a
}

// Start starts the recovery prober. Calls after the first are no-ops.
func (a *AsyncRecovery) Start() {
	if !a.started.CompareAndSwap(false, true) {
		a.lg.Warn("recovery prober already started")
		return
	}
	a.wg.Add(1)
	go a.run()
	a.lg.Info("recovery prober started", zap.Duration("bannage-period", a.cfg.BannagePeriod))
}

// Close stops the recovery prober and waits for it to exit.
func (a *AsyncRecovery) Close() {
	a.cancel()
	a.wg.Wait()
}

func (a *AsyncRecovery) IsAvailable(node *cluster.Node) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.unavailable[node.ID]
	return !ok
}

// RecordException marks node unavailable immediately.
// Listeners are notified only if the node was available before.
func (a *AsyncRecovery) RecordException(node *cluster.Node, requestTime time.Duration, cause error) {
	a.mu.Lock()
	a.known[node.ID] = node
	_, wasUnavailable := a.unavailable[node.ID]
	a.unavailable[node.ID] = node
	st := a.statusLocked(node.ID)
	st.Failures++
	if !wasUnavailable {
		st.Available = false
		st.Since = time.Now()
		a.notifyChangedLocked()
	}
	a.mu.Unlock()

	if !wasUnavailable {
		a.notify(node)
	}
	a.lg.Info("node now unavailable", zap.Object("node", node), zap.Duration("request-time", requestTime), zap.Error(cause))
}

// RecordSuccess does nothing. Only the recovery prober marks nodes available,
// so concurrent successes cannot flip a node back while a slow failure is still in flight.
func (a *AsyncRecovery) RecordSuccess(*cluster.Node, time.Duration) {}

func (a *AsyncRecovery) AvailableNodeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.known) - len(a.unavailable)
}

func (a *AsyncRecovery) UnavailableNodeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.unavailable)
}

func (a *AsyncRecovery) NodeStatus(node *cluster.Node) Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.status[node.ID]; ok {
		return *st
	}
	return Status{Available: true}
}

func (a *AsyncRecovery) AddListener(l Listener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, l)
}

func (a *AsyncRecovery) RemoveListener(l Listener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	for i, listener := range a.listeners {
		if listener == l {
			a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
			return
		}
	}
}

func (a *AsyncRecovery) WaitForAvailability(ctx context.Context, node *cluster.Node) error {
	for {
		a.mu.Lock()
		_, unavailable := a.unavailable[node.ID]
		changed := a.changed
		a.mu.Unlock()
		if !unavailable {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.ctx.Done():
			return ErrClosed
		case <-changed:
		}
	}
}

// setAvailable is the only way a node becomes available again.
func (a *AsyncRecovery) setAvailable(node *cluster.Node) {
	a.mu.Lock()
	_, wasUnavailable := a.unavailable[node.ID]
	delete(a.unavailable, node.ID)
	if wasUnavailable {
		st := a.statusLocked(node.ID)
		st.Available = true
		st.Since = time.Now()
		a.notifyChangedLocked()
	}
	a.mu.Unlock()

	if wasUnavailable {
		a.notify(node)
	}
}

// snapshot returns the unavailable nodes ordered by id.
func (a *AsyncRecovery) snapshot() []*cluster.Node {
	a.mu.Lock()
	nodes := make([]*cluster.Node, 0, len(a.unavailable))
	for _, node := range a.unavailable {
		nodes = append(nodes, node)
	}
	a.mu.Unlock()

	sortNodes(nodes)
	return nodes
}

func (a *AsyncRecovery) markChecked(node *cluster.Node, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusLocked(node.ID).LastChecked = at
}

func (a *AsyncRecovery) statusLocked(id int32) *Status {
	st, ok := a.status[id]
	if !ok {
		st = &Status{Available: true}
		a.status[id] = st
	}
	return st
}

func (a *AsyncRecovery) notifyChangedLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// notify tells listeners the current state of node, unless they were already told.
// Racing transitions may collapse, but the last callback for a node always matches IsAvailable.
func (a *AsyncRecovery) notify(node *cluster.Node) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	available := a.IsAvailable(node)
	if told, ok := a.notified[node.ID]; (ok && told == available) || (!ok && available) {
		return
	}
	a.notified[node.ID] = available

	a.listenersMu.RLock()
	listeners := append([]Listener(nil), a.listeners...)
	a.listenersMu.RUnlock()
	for _, l := range listeners {
		if available {
			l.NodeAvailable(node)
		} else {
			l.NodeUnavailable(node)
		}
	}
}

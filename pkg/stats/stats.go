package stats

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const _namespace = "kvcluster"

// Operation is a kind of streaming operation.
type Operation int

const (
	FetchEntries Operation = iota
	FetchKeys
)

func (o Operation) String() string {
	switch o {
	case FetchEntries:
		return "fetch_entries"
	case FetchKeys:
		return "fetch_keys"
	default:
		return "unknown"
	}
}

// Handle tracks one streaming operation. It is safe for concurrent use.
type Handle struct {
	id        string
	op        Operation
	store     string
	startedAt time.Time

	entriesScanned atomic.Int64
	diskTime       atomic.Int64
	networkTime    atomic.Int64
	closed         atomic.Bool

	scannedCounter prometheus.Counter
}

func (h *Handle) ID() string           { return h.id }
func (h *Handle) Operation() Operation { return h.op }
func (h *Handle) Store() string        { return h.store }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// IncrementEntriesScanned counts one more entry sent by the operation.
func (h *Handle) IncrementEntriesScanned() {
	h.entriesScanned.Add(1)
	h.scannedCounter.Inc()
}

func (h *Handle) EntriesScanned() int64 {
	return h.entriesScanned.Load()
}

// DiskTime returns the total time spent reading from storage.
func (h *Handle) DiskTime() time.Duration {
	return time.Duration(h.diskTime.Load())
}

// NetworkTime returns the total time spent writing to the wire.
func (h *Handle) NetworkTime() time.Duration {
	return time.Duration(h.networkTime.Load())
}

// StreamStats aggregates the stats of streaming operations and exports them to prometheus.
type StreamStats struct {
	handles cmap.ConcurrentMap[string, *Handle]

	diskTime       *prometheus.HistogramVec
	networkTime    *prometheus.HistogramVec
	entriesScanned *prometheus.CounterVec
	active         *prometheus.GaugeVec
	completed      *prometheus.CounterVec

	lg *zap.Logger
}

// NewStreamStats creates a StreamStats and registers its metrics with reg.
// A nil reg leaves the metrics unregistered. Metrics that are already registered are shared.
func NewStreamStats(reg prometheus.Registerer, lg *zap.Logger) (*StreamStats, error) {
	s := &StreamStats{
		handles: cmap.New[*Handle](),
		diskTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace,
			Subsystem: "stream",
			Name:      "disk_time_seconds",
			Help:      "Time spent reading one entry from storage.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"operation", "store"}),
		networkTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace,
			Subsystem: "stream",
			Name:      "network_time_seconds",
			Help:      "Time spent writing one entry to the wire.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"operation", "store"}),
		entriesScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "stream",
			Name:      "entries_scanned_total",
			Help:      "Number of entries sent by streaming operations.",
		}, []string{"operation", "store"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: _namespace,
			Subsystem: "stream",
			Name:      "active_operations",
			Help:      "Number of streaming operations in progress.",
		}, []string{"operation"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "stream",
			Name:      "operations_total",
			Help:      "Number of finished streaming operations.",
		}, []string{"operation"}),
		lg: lg,
	}
	if reg == nil {
		return s, nil
	}

	var err error
	if s.diskTime, err = register(reg, s.diskTime); err != nil {
		return nil, err
	}
	if s.networkTime, err = register(reg, s.networkTime); err != nil {
		return nil, err
	}
	if s.entriesScanned, err = register(reg, s.entriesScanned); err != nil {
		return nil, err
	}
	if s.active, err = register(reg, s.active); err != nil {
		return nil, err
	}
	if s.completed, err = register(reg, s.completed); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, errors.Wrap(err, "register stream metrics")
}

// OpenHandle starts tracking a new operation on store.
func (s *StreamStats) OpenHandle(op Operation, store string) *Handle {
	h := &Handle{
		id:             uuid.NewString(),
		op:             op,
		store:          store,
		startedAt:      time.Now(),
		scannedCounter: s.entriesScanned.WithLabelValues(op.String(), store),
	}
	s.handles.Set(h.id, h)
	s.active.WithLabelValues(op.String()).Inc()
	s.lg.Debug("stream handle opened", zap.String("handle", h.id), zap.Stringer("operation", op), zap.String("store", store))
	return h
}

// CloseHandle stops tracking an operation. Closing a handle more than once has no effect.
func (s *StreamStats) CloseHandle(h *Handle) {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return
	}
	s.handles.Remove(h.id)
	s.active.WithLabelValues(h.op.String()).Dec()
	s.completed.WithLabelValues(h.op.String()).Inc()
	s.lg.Debug("stream handle closed", zap.String("handle", h.id), zap.Int64("entries-scanned", h.EntriesScanned()),
		zap.Duration("disk-time", h.DiskTime()), zap.Duration("network-time", h.NetworkTime()), zap.Duration("elapsed", time.Since(h.startedAt)))
}

// RecordDiskTime records the time spent reading one entry for h.
func (s *StreamStats) RecordDiskTime(h *Handle, d time.Duration) {
	h.diskTime.Add(int64(d))
	s.diskTime.WithLabelValues(h.op.String(), h.store).Observe(d.Seconds())
}

// RecordNetworkTime records the time spent writing one entry for h.
func (s *StreamStats) RecordNetworkTime(h *Handle, d time.Duration) {
	h.networkTime.Add(int64(d))
	s.networkTime.WithLabelValues(h.op.String(), h.store).Observe(d.Seconds())
}

// Handles returns the operations in progress.
func (s *StreamStats) Handles() []*Handle {
	handles := make([]*Handle, 0, s.handles.Count())
	for _, h := range s.handles.Items() {
		handles = append(handles, h)
	}
	return handles
}

package fetch

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/cluster"
	"github.com/AutoMQ/kvcluster/pkg/stats"
	"github.com/AutoMQ/kvcluster/pkg/storage"
	"github.com/AutoMQ/kvcluster/pkg/throttle"
	"github.com/AutoMQ/kvcluster/pkg/util/traceutil"
)

const (
	// DefaultProgressInterval is the number of scanned entries between two progress logs.
	DefaultProgressInterval int64 = 100000
)

var (
	ErrHandlerClosed = errors.New("fetch handler closed")
	ErrUnknownStore  = errors.New("unknown store")
)

// State is the outcome of one HandleRequest call.
type State int

const (
	// Writing means the caller should call HandleRequest again.
	Writing State = iota
	// Complete means every eligible partition has been streamed.
	Complete
)

func (s State) String() string {
	switch s {
	case Writing:
		return "writing"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Filter decides whether an entry is sent to the client.
type Filter interface {
	Accept(key []byte, value storage.Versioned) bool
}

// FilterFunc adapts a function to a Filter.
type FilterFunc func(key []byte, value storage.Versioned) bool

func (f FilterFunc) Accept(key []byte, value storage.Versioned) bool {
	return f(key, value)
}

// AcceptAll accepts every entry.
var AcceptAll Filter = FilterFunc(func([]byte, storage.Versioned) bool { return true })

// Metadata provides the current cluster layout. It is consulted every time a partition is selected.
type Metadata interface {
	Cluster() *cluster.Cluster
	StoreDefinition(name string) *cluster.StoreDefinition
}

// Engines resolves a store name to its local storage engine.
type Engines interface {
	Engine(store string) storage.Engine
}

// EngineMap is an Engines backed by a map.
type EngineMap map[string]storage.Engine

func (m EngineMap) Engine(store string) storage.Engine {
	return m[store]
}

// EntryWriter is the sink of a fetch stream.
type EntryWriter interface {
	WriteEntry(e *storage.Entry) error
	// WriteEnd writes the end-of-stream marker.
	WriteEnd() error
}

// Request is a request to stream entries of a store.
type Request struct {
	Store             string
	ReplicaPartitions ReplicaPartitions
	// Filter is optional. A nil filter accepts every entry.
	Filter Filter
	// SkipRecords is the sampling factor: only every SkipRecords-th scanned entry is considered.
	// Values below 1 are treated as 1.
	SkipRecords int64
}

// Config is the node-wide configuration shared by all handlers.
type Config struct {
	NodeID   int32
	Engines  Engines
	Metadata Metadata
	// Throttler is optional. Defaults to throttle.Unlimited.
	Throttler throttle.Throttler
	// Stats is optional. Defaults to an unregistered StreamStats.
	Stats *stats.StreamStats
	// ProgressInterval is optional. Defaults to DefaultProgressInterval.
	ProgressInterval int64
}

type phase int

const (
	selecting phase = iota
	scanning
	complete
)

// Handler streams the entries of the requested partitions which the local node holds.
// Each HandleRequest call does one bounded unit of work so that the caller can interleave
// flushing, cancellation checks and other sessions. A Handler is not safe for concurrent use.
type Handler struct {
	req    Request
	nodeID int32
	engine storage.Engine
	meta   Metadata
	thr    throttle.Throttler
	stats  *stats.StreamStats
	handle *stats.Handle

	filter           Filter
	skip             int64
	progressInterval int64

	workList    []WorkItem
	cursorIndex int
	fetched     map[int32]struct{}
	current     WorkItem
	cursor      storage.ClosableIterator
	phase       phase
	closed      bool

	scanned   int64
	sent      int64
	startedAt time.Time

	lg *zap.Logger
}

// NewHandler creates a handler for the request. The trace id of ctx, if any, is attached to its logs.
func NewHandler(ctx context.Context, req Request, cfg *Config, lg *zap.Logger) (*Handler, error) {
	logger := lg.With(traceutil.TraceLogField(ctx), zap.String("store", req.Store))
	if cfg.Metadata == nil || cfg.Engines == nil {
		return nil, errors.New("fetch handler requires metadata and engines")
	}
	engine := cfg.Engines.Engine(req.Store)
	if engine == nil {
		return nil, errors.WithMessagef(ErrUnknownStore, "no engine for store %s", req.Store)
	}
	if cfg.Metadata.StoreDefinition(req.Store) == nil {
		return nil, errors.WithMessagef(ErrUnknownStore, "no definition for store %s", req.Store)
	}

	h := &Handler{
		req:              req,
		nodeID:           cfg.NodeID,
		engine:           engine,
		meta:             cfg.Metadata,
		thr:              cfg.Throttler,
		stats:            cfg.Stats,
		filter:           req.Filter,
		skip:             req.SkipRecords,
		progressInterval: cfg.ProgressInterval,
		workList:         Flatten(req.ReplicaPartitions),
		fetched:          make(map[int32]struct{}),
		startedAt:        time.Now(),
		lg:               logger,
	}
	if h.thr == nil {
		h.thr = throttle.Unlimited
	}
	if h.stats == nil {
		s, err := stats.NewStreamStats(nil, logger)
		if err != nil {
			return nil, errors.WithMessage(err, "create stream stats")
		}
		h.stats = s
	}
	if h.filter == nil {
		h.filter = AcceptAll
	}
	if h.skip < 1 {
		h.skip = 1
	}
	if h.progressInterval <= 0 {
		h.progressInterval = DefaultProgressInterval
	}
	h.handle = h.stats.OpenHandle(stats.FetchEntries, req.Store)

	logger.Info("start fetching entries", zap.Int32("node-id", h.nodeID), zap.Array("replica-partitions", req.ReplicaPartitions),
		zap.Int64("skip-records", h.skip), zap.Int("work-items", len(h.workList)))
	return h, nil
}

// HandleRequest does one unit of work: either it selects and opens the next eligible partition,
// or it scans one entry of the current partition.
// Errors of the local storage are logged and the affected partition is skipped. Errors of the writer are returned.
func (h *Handler) HandleRequest(ctx context.Context, w EntryWriter) (State, error) {
	if h.closed {
		return Complete, ErrHandlerClosed
	}
	switch h.phase {
	case selecting:
		return h.selectPartition(ctx), nil
	case scanning:
		return Writing, h.scan(ctx, w)
	default:
		return Complete, nil
	}
}

func (h *Handler) selectPartition(ctx context.Context) State {
	c := h.meta.Cluster()
	def := h.meta.StoreDefinition(h.req.Store)
	for h.cursorIndex < len(h.workList) {
		item := h.workList[h.cursorIndex]
		h.cursorIndex++

		if _, ok := h.fetched[item.Partition]; ok {
			continue
		}
		if !cluster.BelongsToNode(item.Partition, item.ReplicaType, h.nodeID, c, def) {
			h.lg.Debug("partition does not belong to node, skip", zap.Int32("partition", item.Partition), zap.Int("replica-type", item.ReplicaType))
			continue
		}

		h.fetched[item.Partition] = struct{}{}
		logger := h.lg.With(zap.Int32("partition", item.Partition), zap.Int("replica-type", item.ReplicaType))
		cursor, err := h.engine.Entries(ctx, item.Partition)
		if err != nil {
			logger.Error("failed to open partition, skip it", zap.Error(err))
			continue
		}
		logger.Info("fetching partition")
		h.current = item
		h.cursor = cursor
		h.phase = scanning
		return Writing
	}

	h.phase = complete
	h.lg.Info("finished fetching entries", zap.Int32s("partitions", h.FetchedPartitions()), zap.Int64("scanned", h.scanned),
		zap.Int64("sent", h.sent), zap.Duration("elapsed", time.Since(h.startedAt)))
	return Complete
}

func (h *Handler) scan(ctx context.Context, w EntryWriter) error {
	start := time.Now()
	if h.cursor.HasNext() {
		e, err := h.cursor.Next()
		h.scanned++
		h.stats.RecordDiskTime(h.handle, time.Since(start))
		if err != nil {
			h.lg.Error("failed to read partition, skip the rest of it", zap.Int32("partition", h.current.Partition), zap.Int64("scanned", h.scanned), zap.Error(err))
			h.closeCursor()
			return nil
		}
		if h.scanned%h.skip == 0 && h.filter.Accept(e.Key, e.Value) {
			if err := h.send(ctx, w, e); err != nil {
				return err
			}
		}
		if h.scanned%h.progressInterval == 0 {
			h.lg.Info("fetch in progress", zap.Int32("partition", h.current.Partition), zap.Int64("scanned", h.scanned),
				zap.Int64("sent", h.sent), zap.Duration("elapsed", time.Since(h.startedAt)))
		}
	}

	if !h.cursor.HasNext() {
		h.lg.Info("partition fetched", zap.Int32("partition", h.current.Partition), zap.Int64("scanned", h.scanned), zap.Int64("sent", h.sent))
		h.closeCursor()
	}
	return nil
}

func (h *Handler) send(ctx context.Context, w EntryWriter, e *storage.Entry) error {
	if err := h.thr.MaybeThrottle(ctx, len(e.Key)); err != nil {
		return errors.WithMessage(err, "throttle key")
	}
	start := time.Now()
	if err := w.WriteEntry(e); err != nil {
		return errors.WithMessagef(err, "write entry of partition %d", h.current.Partition)
	}
	h.stats.RecordNetworkTime(h.handle, time.Since(start))
	h.handle.IncrementEntriesScanned()
	h.sent++
	if err := h.thr.MaybeThrottle(ctx, e.Value.Size()); err != nil {
		return errors.WithMessage(err, "throttle value")
	}
	return nil
}

func (h *Handler) closeCursor() {
	if h.cursor == nil {
		return
	}
	if err := h.cursor.Close(); err != nil {
		h.lg.Warn("failed to close partition cursor", zap.Int32("partition", h.current.Partition), zap.Error(err))
	}
	h.cursor = nil
	if h.phase == scanning {
		h.phase = selecting
	}
}

// Close releases the open cursor, writes the end-of-stream marker and closes the stats handle.
// Only the first call has any effect.
func (h *Handler) Close(w EntryWriter) error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.closeCursor()
	h.stats.CloseHandle(h.handle)
	if w == nil {
		return nil
	}
	return errors.WithMessage(w.WriteEnd(), "write end of stream")
}

// FetchedPartitions returns the partitions selected so far, in ascending order.
func (h *Handler) FetchedPartitions() []int32 {
	partitions := make([]int32, 0, len(h.fetched))
	for p := range h.fetched {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions
}

// Scanned returns the number of entries read from the local storage.
func (h *Handler) Scanned() int64 {
	return h.scanned
}

// Sent returns the number of entries written to the client.
func (h *Handler) Sent() int64 {
	return h.sent
}

// Stream drives the handler until it completes, then closes it.
// It stops early when ctx is done or the writer fails. The end-of-stream marker is written only on completion.
func Stream(ctx context.Context, h *Handler, w EntryWriter) (err error) {
	defer func() {
		if err != nil {
			_ = h.Close(nil)
			return
		}
		err = h.Close(w)
	}()
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "fetch stream")
		}
		state, err := h.HandleRequest(ctx, w)
		if err != nil {
			return err
		}
		if state == Complete {
			return nil
		}
	}
}

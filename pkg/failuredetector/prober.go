package failuredetector

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/cluster"
	"github.com/AutoMQ/kvcluster/pkg/store"
	"github.com/AutoMQ/kvcluster/pkg/util/logutil"
)

// ProbeKey is read from a node to check whether it is reachable. Its value is irrelevant.
var ProbeKey = []byte{1}

// ProbeResult is the outcome of probing one node.
type ProbeResult int

const (
	ProbeSuccess ProbeResult = iota
	// ProbeUnreachable means the node still cannot be reached.
	ProbeUnreachable
	// ProbeConfigurationMissing means there is no store to probe the node with.
	ProbeConfigurationMissing
	// ProbeError means the probe failed for any other reason.
	ProbeError
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeSuccess:
		return "success"
	case ProbeUnreachable:
		return "unreachable"
	case ProbeConfigurationMissing:
		return "configuration-missing"
	case ProbeError:
		return "error"
	default:
		return "unknown"
	}
}

func classify(err error) ProbeResult {
	switch {
	case err == nil:
		return ProbeSuccess
	case errors.Is(err, store.ErrUnreachable):
		return ProbeUnreachable
	default:
		return ProbeError
	}
}

func (a *AsyncRecovery) run() {
	defer a.wg.Done()
	defer logutil.LogPanic(a.lg)

	timer := time.NewTimer(a.cfg.BannagePeriod)
	defer timer.Stop()
	for {
		select {
		case <-a.ctx.Done():
			a.lg.Info("recovery prober stopped")
			return
		case <-timer.C:
		}

		a.probeAll()
		timer.Reset(a.cfg.BannagePeriod)
	}
}

// probeAll probes every unavailable node once, one after another.
// It stops early if the detector is closed, but never in the middle of a probe.
func (a *AsyncRecovery) probeAll() {
	for _, node := range a.snapshot() {
		if a.ctx.Err() != nil {
			return
		}
		a.probe(node)
	}
}

func (a *AsyncRecovery) probe(node *cluster.Node) ProbeResult {
	logger := a.lg.With(zap.Object("node", node))
	logger.Info("checking previously unavailable node")

	var s store.Store
	if a.cfg.Resolver != nil {
		s = a.cfg.Resolver.Store(node)
	}

	var result ProbeResult
	var err error
	if s == nil {
		result = ProbeConfigurationMissing
	} else {
		ctx := context.WithoutCancel(a.ctx)
		if a.cfg.ProbeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.cfg.ProbeTimeout)
			defer cancel()
		}
		_, err = s.Get(ctx, ProbeKey)
		result = classify(err)
	}
	a.markChecked(node, time.Now())

	switch result {
	case ProbeSuccess:
		a.setAvailable(node)
		logger.Info("node now available")
	case ProbeUnreachable:
		logger.Warn("node still unavailable", zap.Error(err))
	case ProbeConfigurationMissing:
		logger.Warn("store of node is not configured, cannot determine node availability")
	case ProbeError:
		logger.Error("node unavailable due to error", zap.Error(err))
	}
	return result
}

func sortNodes(nodes []*cluster.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

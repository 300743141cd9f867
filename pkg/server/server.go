// Copyright 2016 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/etcd/client/pkg/v3/types"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/kvcluster/pkg/cluster"
	"github.com/AutoMQ/kvcluster/pkg/codec"
	"github.com/AutoMQ/kvcluster/pkg/failuredetector"
	"github.com/AutoMQ/kvcluster/pkg/fetch"
	"github.com/AutoMQ/kvcluster/pkg/server/config"
	"github.com/AutoMQ/kvcluster/pkg/stats"
	"github.com/AutoMQ/kvcluster/pkg/storage"
	"github.com/AutoMQ/kvcluster/pkg/store"
	"github.com/AutoMQ/kvcluster/pkg/throttle"
	"github.com/AutoMQ/kvcluster/pkg/transport"
	"github.com/AutoMQ/kvcluster/pkg/util/etcdutil"
	"github.com/AutoMQ/kvcluster/pkg/util/logutil"
	"github.com/AutoMQ/kvcluster/pkg/util/traceutil"
	"github.com/AutoMQ/kvcluster/pkg/util/typeutil"
)

const (
	_etcdStartTimeout           = time.Minute * 5 // timeout when start etcd
	_shutdownFetchServerTimeout = time.Second * 5 // timeout when shutdown fetch server

	_nodeIDPath = "node_id" // path of the node id owning the data dir, under the root path
	// ProbeStoreName is the store read by the failure detector to check whether a peer is reachable.
	ProbeStoreName = "metadata"
	// MetricsPath is where the node's metrics are served, on the client urls of the embedded etcd.
	MetricsPath = "/kvcluster/metrics"
)

// ErrNodeUnavailable is returned when a request is not sent because the failure detector marks the node unavailable.
var ErrNodeUnavailable = errors.New("node unavailable")

// Server is a storage node. It keeps its entries in an embedded etcd, streams them to other nodes on request,
// and tracks the availability of its peers.
type Server struct {
	started atomic.Bool // server status, true for started
	closed  atomic.Bool

	cfg *config.Config // Server configuration

	ctx        context.Context    // main context
	loopCtx    context.Context    // loop context
	loopCancel context.CancelFunc // loop cancel
	loopWg     sync.WaitGroup     // loop wait group

	etcd   *embed.Etcd
	client *clientv3.Client // etcd client

	topology    *cluster.Topology
	engines     fetch.EngineMap
	registry    *store.Registry
	detector    *failuredetector.AsyncRecovery
	metrics     *prometheus.Registry
	stats       *stats.StreamStats
	throttler   *throttle.Limiter
	fetchCfg    *fetch.Config
	fetchServer *transport.Server
	fetchClient *transport.Client
	fetchAddr   string

	lg *zap.Logger // logger
}

// NewServer creates the UNINITIALIZED node with given configuration.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		ctx:     ctx,
		metrics: prometheus.NewRegistry(),
		lg:      logger.With(zap.Int32("node-id", cfg.NodeID)),
	}
	s.loopCtx, s.loopCancel = context.WithCancel(ctx)

	s.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	streamStats, err := stats.NewStreamStats(s.metrics, s.lg)
	if err != nil {
		return nil, errors.WithMessage(err, "create stream stats")
	}
	s.stats = streamStats

	if s.cfg.Etcd.UserHandlers == nil {
		s.cfg.Etcd.UserHandlers = make(map[string]http.Handler)
	}
	s.cfg.Etcd.UserHandlers[MetricsPath] = promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})

	return s, nil
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startEtcd(s.ctx); err != nil {
		return errors.Wrap(err, "start etcd")
	}
	if err := s.startServer(); err != nil {
		return errors.Wrap(err, "start server")
	}
	s.startLoop()

	return nil
}

func (s *Server) startEtcd(ctx context.Context) error {
	startTimeoutCtx, cancel := context.WithTimeout(ctx, _etcdStartTimeout)
	defer cancel()

	logger := s.lg

	etcd, err := embed.StartEtcd(s.cfg.Etcd)
	if err != nil && strings.Contains(err.Error(), "has already been bootstrapped") {
		logger.Warn("member has been bootstrapped, set ClusterState = \"existing\" and try again")
		s.cfg.Etcd.ClusterState = embed.ClusterStateFlagExisting
		etcd, err = embed.StartEtcd(s.cfg.Etcd)
	}
	if err != nil {
		return errors.Wrap(err, "start etcd by config")
	}
	s.etcd = etcd

	// Check cluster ID
	urlMap, err := types.NewURLsMap(s.cfg.InitialCluster)
	if err != nil {
		logger.Error("failed to parse urls map from config", zap.String("config-initial-cluster", s.cfg.InitialCluster), zap.Error(err))
		return errors.Wrap(err, "parse urlMap from config")
	}
	err = checkClusterID(etcd.Server.Cluster().ID(), urlMap, logger)
	if err != nil {
		return errors.Wrap(err, "check cluster ID")
	}

	// wait until etcd is ready or timeout
	select {
	case <-etcd.Server.ReadyNotify():
	case <-startTimeoutCtx.Done():
		return errors.New("failed to start etcd: timeout")
	}
	logger.Info("etcd started")

	// init client
	endpoints := make([]string, 0, len(s.cfg.Etcd.ACUrls))
	for _, url := range s.cfg.Etcd.ACUrls {
		endpoints = append(endpoints, url.String())
	}
	etcdLogLevel, _ := zapcore.ParseLevel(s.cfg.Etcd.LogLevel)
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdutil.DefaultDialTimeout,
		Logger: logutil.IncreaseLevel(logger, etcdLogLevel).
			With(zap.Namespace("etcd-client"), zap.Strings("endpoints", endpoints)),
	})
	if err != nil {
		return errors.Wrap(err, "new client")
	}
	logger.Info("new etcd client", zap.Strings("endpoints", endpoints))
	s.client = client

	return nil
}

func (s *Server) startServer() error {
	logger := s.lg

	if err := s.checkNodeID(); err != nil {
		return errors.Wrap(err, "check node ID")
	}

	topology, err := cluster.Load(s.cfg.TopologyFile)
	if err != nil {
		return errors.WithMessage(err, "load topology")
	}
	if topology.Cluster().Node(s.cfg.NodeID) == nil {
		return errors.Errorf("node %d is not in the topology of cluster %s", s.cfg.NodeID, topology.Cluster().Name())
	}
	s.topology = topology
	logger.Info("topology loaded", zap.String("cluster", topology.Cluster().Name()), zap.Strings("stores", topology.StoreNames()))

	s.engines = make(fetch.EngineMap, len(topology.StoreNames()))
	for _, name := range topology.StoreNames() {
		s.engines[name] = storage.NewEtcd(s.client, s.cfg.RootPath, name, storage.DefaultPageSize, logger)
		logger.Info("store opened", zap.String("store", name),
			zap.Int32s("master-partitions", cluster.NodePartitions(s.cfg.NodeID, 0, topology.Cluster(), topology.StoreDefinition(name))))
	}

	registry, err := store.NewEtcdRegistry(ProbeStoreName, topology.Cluster(), s.cfg.NodeID, s.cfg.RootPath, s.cfg.StoreRequestTimeout, logger)
	if err != nil {
		return errors.WithMessage(err, "create store registry")
	}
	s.registry = registry

	s.detector = failuredetector.NewAsyncRecovery(s.ctx, failuredetector.Config{
		BannagePeriod: s.cfg.FailureDetector.BannagePeriod,
		ProbeTimeout:  s.cfg.FailureDetector.ProbeTimeout,
		Resolver:      registry,
		Nodes:         topology.Cluster().Nodes(),
	}, logger)
	s.detector.Start()

	s.throttler = throttle.New(s.cfg.Fetch.MaxReadBytesPerSec)
	s.fetchCfg = &fetch.Config{
		NodeID:           s.cfg.NodeID,
		Engines:          s.engines,
		Metadata:         topology,
		Throttler:        s.throttler,
		Stats:            s.stats,
		ProgressInterval: s.cfg.Fetch.ProgressInterval,
	}
	s.fetchClient = transport.NewClient(logger)

	fetchAddr := s.cfg.Fetch.Addr
	listener, err := net.Listen("tcp", fetchAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", fetchAddr)
	}
	s.fetchAddr = listener.Addr().String()
	s.fetchServer = transport.NewServer(s.ctx, s, logger)
	s.loopWg.Add(1)
	go s.serveFetch(listener)

	if s.started.Swap(true) {
		logger.Warn("server already started")
	}
	return nil
}

func (s *Server) serveFetch(listener net.Listener) {
	logger := s.lg.With(zap.String("listener-addr", listener.Addr().String()))
	defer s.loopWg.Done()

	logger.Info("fetch server started")
	if err := s.fetchServer.Serve(listener); err != nil && err != transport.ErrServerClosed {
		logger.Error("fetch server failed", zap.Error(err))
	}
}

// checkNodeID binds the data dir to the configured node id on first start, and fails if it was bound to another one.
func (s *Server) checkNodeID() error {
	logger := s.lg
	key := path.Join(s.cfg.RootPath, _nodeIDPath)

	// query any existing ID in etcd
	kv, err := etcdutil.GetOne(s.ctx, s.client, []byte(key), logger)
	if err != nil {
		logger.Error("failed to query node id", zap.String("node-id-path", key), zap.Error(err))
		return errors.Wrap(err, "get value from etcd")
	}

	var id uint64
	if kv != nil {
		id, err = typeutil.BytesToUint64(kv.Value)
		if err != nil {
			return errors.Wrap(err, "convert bytes to uint64")
		}
	} else {
		id, err = initOrGetNodeID(s.client, key, uint64(s.cfg.NodeID))
		if err != nil {
			return errors.Wrap(err, "init node ID")
		}
	}

	if id != uint64(s.cfg.NodeID) {
		return errors.Errorf("data dir %s belongs to node %d", s.cfg.DataDir, id)
	}
	logger.Info("node id checked", zap.String("data-dir", s.cfg.DataDir))
	return nil
}

func (s *Server) startLoop() {
	loops := []func(){s.sweepPeers}

	s.loopWg.Add(len(loops))
	for _, loop := range loops {
		go loop()
	}
}

// sweepPeers checks every peer once, so that peers already down at startup are reported to the failure detector
// before the first request to them fails.
func (s *Server) sweepPeers() {
	logger := s.lg
	defer logutil.LogPanicAndExit(logger)
	defer s.loopWg.Done()

	for _, node := range s.topology.Cluster().Nodes() {
		if node.ID == s.cfg.NodeID {
			continue
		}
		if s.loopCtx.Err() != nil {
			logger.Info("server is closed, stop sweeping peers")
			return
		}
		st := s.registry.Store(node)
		if st == nil {
			continue
		}

		start := time.Now()
		_, err := st.Get(s.loopCtx, failuredetector.ProbeKey)
		switch {
		case err == nil:
			s.detector.RecordSuccess(node, time.Since(start))
		case errors.Is(err, store.ErrUnreachable):
			s.detector.RecordException(node, time.Since(start), err)
		default:
			logger.Warn("failed to check peer", zap.Object("node", node), zap.Error(err))
		}
	}
	logger.Info("peers checked", zap.Int("unavailable", s.detector.UnavailableNodeCount()))
}

// NewFetchHandler creates a handler streaming the local entries of req.
func (s *Server) NewFetchHandler(ctx context.Context, req fetch.Request) (*fetch.Handler, error) {
	ctx = traceutil.EnsureTraceID(ctx)
	return fetch.NewHandler(ctx, req, s.fetchCfg, s.lg)
}

// FetchEntries implements transport.Handler.
func (s *Server) FetchEntries(ctx context.Context, req *codec.FetchRequest, w *codec.EntryWriter) error {
	ctx = traceutil.EnsureTraceID(ctx)
	h, err := s.NewFetchHandler(ctx, toFetchRequest(req))
	if err != nil {
		return err
	}
	return fetch.Stream(ctx, h, w)
}

func toFetchRequest(req *codec.FetchRequest) fetch.Request {
	rp := make(fetch.ReplicaPartitions, 0, len(req.ReplicaPartitions))
	for _, p := range req.ReplicaPartitions {
		rp = append(rp, fetch.ReplicaPartitionList{ReplicaType: int(p.ReplicaType), Partitions: p.Partitions})
	}
	return fetch.Request{
		Store:             req.Store,
		ReplicaPartitions: rp,
		SkipRecords:       req.SkipRecords,
	}
}

// FetchFrom streams the entries of req from the node nodeID, calling f for each of them.
// Requests to nodes the failure detector marks unavailable fail with ErrNodeUnavailable without being sent,
// and a request failing to reach its node marks the node unavailable.
func (s *Server) FetchFrom(ctx context.Context, nodeID int32, req *codec.FetchRequest, f func(e *storage.Entry) error) error {
	node := s.topology.Cluster().Node(nodeID)
	if node == nil {
		return errors.Errorf("unknown node %d", nodeID)
	}
	if node.FetchAddr == "" {
		return errors.Errorf("node %d has no fetch address", nodeID)
	}
	if !s.detector.IsAvailable(node) {
		return errors.WithMessagef(ErrNodeUnavailable, "fetch from node %d", nodeID)
	}

	ctx = traceutil.EnsureTraceID(ctx)
	logger := s.lg.With(traceutil.TraceLogField(ctx), zap.Object("node", node))

	var callbackErr error
	start := time.Now()
	err := s.fetchClient.FetchEntries(ctx, node.FetchAddr, req, func(e *storage.Entry) error {
		callbackErr = f(e)
		return callbackErr
	})
	switch {
	case err == nil:
		s.detector.RecordSuccess(node, time.Since(start))
	case callbackErr != nil, ctx.Err() != nil, errors.Is(err, codec.ErrRemote):
		// the node is reachable
		logger.Warn("fetch from node failed", zap.Error(err))
	default:
		s.detector.RecordException(node, time.Since(start), err)
	}
	return err
}

// Name returns the unique etcd Name for this server in etcd cluster.
func (s *Server) Name() string {
	return s.cfg.Name
}

// Context returns the context of server.
func (s *Server) Context() context.Context {
	return s.ctx
}

// Topology returns the cluster layout the node was started with.
func (s *Server) Topology() *cluster.Topology {
	return s.topology
}

// Engine returns the local storage engine of a store, or nil if the store is unknown.
func (s *Server) Engine(store string) storage.Engine {
	return s.engines.Engine(store)
}

// Detector returns the failure detector tracking the peers.
func (s *Server) Detector() failuredetector.Detector {
	return s.detector
}

// Stats returns the statistics of the fetch streams.
func (s *Server) Stats() *stats.StreamStats {
	return s.stats
}

// Metrics returns the registry of the node's metrics.
func (s *Server) Metrics() *prometheus.Registry {
	return s.metrics
}

// FetchAddr returns the address the fetch server listens on.
func (s *Server) FetchAddr() string {
	return s.fetchAddr
}

// IsClosed checks whether server is closed or not.
func (s *Server) IsClosed() bool {
	return !s.started.Load()
}

// Close closes the server. It may be called after a failed Start.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		// server is already closed
		return
	}
	s.started.Store(false)

	logger := s.lg
	logger.Info("closing server")

	s.loopCancel()
	s.stopFetchServer()
	s.loopWg.Wait()

	if s.detector != nil {
		s.detector.Close()
	}
	if s.registry != nil {
		s.registry.Close()
	}
	for name, engine := range s.engines {
		if err := engine.Close(); err != nil {
			logger.Error("failed to close engine", zap.String("store", name), zap.Error(err))
		}
	}

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			logger.Error("failed to close etcd client", zap.Error(err))
		}
	}
	if s.etcd != nil {
		s.etcd.Close()
	}

	logger.Info("server closed")
}

func (s *Server) stopFetchServer() {
	if s.fetchServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), _shutdownFetchServerTimeout)
	defer cancel()
	_ = s.fetchServer.Shutdown(ctx)
}

// checkClusterID checks etcd cluster ID, returns an error if mismatched.
// This function will never block even quorum is not satisfied.
func checkClusterID(localClusterID types.ID, um types.URLsMap, logger *zap.Logger) error {
	if len(um) == 0 {
		return nil
	}

	for _, u := range um.URLs() {
		trp := &http.Transport{}
		remoteCluster, err := etcdserver.GetClusterFromRemotePeers(nil, []string{u}, trp)
		trp.CloseIdleConnections()
		if err != nil {
			// Do not return error, because other members may be not ready.
			logger.Warn("failed to get cluster from remote", zap.Error(err))
			continue
		}

		if remoteClusterID := remoteCluster.ID(); remoteClusterID != localClusterID {
			logger.Error("invalid cluster id", zap.Uint64("expected", uint64(localClusterID)), zap.Uint64("got", uint64(remoteClusterID)))
			return errors.Errorf("Etcd cluster ID mismatch, expected %d, got %d", localClusterID, remoteClusterID)
		}
	}
	return nil
}

// initOrGetNodeID saves id under key if nothing is saved there yet, and returns the saved id.
func initOrGetNodeID(c *clientv3.Client, key string, id uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(c.Ctx(), etcdutil.DefaultRequestTimeout)
	defer cancel()

	value := typeutil.Uint64ToBytes(id)

	// A previous start may have saved an ID after our read.
	resp, err := c.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return 0, errors.Wrap(err, "init node ID by etcd transaction")
	}

	// Txn commits ok, return the given ID.
	if resp.Succeeded {
		return id, nil
	}

	// Otherwise, parse the committed ID.
	if len(resp.Responses) == 0 {
		return 0, errors.New("etcd transaction failed, conflicted and rolled back")
	}
	response := resp.Responses[0].GetResponseRange()
	if response == nil || len(response.Kvs) != 1 {
		return 0, errors.New("etcd transaction failed, conflicted and rolled back")
	}
	return typeutil.BytesToUint64(response.Kvs[0].Value)
}

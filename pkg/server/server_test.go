package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/codec"
	"github.com/AutoMQ/kvcluster/pkg/server/config"
	"github.com/AutoMQ/kvcluster/pkg/storage"
	"github.com/AutoMQ/kvcluster/pkg/util/testutil"
	tempurl "github.com/AutoMQ/kvcluster/pkg/util/testutil/url"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testNode struct {
	id         int32
	clientURL  string
	peerURL    string
	fetchAddr  string
	partitions []int32
}

func newTestNode(tb testing.TB, id int32, partitions ...int32) *testNode {
	return &testNode{
		id:         id,
		clientURL:  tempurl.Alloc(tb),
		peerURL:    tempurl.Alloc(tb),
		fetchAddr:  tempurl.AllocAddr(tb),
		partitions: partitions,
	}
}

func writeTopology(tb testing.TB, nodes ...*testNode) string {
	re := require.New(tb)

	var sb strings.Builder
	sb.WriteString("name = \"test\"\n")
	for _, n := range nodes {
		sb.WriteString("\n[[nodes]]\n")
		fmt.Fprintf(&sb, "id = %d\n", n.id)
		fmt.Fprintf(&sb, "host = \"node-%d\"\n", n.id)
		if n.clientURL != "" {
			fmt.Fprintf(&sb, "client-urls = [%q]\n", n.clientURL)
		}
		fmt.Fprintf(&sb, "fetch-addr = %q\n", n.fetchAddr)
		partitions := make([]string, 0, len(n.partitions))
		for _, p := range n.partitions {
			partitions = append(partitions, fmt.Sprint(p))
		}
		fmt.Fprintf(&sb, "partitions = [%s]\n", strings.Join(partitions, ", "))
	}
	sb.WriteString("\n[[stores]]\nname = \"users\"\nreplication-factor = 1\n")

	file := filepath.Join(tb.TempDir(), "topology.toml")
	re.NoError(os.WriteFile(file, []byte(sb.String()), 0o600))
	return file
}

func newConfig(tb testing.TB, node *testNode, topologyFile string, dataDir string) *config.Config {
	re := require.New(tb)

	cfg, err := config.NewConfig([]string{
		"--name=test-node",
		fmt.Sprintf("--node-id=%d", node.id),
		"--data-dir=" + dataDir,
		"--peer-urls=" + node.peerURL,
		"--client-urls=" + node.clientURL,
		"--fetch-addr=" + node.fetchAddr,
		"--topology-file=" + topologyFile,
		"--store-request-timeout=500ms",
		"--failure-detector-bannage-period=1h",
		"--etcd-log-level=error",
	}, io.Discard)
	re.NoError(err)
	re.NoError(cfg.Adjust())
	re.NoError(cfg.Validate())
	return cfg
}

func startServer(tb testing.TB, cfg *config.Config) *Server {
	re := require.New(tb)

	svr, err := NewServer(context.Background(), cfg, zap.NewNop())
	re.NoError(err)
	err = svr.Start()
	if err != nil {
		svr.Close()
	}
	re.NoError(err)
	return svr
}

func fill(tb testing.TB, engine storage.Engine, partition int32, count int) {
	re := require.New(tb)
	for i := 1; i <= count; i++ {
		key := fmt.Sprintf("p%d-%d", partition, i)
		re.NoError(engine.Put(context.Background(), partition, []byte(key), storage.Versioned{
			Value:   []byte("value-" + key),
			Version: storage.VectorClock{Entries: []storage.ClockEntry{{NodeID: 0, Version: int64(i)}}, Timestamp: 1},
		}))
	}
}

func TestServer_FetchFrom(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	node := newTestNode(t, 0, 0, 1)
	svr := startServer(t, newConfig(t, node, writeTopology(t, node), t.TempDir()))
	defer svr.Close()

	re.Equal(node.fetchAddr, svr.FetchAddr())
	re.Nil(svr.Engine("orders"))
	engine := svr.Engine("users")
	re.NotNil(engine)
	fill(t, engine, 0, 3)
	fill(t, engine, 1, 2)

	var keys []string
	err := svr.FetchFrom(context.Background(), 0, &codec.FetchRequest{
		Store:             "users",
		ReplicaPartitions: []codec.ReplicaPartitions{{ReplicaType: 0, Partitions: []int32{1, 0}}},
	}, func(e *storage.Entry) error {
		keys = append(keys, string(e.Key))
		return nil
	})
	re.NoError(err)
	re.Equal([]string{"p1-1", "p1-2", "p0-1", "p0-2", "p0-3"}, keys)

	// unknown store is reported by the remote node
	err = svr.FetchFrom(context.Background(), 0, &codec.FetchRequest{Store: "orders"}, func(*storage.Entry) error { return nil })
	re.ErrorIs(err, codec.ErrRemote)
	re.ErrorContains(err, "unknown store")
	re.True(svr.Detector().IsAvailable(svr.Topology().Cluster().Node(0)))

	err = svr.FetchFrom(context.Background(), 9, &codec.FetchRequest{Store: "users"}, func(*storage.Entry) error { return nil })
	re.ErrorContains(err, "unknown node 9")

	// metrics are served on the client urls
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(node.clientURL + MetricsPath)
	re.NoError(err)
	defer resp.Body.Close()
	re.Equal(http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	re.NoError(err)
	re.Contains(string(body), "kvcluster_stream")
}

func TestServer_UnreachablePeer(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	local := newTestNode(t, 0, 0)
	// nothing listens on the peer's urls
	peer := newTestNode(t, 1, 1)
	svr := startServer(t, newConfig(t, local, writeTopology(t, local, peer), t.TempDir()))
	defer svr.Close()

	peerNode := svr.Topology().Cluster().Node(1)
	re.Eventually(func() bool {
		return !svr.Detector().IsAvailable(peerNode)
	}, 10*time.Second, 50*time.Millisecond)
	re.Equal(1, svr.Detector().AvailableNodeCount())

	err := svr.FetchFrom(context.Background(), 1, &codec.FetchRequest{Store: "users"}, func(*storage.Entry) error { return nil })
	re.ErrorIs(err, ErrNodeUnavailable)
}

func TestServer_FetchFromUnreachable(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	local := newTestNode(t, 0, 0)
	// the peer has no store to probe, so only requests tell about it
	peer := newTestNode(t, 1, 1)
	peer.clientURL = ""
	svr := startServer(t, newConfig(t, local, writeTopology(t, local, peer), t.TempDir()))
	defer svr.Close()

	peerNode := svr.Topology().Cluster().Node(1)
	re.True(svr.Detector().IsAvailable(peerNode))

	err := svr.FetchFrom(context.Background(), 1, &codec.FetchRequest{Store: "users"}, func(*storage.Entry) error { return nil })
	re.Error(err)
	re.False(errors.Is(err, ErrNodeUnavailable))
	re.False(svr.Detector().IsAvailable(peerNode))

	err = svr.FetchFrom(context.Background(), 1, &codec.FetchRequest{Store: "users"}, func(*storage.Entry) error { return nil })
	re.ErrorIs(err, ErrNodeUnavailable)
}

func TestServer_NodeIDMismatch(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	node0 := newTestNode(t, 0, 0)
	node1 := &testNode{id: 1, clientURL: node0.clientURL, peerURL: node0.peerURL, fetchAddr: node0.fetchAddr, partitions: []int32{1}}
	topology := writeTopology(t, node0, &testNode{id: 1, fetchAddr: tempurl.AllocAddr(t), partitions: []int32{1}})
	dataDir := t.TempDir()

	svr := startServer(t, newConfig(t, node0, topology, dataDir))
	svr.Close()
	// restarting with the same id is fine
	svr = startServer(t, newConfig(t, node0, topology, dataDir))
	svr.Close()

	svr, err := NewServer(context.Background(), newConfig(t, node1, topology, dataDir), zap.NewNop())
	re.NoError(err)
	defer svr.Close()
	err = svr.Start()
	re.ErrorContains(err, "belongs to node 0")
}

func TestServer_NodeIDBinding(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	node := newTestNode(t, 0, 0)
	topology := writeTopology(t, node)
	dataDir := t.TempDir()
	cfg := newConfig(t, node, topology, dataDir)
	re.Equal(path.Join(cfg.RootPath, _nodeIDPath), testutil.NodeIDKey(cfg.RootPath))

	svr := startServer(t, cfg)
	re.Equal(int32(0), testutil.BoundNodeID(t, svr.client, cfg.RootPath))
	// the data dir is handed over to another node
	testutil.BindNodeID(t, svr.client, cfg.RootPath, 7)
	svr.Close()

	svr, err := NewServer(context.Background(), newConfig(t, node, topology, dataDir), zap.NewNop())
	re.NoError(err)
	defer svr.Close()
	re.ErrorContains(svr.Start(), "belongs to node 7")
}

func TestServer_NotInTopology(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	node0 := newTestNode(t, 0, 0)
	node1 := newTestNode(t, 1, 1)
	svr, err := NewServer(context.Background(), newConfig(t, node1, writeTopology(t, node0), t.TempDir()), zap.NewNop())
	re.NoError(err)
	defer svr.Close()

	err = svr.Start()
	re.ErrorContains(err, "node 1 is not in the topology")
}

func TestServer_Close(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	node := newTestNode(t, 0, 0)
	svr := startServer(t, newConfig(t, node, writeTopology(t, node), t.TempDir()))
	re.False(svr.IsClosed())

	svr.Close()
	re.True(svr.IsClosed())
	svr.Close()
}

// Package testutil starts the etcd a node keeps its entries in, and reads or writes the node's bindings in it.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"

	tempurl "github.com/AutoMQ/kvcluster/pkg/util/testutil/url"
	"github.com/AutoMQ/kvcluster/pkg/util/typeutil"
)

const _nodeIDPath = "node_id"

// StartEtcd starts a single member etcd on free local ports, and a client connected to it.
// The returned func stops both.
func StartEtcd(tb testing.TB) (*embed.Etcd, *clientv3.Client, func()) {
	re := require.New(tb)

	cfg := embed.NewConfig()
	cfg.Name = "kvnode-test"
	cfg.Dir = tb.TempDir()
	cfg.Logger = "zap"
	cfg.LogOutputs = []string{"stderr"}
	cfg.LogLevel = "error"

	peerURL, err := url.Parse(tempurl.Alloc(tb))
	re.NoError(err)
	clientURL, err := url.Parse(tempurl.Alloc(tb))
	re.NoError(err)
	cfg.LPUrls, cfg.APUrls = []url.URL{*peerURL}, []url.URL{*peerURL}
	cfg.LCUrls, cfg.ACUrls = []url.URL{*clientURL}, []url.URL{*clientURL}
	cfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL)
	cfg.ClusterState = embed.ClusterStateFlagNew
	cfg.StrictReconfigCheck = false

	etcd, err := embed.StartEtcd(cfg)
	re.NoError(err)
	client, err := clientv3.New(clientv3.Config{
		Endpoints: []string{clientURL.String()},
		Logger:    zap.NewNop(),
	})
	if err != nil {
		etcd.Close()
	}
	re.NoError(err)

	<-etcd.Server.ReadyNotify()
	return etcd, client, func() { _ = client.Close(); etcd.Close() }
}

// RootPath returns a root path owned by the running test, so that tests sharing an etcd never see each other's keys.
func RootPath(tb testing.TB) string {
	name := strings.NewReplacer("/", "-", " ", "_").Replace(tb.Name())
	return "/" + name
}

// NodeIDKey returns the key binding a data dir to a node under rootPath.
func NodeIDKey(rootPath string) string {
	return path.Join(rootPath, _nodeIDPath)
}

// BindNodeID binds the data dir behind client to node id, overwriting any previous binding.
func BindNodeID(tb testing.TB, client *clientv3.Client, rootPath string, id int32) {
	_, err := client.Put(context.Background(), NodeIDKey(rootPath), string(typeutil.Uint64ToBytes(uint64(id))))
	require.NoError(tb, err)
}

// BoundNodeID returns the node the data dir behind client is bound to, or -1 if it is not bound yet.
func BoundNodeID(tb testing.TB, client *clientv3.Client, rootPath string) int32 {
	re := require.New(tb)

	resp, err := client.Get(context.Background(), NodeIDKey(rootPath))
	re.NoError(err)
	if len(resp.Kvs) == 0 {
		return -1
	}
	id, err := typeutil.BytesToUint64(resp.Kvs[0].Value)
	re.NoError(err)
	return int32(id)
}

package store

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AutoMQ/kvcluster/pkg/cluster"
	"github.com/AutoMQ/kvcluster/pkg/storage"
	"github.com/AutoMQ/kvcluster/pkg/storage/kv"
	"github.com/AutoMQ/kvcluster/pkg/util/etcdutil"
)

const _valuesPath = "values"

// EtcdConfig configures a connection to a peer's etcd-backed store.
type EtcdConfig struct {
	Endpoints []string
	RootPath  string
	// RequestTimeout bounds each request. Zero means etcdutil.DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Etcd is a Store that reads a peer's values through its etcd endpoints.
type Etcd struct {
	name     string
	client   *clientv3.Client
	rootPath string
	timeout  time.Duration

	lg *zap.Logger
}

// NewEtcd connects to the store name of a peer.
// The connection is established lazily, so NewEtcd does not fail when the peer is down.
func NewEtcd(name string, cfg EtcdConfig, lg *zap.Logger) (*Etcd, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = etcdutil.DefaultRequestTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints: cfg.Endpoints,
		Logger:    lg.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create etcd client for store %s", name)
	}
	return &Etcd{
		name:     name,
		client:   client,
		rootPath: cfg.RootPath,
		timeout:  cfg.RequestTimeout,
		lg:       lg,
	}, nil
}

// NewEtcdForNode connects to the store name of node.
func NewEtcdForNode(name string, node *cluster.Node, rootPath string, requestTimeout time.Duration, lg *zap.Logger) (*Etcd, error) {
	return NewEtcd(name, EtcdConfig{
		Endpoints:      node.ClientURLs,
		RootPath:       rootPath,
		RequestTimeout: requestTimeout,
	}, lg.With(zap.Int32("peer-id", node.ID)))
}

func (e *Etcd) Name() string {
	return e.name
}

func (e *Etcd) Get(ctx context.Context, key []byte) ([]storage.Versioned, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := etcdutil.Get(ctx, e.client, e.valueKey(key), e.lg, clientv3.WithSerializable())
	if err != nil {
		if isUnreachable(err) {
			return nil, errors.WithMessagef(ErrUnreachable, "get from store %s: %v", e.name, err)
		}
		return nil, errors.WithMessagef(err, "get from store %s", e.name)
	}

	values := make([]storage.Versioned, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		v, err := storage.DecodeVersioned(kv.Value)
		if err != nil {
			return nil, errors.WithMessagef(err, "decode value of store %s", e.name)
		}
		values = append(values, v)
	}
	return values, nil
}

// Put writes value under key. It is used by peers to seed values and by tests.
func (e *Etcd) Put(ctx context.Context, key []byte, value storage.Versioned) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	_, err := etcdutil.Put(ctx, e.client, e.valueKey(key), storage.AppendVersioned(nil, value), e.lg)
	if err != nil {
		if isUnreachable(err) {
			return errors.WithMessagef(ErrUnreachable, "put to store %s: %v", e.name, err)
		}
		return errors.WithMessagef(err, "put to store %s", e.name)
	}
	return nil
}

func (e *Etcd) Close() error {
	return errors.Wrapf(e.client.Close(), "close store %s", e.name)
}

func (e *Etcd) valueKey(key []byte) []byte {
	return bytes.Join([][]byte{[]byte(e.rootPath), []byte(_valuesPath), []byte(e.name), key}, []byte(kv.KeySeparator))
}

// isUnreachable reports whether err means the peer could not be talked to, as opposed to the peer failing the request.
func isUnreachable(err error) bool {
	cause := errors.Cause(err)
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if s, ok := status.FromError(cause); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

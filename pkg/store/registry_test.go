package store

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/AutoMQ/kvcluster/pkg/cluster"
	"github.com/AutoMQ/kvcluster/pkg/storage"
)

type mockStore struct {
	closed   atomic.Int32
	closeErr error
}

func (m *mockStore) Name() string { return "mock" }

func (m *mockStore) Get(context.Context, []byte) ([]storage.Versioned, error) {
	return nil, nil
}

func (m *mockStore) Close() error {
	m.closed.Add(1)
	return m.closeErr
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	obsZapCore, obsLogs := observer.New(zap.WarnLevel)
	r := NewRegistry(zap.New(obsZapCore))

	s1, s2 := &mockStore{}, &mockStore{closeErr: errors.New("boom")}
	r.Register(1, s1)
	r.Register(2, s2)
	re.Equal(2, r.Len())
	re.Same(s1, r.Store(&cluster.Node{ID: 1}))
	re.Nil(r.Store(&cluster.Node{ID: 3}))
	re.Nil(r.Store(nil))

	// replacing closes the previous store
	s3 := &mockStore{}
	r.Register(1, s3)
	re.Equal(int32(1), s1.closed.Load())
	re.Same(s3, r.Store(&cluster.Node{ID: 1}))

	r.Remove(2)
	re.Equal(int32(1), s2.closed.Load())
	re.Equal(1, obsLogs.FilterMessage("failed to close store").Len())
	r.Remove(2)
	re.Equal(int32(1), s2.closed.Load())

	r.Close()
	re.Equal(0, r.Len())
	re.Equal(int32(1), s3.closed.Load())
}

func TestNewEtcdRegistry(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c, err := cluster.NewCluster("test", []*cluster.Node{
		{ID: 0, ClientURLs: []string{"http://127.0.0.1:2379"}, Partitions: []int32{0}},
		{ID: 1, ClientURLs: []string{"http://127.0.0.1:12379"}, Partitions: []int32{1}},
		{ID: 2, Partitions: []int32{2}},
	})
	re.NoError(err)

	r, err := NewEtcdRegistry("users", c, 0, "/test", 0, zap.NewNop())
	re.NoError(err)
	defer r.Close()

	re.Equal(1, r.Len())
	re.NotNil(r.Store(c.Node(1)))
	re.Nil(r.Store(c.Node(0)))
	re.Nil(r.Store(c.Node(2)))
}

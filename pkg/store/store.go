package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/AutoMQ/kvcluster/pkg/storage"
)

// ErrUnreachable is returned when a peer cannot be reached over the network.
var ErrUnreachable = errors.New("peer unreachable")

// Store is a remote store of a peer node.
type Store interface {
	Name() string
	// Get returns every version of the value stored under key, or an empty slice if there is none.
	Get(ctx context.Context, key []byte) ([]storage.Versioned, error)
	Close() error
}

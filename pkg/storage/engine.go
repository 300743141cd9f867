package storage

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrIteratorClosed is returned by Next after the iterator is closed.
	ErrIteratorClosed = errors.New("iterator closed")
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("storage engine closed")
	// ErrNoMoreEntries is returned by Next when HasNext is false.
	ErrNoMoreEntries = errors.New("no more entries")
	// ErrEmptyKey is returned when an entry without a key is written.
	ErrEmptyKey = errors.New("empty key")
)

// ClosableIterator iterates over entries in key order and holds resources until closed.
//
// If fetching more entries fails, HasNext returns true and Next returns the error.
type ClosableIterator interface {
	HasNext() bool
	Next() (*Entry, error)
	Close() error
}

// Engine is a local storage engine that keeps entries per partition.
type Engine interface {
	// Name returns the name of the store the engine serves.
	Name() string
	// Put stores value under key in the partition, replacing any previous value. The key must not be empty.
	Put(ctx context.Context, partition int32, key []byte, value Versioned) error
	// Entries opens an iterator over all entries of the partition.
	// The iterator must be closed by the caller.
	Entries(ctx context.Context, partition int32) (ClosableIterator, error)
	Close() error
}

// sliceIterator iterates over a fixed slice of entries.
type sliceIterator struct {
	entries []*Entry
	closed  bool
}

func (it *sliceIterator) HasNext() bool {
	return !it.closed && len(it.entries) > 0
}

func (it *sliceIterator) Next() (*Entry, error) {
	if it.closed {
		return nil, ErrIteratorClosed
	}
	if len(it.entries) == 0 {
		return nil, ErrNoMoreEntries
	}
	e := it.entries[0]
	it.entries = it.entries[1:]
	return e, nil
}

func (it *sliceIterator) Close() error {
	it.closed = true
	it.entries = nil
	return nil
}

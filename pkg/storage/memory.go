package storage

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
)

const _btreeDegree = 32

// Memory is an in-memory Engine. Entries of each partition are kept in a B-tree ordered by key.
type Memory struct {
	name string

	mu         sync.RWMutex
	partitions map[int32]*btree.BTreeG[*Entry]
	closed     bool
}

// NewMemory creates an empty in-memory engine.
func NewMemory(name string) *Memory {
	return &Memory{
		name:       name,
		partitions: make(map[int32]*btree.BTreeG[*Entry]),
	}
}

func (m *Memory) Name() string {
	return m.name
}

func (m *Memory) Put(_ context.Context, partition int32, key []byte, value Versioned) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrEngineClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	tree, ok := m.partitions[partition]
	if !ok {
		tree = btree.NewG[*Entry](_btreeDegree, entryLess)
		m.partitions[partition] = tree
	}
	tree.ReplaceOrInsert(&Entry{Key: bytes.Clone(key), Value: value})
	return nil
}

// Entries returns an iterator over a snapshot of the partition taken when it is called.
func (m *Memory) Entries(_ context.Context, partition int32) (ClosableIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrEngineClosed
	}

	tree, ok := m.partitions[partition]
	if !ok {
		return &sliceIterator{}, nil
	}
	entries := make([]*Entry, 0, tree.Len())
	tree.Ascend(func(e *Entry) bool {
		entries = append(entries, e)
		return true
	})
	return &sliceIterator{entries: entries}, nil
}

// Len returns the number of entries in the partition.
func (m *Memory) Len(partition int32) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tree, ok := m.partitions[partition]; ok {
		return tree.Len()
	}
	return 0
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.partitions = nil
	return nil
}

func entryLess(a, b *Entry) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// Copyright 2022 TiKV Project Authors.
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

package storage

import (
	"bytes"
	"context"
	"path"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/storage/endpoint"
	"github.com/AutoMQ/kvcluster/pkg/storage/kv"
)

const (
	// DefaultPageSize is the number of entries an Etcd iterator fetches per request.
	DefaultPageSize = 1000

	_storesPath = "stores"
)

// StoreRootPath returns the key prefix under which the entries of store name are kept.
func StoreRootPath(rootPath string, name string) string {
	return path.Join(rootPath, _storesPath, name)
}

// Etcd is an Engine based on etcd. Entries are fetched page by page while iterating.
type Etcd struct {
	*endpoint.Endpoint
	name     string
	pageSize int64
	closed   atomic.Bool

	lg *zap.Logger
}

// NewEtcd creates a new etcd engine for store name. Its entries are kept under StoreRootPath(rootPath, name).
// If pageSize is not positive, DefaultPageSize is used.
func NewEtcd(client *clientv3.Client, rootPath string, name string, pageSize int64, lg *zap.Logger) *Etcd {
	rootPath = StoreRootPath(rootPath, name)
	storageLg := lg.With(zap.String("etcd-storage-root-path", rootPath), zap.String("store", name))
	kvLg := lg.With(zap.String("etcd-kv-root-path", rootPath))
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Etcd{
		Endpoint: endpoint.NewEndpoint(kv.Logger{LogAble: kv.NewEtcd(client, rootPath, kvLg, nil)}, storageLg),
		name:     name,
		pageSize: pageSize,
		lg:       storageLg,
	}
}

func (e *Etcd) Name() string {
	return e.name
}

func (e *Etcd) Put(ctx context.Context, partition int32, key []byte, value Versioned) error {
	return e.PutEntries(ctx, partition, []*Entry{{Key: key, Value: value}})
}

// PutEntries writes entries into the partition in one transaction.
func (e *Etcd) PutEntries(ctx context.Context, partition int32, entries []*Entry) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	for i, entry := range entries {
		if len(entry.Key) == 0 {
			return errors.WithMessagef(ErrEmptyKey, "entry %d of partition %d", i, partition)
		}
	}

	kvs := make([]kv.KeyValue, 0, len(entries))
	for _, entry := range entries {
		buf := mcache.Malloc(0, EncodedSize(entry.Value))
		kvs = append(kvs, kv.KeyValue{
			Key:   entry.Key,
			Value: AppendVersioned(buf, entry.Value),
		})
	}

	err := e.SaveEntries(ctx, partition, kvs)
	for _, keyValue := range kvs {
		mcache.Free(keyValue.Value)
	}
	return err
}

func (e *Etcd) Entries(ctx context.Context, partition int32) (ClosableIterator, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return &etcdIterator{
		ctx:       ctx,
		engine:    e,
		partition: partition,
	}, nil
}

// Close stops the engine from serving new requests. The etcd client is owned by the caller.
func (e *Etcd) Close() error {
	e.closed.Store(true)
	return nil
}

// etcdIterator fetches one page of entries whenever its buffer runs empty.
type etcdIterator struct {
	ctx       context.Context
	engine    *Etcd
	partition int32

	// next is the smallest key not yet fetched, nil before the first page.
	next   []byte
	page   []kv.KeyValue
	done   bool
	err    error
	closed bool
}

func (it *etcdIterator) HasNext() bool {
	if it.closed {
		return false
	}
	if len(it.page) > 0 || it.err != nil {
		return true
	}
	if it.done {
		return false
	}
	it.fetch()
	return len(it.page) > 0 || it.err != nil
}

func (it *etcdIterator) Next() (*Entry, error) {
	if it.closed {
		return nil, ErrIteratorClosed
	}
	if !it.HasNext() {
		return nil, ErrNoMoreEntries
	}
	if it.err != nil {
		return nil, it.err
	}

	keyValue := it.page[0]
	it.page = it.page[1:]
	value, err := DecodeVersioned(keyValue.Value)
	if err != nil {
		return nil, errors.WithMessagef(err, "decode entry %q of partition %d", keyValue.Key, it.partition)
	}
	return &Entry{Key: keyValue.Key, Value: value}, nil
}

func (it *etcdIterator) Close() error {
	it.closed = true
	it.page = nil
	return nil
}

func (it *etcdIterator) fetch() {
	e := it.engine
	kvs, err := e.ScanEntries(it.ctx, it.partition, it.next, e.pageSize)
	if err != nil {
		it.err = errors.WithMessagef(err, "fetch entries of partition %d", it.partition)
		return
	}
	if int64(len(kvs)) < e.pageSize {
		it.done = true
	}
	if len(kvs) > 0 {
		last := kvs[len(kvs)-1].Key
		it.next = append(bytes.Clone(last), 0)
	}
	it.page = kvs
	e.lg.Debug("fetched entries page", zap.Int32("partition", it.partition), zap.Int("count", len(kvs)), zap.Bool("done", it.done))
}

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

package kv

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/util/etcdutil"
)

// ErrTxnFailed is returned when an etcd transaction is not applied.
var ErrTxnFailed = errors.New("etcd transaction failed")

// Etcd is a kv based on etcd.
type Etcd struct {
	client     *clientv3.Client
	rootPath   []byte
	newTxnFunc func(ctx context.Context) clientv3.Txn

	lg *zap.Logger
}

// NewEtcd creates a new etcd kv.
// If newTxnFunc is nil, it will use etcdutil.NewTxn.
func NewEtcd(client *clientv3.Client, rootPath string, lg *zap.Logger, newTxnFunc func(ctx context.Context) clientv3.Txn) *Etcd {
	e := &Etcd{
		client:     client,
		rootPath:   []byte(rootPath),
		newTxnFunc: newTxnFunc,
		lg:         lg,
	}
	if e.newTxnFunc == nil {
		e.newTxnFunc = func(ctx context.Context) clientv3.Txn { return etcdutil.NewTxn(ctx, e.client, e.lg) }
	}
	return e
}

func (e *Etcd) Get(ctx context.Context, k []byte) ([]byte, error) {
	if len(k) == 0 {
		return nil, nil
	}
	key := e.addPrefix(k)

	kv, err := etcdutil.GetOne(ctx, e.client, key, e.lg)
	if err != nil {
		return nil, errors.WithMessage(err, "kv get")
	}
	if kv == nil {
		return nil, nil
	}

	return kv.Value, nil
}

func (e *Etcd) GetByRange(ctx context.Context, r Range, limit int64) ([]KeyValue, error) {
	if len(r.StartKey) == 0 {
		return nil, nil
	}

	startKey := e.addPrefix(r.StartKey)
	var endKey []byte
	if r.EndKey == nil {
		endKey = []byte(clientv3.GetPrefixRangeEnd(string(e.addPrefix(nil))))
	} else {
		endKey = e.addPrefix(r.EndKey)
	}

	opts := []clientv3.OpOption{
		clientv3.WithRange(string(endKey)),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(limit))
	}
	resp, err := etcdutil.Get(ctx, e.client, startKey, e.lg, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, "kv get by range")
	}

	kvs := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KeyValue{
			Key:   e.trimPrefix(kv.Key),
			Value: kv.Value,
		})
	}
	return kvs, nil
}

func (e *Etcd) Put(ctx context.Context, k, v []byte, prevKV bool) ([]byte, error) {
	if len(k) == 0 {
		return nil, nil
	}
	key := e.addPrefix(k)

	var opts []clientv3.OpOption
	if prevKV {
		opts = append(opts, clientv3.WithPrevKV())
	}
	resp, err := etcdutil.Put(ctx, e.client, key, v, e.lg, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, "kv put")
	}

	if !prevKV || resp.PrevKv == nil {
		return nil, nil
	}
	return resp.PrevKv.Value, nil
}

func (e *Etcd) BatchPut(ctx context.Context, kvs []KeyValue, prevKV bool) ([]KeyValue, error) {
	ops := make([]clientv3.Op, 0, len(kvs))
	for _, kv := range kvs {
		if len(kv.Key) == 0 {
			continue
		}
		var opts []clientv3.OpOption
		if prevKV {
			opts = append(opts, clientv3.WithPrevKV())
		}
		ops = append(ops, clientv3.OpPut(string(e.addPrefix(kv.Key)), string(kv.Value), opts...))
	}
	if len(ops) == 0 {
		return nil, nil
	}

	resp, err := e.newTxnFunc(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, errors.WithMessage(err, "kv batch put")
	}
	if !resp.Succeeded {
		return nil, errors.WithMessage(ErrTxnFailed, "kv batch put")
	}

	if !prevKV {
		return nil, nil
	}
	prevKvs := make([]KeyValue, 0)
	for _, op := range resp.Responses {
		put := op.GetResponsePut()
		if put == nil || put.PrevKv == nil {
			continue
		}
		prevKvs = append(prevKvs, KeyValue{
			Key:   e.trimPrefix(put.PrevKv.Key),
			Value: put.PrevKv.Value,
		})
	}
	return prevKvs, nil
}

func (e *Etcd) Delete(ctx context.Context, k []byte, prevKV bool) ([]byte, error) {
	if len(k) == 0 {
		return nil, nil
	}
	key := e.addPrefix(k)

	var opts []clientv3.OpOption
	if prevKV {
		opts = append(opts, clientv3.WithPrevKV())
	}
	resp, err := etcdutil.Delete(ctx, e.client, key, e.lg, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, "kv delete")
	}

	for _, kv := range resp.PrevKvs {
		if bytes.Equal(kv.Key, key) {
			return kv.Value, nil
		}
	}
	return nil, nil
}

// GetPrefixRangeEnd returns the end key of the range covering every key that starts with p.
// The returned key is relative to the root path, the same way keys passed to GetByRange are.
func (e *Etcd) GetPrefixRangeEnd(p []byte) []byte {
	return []byte(clientv3.GetPrefixRangeEnd(string(p)))
}

func (e *Etcd) Logger() *zap.Logger {
	return e.lg
}

func (e *Etcd) addPrefix(k []byte) []byte {
	return bytes.Join([][]byte{e.rootPath, k}, []byte(KeySeparator))
}

func (e *Etcd) trimPrefix(k []byte) []byte {
	return k[len(e.rootPath)+len(KeySeparator):]
}

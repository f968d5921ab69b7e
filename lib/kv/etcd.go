package kv

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/samber/oops"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdPrefix namespaces every key so the cluster can be shared.
const DefaultEtcdPrefix = "/meshroute/v1/"

// Etcd stores values in an etcd cluster under a key prefix.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

var _ Store = (*Etcd)(nil)

// OpenEtcd dials the cluster. An empty prefix uses DefaultEtcdPrefix.
func OpenEtcd(endpoints []string, prefix string, dialTimeout time.Duration) (*Etcd, error) {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, oops.In("kv").With("endpoints", endpoints).Wrapf(err, "etcd dial")
	}
	return &Etcd{client: client, prefix: prefix}, nil
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(ctx, e.prefix+key)
	if err != nil {
		return nil, oops.In("kv").With("key", key).Wrapf(err, "etcd get")
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (e *Etcd) Put(ctx context.Context, key string, value []byte) error {
	if _, err := e.client.Put(ctx, e.prefix+key, string(value)); err != nil {
		return oops.In("kv").With("key", key).Wrapf(err, "etcd put")
	}
	return nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, e.prefix+key); err != nil {
		return oops.In("kv").With("key", key).Wrapf(err, "etcd delete")
	}
	return nil
}

func (e *Etcd) Keys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := e.client.Get(ctx, e.prefix+prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, oops.In("kv").With("prefix", prefix).Wrapf(err, "etcd list")
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), e.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}

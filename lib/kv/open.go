package kv

import (
	"context"
	"time"

	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	Dir           string
	Passphrase    string
	EtcdEndpoints []string
	EtcdPrefix    string
	EtcdTimeout   time.Duration
	PostgresDSN   string
}

// Open returns the Store selected by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	log.WithFields(logger.Fields{
		"at":      "kv.Open",
		"backend": opts.Backend,
	}).Debug("opening store")

	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return OpenFile(opts.Dir, FileOptions{Passphrase: opts.Passphrase})
	case BackendEtcd:
		return OpenEtcd(opts.EtcdEndpoints, opts.EtcdPrefix, opts.EtcdTimeout)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, oops.In("kv").With("backend", opts.Backend).Errorf("unknown storage backend")
	}
}

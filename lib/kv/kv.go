package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("kv: key not found")

// ErrWrongPassphrase is returned when an encrypted record cannot be opened.
var ErrWrongPassphrase = errors.New("kv: wrong passphrase or corrupted record")

// Store is an opaque byte-blob persistence capability. Implementations must
// be safe for concurrent use. Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists stored keys beginning with prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

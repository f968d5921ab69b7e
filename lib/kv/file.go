package kv

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
)

const (
	recordExt    = ".rec"
	keystoreFile = "keystore.json"
)

// FileOptions configures a File store.
type FileOptions struct {
	// Passphrase enables at-rest encryption when non-empty.
	Passphrase string
	// Scrypt overrides DefaultScryptParams for new keystores.
	Scrypt *ScryptParams
}

// File stores one file per key in a directory. Key names are hex encoded
// so any string is a valid key. Writes go to a temp file and are renamed
// into place.
type File struct {
	dir string
	key []byte // nil when unencrypted
	mu  sync.RWMutex
}

var _ Store = (*File)(nil)

// OpenFile opens or creates a file store rooted at dir.
func OpenFile(dir string, opts FileOptions) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, oops.In("kv").With("dir", dir).Wrapf(err, "create store directory")
	}
	f := &File{dir: dir}
	if opts.Passphrase == "" {
		return f, nil
	}

	headerPath := filepath.Join(dir, keystoreFile)
	raw, err := os.ReadFile(headerPath)
	switch {
	case err == nil:
		key, err := openKeystoreHeader(opts.Passphrase, raw)
		if err != nil {
			return nil, oops.In("kv").With("dir", dir).Wrapf(err, "open keystore")
		}
		f.key = key
	case errors.Is(err, fs.ErrNotExist):
		params := DefaultScryptParams()
		if opts.Scrypt != nil {
			params = *opts.Scrypt
		}
		h, key, err := newKeystoreHeader(opts.Passphrase, params)
		if err != nil {
			return nil, oops.In("kv").Wrapf(err, "derive store key")
		}
		data, err := json.Marshal(h)
		if err != nil {
			return nil, err
		}
		if err := writeAtomic(headerPath, data); err != nil {
			return nil, oops.In("kv").With("path", headerPath).Wrapf(err, "write keystore header")
		}
		f.key = key
		log.WithFields(logger.Fields{
			"at":  "kv.OpenFile",
			"dir": dir,
		}).Info("created encrypted store")
	default:
		return nil, oops.In("kv").With("path", headerPath).Wrapf(err, "read keystore header")
	}
	return f, nil
}

// Encrypted reports whether values are sealed at rest.
func (f *File) Encrypted() bool { return f.key != nil }

func (f *File) path(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+recordExt)
}

func (f *File) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	raw, err := os.ReadFile(f.path(key))
	f.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, oops.In("kv").With("key", key).Wrapf(err, "read record")
	}
	if f.key == nil {
		return raw, nil
	}
	pt, err := open(f.key, key, raw)
	if err != nil {
		return nil, oops.In("kv").With("key", key).Wrapf(err, "open record")
	}
	return pt, nil
}

func (f *File) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := value
	if f.key != nil {
		sealed, err := seal(f.key, key, value)
		if err != nil {
			return oops.In("kv").With("key", key).Wrapf(err, "seal record")
		}
		data = sealed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeAtomic(f.path(key), data); err != nil {
		return oops.In("kv").With("key", key).Wrapf(err, "write record")
	}
	return nil
}

func (f *File) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return oops.In("kv").With("key", key).Wrapf(err, "delete record")
	}
	return nil
}

func (f *File) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	entries, err := os.ReadDir(f.dir)
	f.mu.RUnlock()
	if err != nil {
		return nil, oops.In("kv").With("dir", f.dir).Wrapf(err, "list records")
	}
	var keys []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), recordExt)
		if !ok || e.IsDir() {
			continue
		}
		raw, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		if k := string(raw); strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *File) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScrypt = &ScryptParams{N: 1 << 10, R: 8, P: 1}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "social/abc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "social/abc", []byte(`{"petname":"alice"}`)))
	require.NoError(t, s.Put(ctx, "social/abd", []byte("x")))
	require.NoError(t, s.Put(ctx, "crypto/abc", []byte("pk")))

	v, err := s.Get(ctx, "social/abc")
	require.NoError(t, err)
	assert.Equal(t, `{"petname":"alice"}`, string(v))

	require.NoError(t, s.Put(ctx, "social/abc", []byte("overwritten")))
	v, err = s.Get(ctx, "social/abc")
	require.NoError(t, err)
	assert.Equal(t, "overwritten", string(v))

	keys, err := s.Keys(ctx, "social/")
	require.NoError(t, err)
	assert.Equal(t, []string{"social/abc", "social/abd"}, keys)

	require.NoError(t, s.Delete(ctx, "social/abc"))
	require.NoError(t, s.Delete(ctx, "social/abc"), "deleting a missing key is not an error")
	_, err = s.Get(ctx, "social/abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Put(context.Background(), "k", buf))
	buf[0] = 'z'
	v, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
}

func TestFileStorePlain(t *testing.T) {
	s, err := OpenFile(t.TempDir(), FileOptions{})
	require.NoError(t, err)
	assert.False(t, s.Encrypted())
	exerciseStore(t, s)
}

func TestFileStoreEncrypted(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir, FileOptions{Passphrase: "hunter2", Scrypt: testScrypt})
	require.NoError(t, err)
	assert.True(t, s.Encrypted())
	exerciseStore(t, s)

	require.NoError(t, s.Put(context.Background(), "crypto/secret", []byte("plaintext-marker")))
	raw, err := os.ReadFile(s.path("crypto/secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plaintext-marker")

	reopened, err := OpenFile(dir, FileOptions{Passphrase: "hunter2"})
	require.NoError(t, err)
	v, err := reopened.Get(context.Background(), "crypto/secret")
	require.NoError(t, err)
	assert.Equal(t, "plaintext-marker", string(v))
}

func TestFileStoreWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenFile(dir, FileOptions{Passphrase: "right", Scrypt: testScrypt})
	require.NoError(t, err)

	_, err = OpenFile(dir, FileOptions{Passphrase: "wrong"})
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestFileStoreRecordBoundToKey(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir, FileOptions{Passphrase: "pw", Scrypt: testScrypt})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []byte("value-a")))

	// moving a sealed record under another name must not decrypt
	require.NoError(t, os.Rename(s.path("a"), s.path("b")))
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestFileStoreIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir, FileOptions{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz.rec"), []byte("bad hex"), 0o600))

	keys, err := s.Keys(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(context.Background(), Options{Backend: BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &File{}, s)

	_, err = Open(context.Background(), Options{Backend: "redis"})
	assert.Error(t, err)
}

func TestLikePrefixEscapes(t *testing.T) {
	assert.Equal(t, `social/a\_b\%c\\`, likePrefix(`social/a_b%c\`))
}

package kv

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/samber/oops"
)

const createKVTable = `CREATE TABLE IF NOT EXISTS meshroute_kv (
	k          TEXT PRIMARY KEY,
	v          BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Postgres stores values in a single table.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects with a lib/pq DSN and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, oops.In("kv").Wrapf(err, "postgres connect")
	}
	p := NewPostgres(db)
	if err := p.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing connection. EnsureSchema is not called.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createKVTable); err != nil {
		return oops.In("kv").Wrapf(err, "create kv table")
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := p.db.GetContext(ctx, &v, `SELECT v FROM meshroute_kv WHERE k = $1;`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, oops.In("kv").With("key", key).Wrapf(err, "postgres get")
	}
	return v, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO meshroute_kv (k, v) VALUES ($1, $2)
		 ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = now();`,
		key, value)
	if err != nil {
		return oops.In("kv").With("key", key).Wrapf(err, "postgres put")
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM meshroute_kv WHERE k = $1;`, key); err != nil {
		return oops.In("kv").With("key", key).Wrapf(err, "postgres delete")
	}
	return nil
}

func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := p.db.SelectContext(ctx, &keys,
		`SELECT k FROM meshroute_kv WHERE k LIKE $1 ESCAPE '\' ORDER BY k;`,
		likePrefix(prefix)+"%")
	if err != nil {
		return nil, oops.In("kv").With("prefix", prefix).Wrapf(err, "postgres list")
	}
	return keys, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(s string) string { return likeEscaper.Replace(s) }

// Package postgres provides a Postgres implementation of storage.Backend.
// Documents are rows of a single table and collection locks are session
// advisory locks held on a dedicated pooled connection.
//
// Waiting for a lock never holds a connection: Acquire polls
// pg_try_advisory_lock and hands the connection back between attempts. A
// lease does hold its connection, so the pool is never smaller than
// MinPoolSize, enough for one request's nested collections plus the
// single-collection holders that can run beside it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/fakesocket-go/storage"
)

// DefaultTable holds collection documents unless Config.Table says otherwise.
const DefaultTable = "fakesocket_collections"

// MinPoolSize is the smallest connection pool New will build.
const MinPoolSize = 6

// Config for the Postgres-backed collection store.
type Config struct {
	// DSN is a libpq connection string or URL. ENV: FAKESOCKET_POSTGRES_DSN
	DSN string `env:"FAKESOCKET_POSTGRES_DSN"`
	// Table name for collection documents. ENV: FAKESOCKET_POSTGRES_TABLE
	Table string `env:"FAKESOCKET_POSTGRES_TABLE,default=fakesocket_collections"`
	// MaxConns caps the pool; zero keeps the pgx default. Values below
	// MinPoolSize are raised. ENV: FAKESOCKET_POSTGRES_MAX_CONNS
	MaxConns int32 `env:"FAKESOCKET_POSTGRES_MAX_CONNS"`
	// RetryDelay is the poll interval while waiting for a lock. ENV: FAKESOCKET_LOCK_RETRY
	RetryDelay time.Duration `env:"FAKESOCKET_LOCK_RETRY,default=5ms"`
}

// Backend implements storage.Backend on Postgres.
type Backend struct {
	pool       *pgxpool.Pool
	table      string
	retryDelay time.Duration
}

var _ storage.Backend = (*Backend)(nil)

// New opens a pool for cfg.DSN and creates the document table if needed.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	b := &Backend{pool: pool, table: cfg.Table, retryDelay: cfg.RetryDelay}
	if b.table == "" {
		b.table = DefaultTable
	}
	if b.retryDelay <= 0 {
		b.retryDelay = 5 * time.Millisecond
	}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func poolConfig(cfg Config) (*pgxpool.Config, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if pcfg.MaxConns < MinPoolSize {
		pcfg.MaxConns = MinPoolSize
	}
	return pcfg, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Backend, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	return New(ctx, cfg)
}

func (b *Backend) ident() string {
	return pgx.Identifier{b.table}.Sanitize()
}

func (b *Backend) migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+b.ident()+` (
	name TEXT PRIMARY KEY,
	doc  TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", b.table, err)
	}
	return nil
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// Acquire polls pg_try_advisory_lock until the lock is taken or ctx is done.
// The winning connection stays pinned to the lease.
func (b *Backend) Acquire(ctx context.Context, name string) (storage.Lease, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	lockKey := b.table + "/" + name

	t := time.NewTicker(b.retryDelay)
	defer t.Stop()
	for {
		l, err := b.tryAcquire(ctx, name, lockKey)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// tryAcquire returns a nil lease when the lock is held elsewhere.
func (b *Backend) tryAcquire(ctx context.Context, name, lockKey string) (*lease, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var locked bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, lockKey).Scan(&locked)
	if err != nil {
		// A cancelled query may leave the connection mid-protocol; drop it.
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
		return nil, fmt.Errorf("advisory lock %q: %w", name, err)
	}
	if !locked {
		conn.Release()
		return nil, nil
	}
	return &lease{b: b, conn: conn, name: name, lockKey: lockKey}, nil
}

type lease struct {
	b       *Backend
	conn    *pgxpool.Conn
	name    string
	lockKey string
	once    sync.Once
}

func (l *lease) Load(ctx context.Context) ([]byte, error) {
	var doc string
	err := l.conn.QueryRow(ctx, `SELECT doc FROM `+l.b.ident()+` WHERE name = $1`, l.name).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select %q: %w", l.name, err)
	}
	return []byte(doc), nil
}

func (l *lease) Store(ctx context.Context, doc []byte) error {
	_, err := l.conn.Exec(ctx, `
INSERT INTO `+l.b.ident()+` (name, doc)
VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc
`, l.name, string(doc))
	if err != nil {
		return fmt.Errorf("upsert %q: %w", l.name, err)
	}
	return nil
}

func (l *lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		defer l.conn.Release()
		_, err = l.conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, l.lockKey)
		if err != nil {
			// The session lock dies with the connection.
			_ = l.conn.Conn().Close(context.WithoutCancel(ctx))
			err = fmt.Errorf("advisory unlock %q: %w", l.name, err)
		}
	})
	return err
}

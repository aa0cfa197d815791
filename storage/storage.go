// Package storage provides durable, lock-protected record collections.
//
// A collection is a named JSON document mapping keys to records plus a small
// metadata block. Opening a collection takes an exclusive lock on it through a
// Backend and loads the whole document into memory; the lock is held until the
// collection is closed. Changes are only persisted by an explicit Save.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Backend is the durable, lockable home of collection documents.
type Backend interface {
	// Acquire blocks until the exclusive lock on the named collection is held
	// or ctx is done. The returned Lease must be released by the caller.
	Acquire(ctx context.Context, name string) (Lease, error)

	// Close releases backend resources. Outstanding leases become invalid.
	Close() error
}

// Lease is an exclusive hold on a single collection document.
type Lease interface {
	// Load returns the stored document, or nil if the collection was never
	// written.
	Load(ctx context.Context) ([]byte, error)

	// Store atomically replaces the stored document.
	Store(ctx context.Context, doc []byte) error

	// Release gives up the lock. It is safe to call more than once.
	Release(ctx context.Context) error
}

// Error types
var (
	// ErrStorage marks failures to open, lock, decode or persist a collection.
	ErrStorage = errors.New("storage error")

	// ErrClosed is returned by operations on a closed collection.
	ErrClosed = errors.New("storage: collection closed")

	// ErrInvalidName is returned for collection names that cannot be mapped
	// onto a backend.
	ErrInvalidName = errors.New("storage: invalid collection name")
)

// Store opens collections on a Backend.
type Store struct {
	backend Backend
	log     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for lock and persistence events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store on top of the given backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenOption configures a single Open call.
type OpenOption func(*openConfig)

type openConfig struct {
	autoIncrement bool
}

// WithoutAutoIncrement disables the automatic "id" field on inserted records.
// Add still allocates keys from the metadata counter.
func WithoutAutoIncrement() OpenOption {
	return func(c *openConfig) { c.autoIncrement = false }
}

// Open locks the named collection and loads it. A collection that does not
// exist yet is created empty and written back immediately.
func (s *Store) Open(ctx context.Context, name string, opts ...OpenOption) (*Collection, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	cfg := openConfig{autoIncrement: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	lease, err := s.backend.Acquire(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: lock collection %q: %w", ErrStorage, name, err)
	}

	col, err := s.load(ctx, name, lease, cfg)
	if err != nil {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.log.WarnContext(ctx, "storage.release.fail", slog.String("collection", name), slog.String("err", rerr.Error()))
		}
		return nil, err
	}
	s.log.DebugContext(ctx, "storage.open", slog.String("collection", name), slog.Int("records", col.Len()))
	return col, nil
}

func (s *Store) load(ctx context.Context, name string, lease Lease, cfg openConfig) (*Collection, error) {
	doc, err := lease.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load collection %q: %w", ErrStorage, name, err)
	}

	col := newCollection(name, lease, cfg.autoIncrement)
	if len(doc) == 0 {
		doc, err = col.encode()
		if err != nil {
			return nil, fmt.Errorf("%w: encode collection %q: %w", ErrStorage, name, err)
		}
		if err := lease.Store(ctx, doc); err != nil {
			return nil, fmt.Errorf("%w: create collection %q: %w", ErrStorage, name, err)
		}
		return col, nil
	}

	if err := col.decode(doc); err != nil {
		return nil, fmt.Errorf("%w: decode collection %q: %w", ErrStorage, name, err)
	}
	return col, nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// ValidateName reports whether name can be used as a collection name. Names
// are slash separated relative paths without empty, "." or ".." segments.
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.ContainsAny(name, "\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

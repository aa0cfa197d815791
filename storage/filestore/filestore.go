// Package filestore provides a storage.Backend keeping one JSON document per
// collection on the local filesystem.
//
// Collection "a/b" lives in <dir>/a/b.json and is locked through an advisory
// lock on <dir>/a/b.json.lock, so separate processes sharing the directory
// exclude each other as well as goroutines within one process.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ggoodman/fakesocket-go/storage"
)

// Config configures the file backend. Defaults can be loaded via envdecode.
type Config struct {
	// Dir is the root directory for collection files. ENV: FAKESOCKET_DATA_DIR
	Dir string `env:"FAKESOCKET_DATA_DIR,default=./data"`
	// RetryDelay is the poll interval while waiting for a lock. ENV: FAKESOCKET_LOCK_RETRY
	RetryDelay time.Duration `env:"FAKESOCKET_LOCK_RETRY,default=5ms"`
}

// Backend implements storage.Backend on the filesystem.
type Backend struct {
	dir        string
	retryDelay time.Duration
}

var _ storage.Backend = (*Backend)(nil)

// New creates the root directory if needed and returns a Backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = 5 * time.Millisecond
	}
	return &Backend{dir: cfg.Dir, retryDelay: retry}, nil
}

// Path returns the document path for a collection.
func (b *Backend) Path(name string) string {
	return filepath.Join(b.dir, filepath.FromSlash(name)+".json")
}

// Acquire takes the collection's file lock, polling until it is free or ctx
// is done.
func (b *Backend) Acquire(ctx context.Context, name string) (storage.Lease, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	path := b.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create collection dir: %w", err)
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(ctx, b.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: not acquired", path)
	}
	return &lease{path: path, lock: fl}, nil
}

// Close is a no-op; files are closed as leases are released.
func (b *Backend) Close() error { return nil }

type lease struct {
	once sync.Once
	path string
	lock *flock.Flock
}

func (l *lease) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.path, err)
	}
	return data, nil
}

// Store writes doc to a temporary file in the same directory and renames it
// over the collection file.
func (l *lease) Store(ctx context.Context, doc []byte) error {
	dir := filepath.Dir(l.path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp collection file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(doc); err != nil {
		return fmt.Errorf("write collection file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush collection file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp collection file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("replace collection file: %w", err)
	}
	success = true
	return nil
}

func (l *lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() { err = l.lock.Unlock() })
	return err
}

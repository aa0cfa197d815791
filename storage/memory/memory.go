// Package memory provides a process-local implementation of storage.Backend.
// Documents are kept as serialized bytes so collections round-trip exactly as
// they would through a durable backend.
package memory

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ggoodman/fakesocket-go/storage"
)

// ErrClosed is returned when acquiring a lease on a closed backend.
var ErrClosed = errors.New("memory: backend closed")

// Backend implements storage.Backend in memory.
type Backend struct {
	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

type slot struct {
	sem *semaphore.Weighted
	doc []byte
}

var _ storage.Backend = (*Backend)(nil)

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{slots: make(map[string]*slot)}
}

// Acquire waits for the named slot's semaphore or ctx.
func (b *Backend) Acquire(ctx context.Context, name string) (storage.Lease, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := b.slots[name]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		b.slots[name] = s
	}
	b.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &lease{slot: s}, nil
}

// Close drops all documents.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.slots = make(map[string]*slot)
	return nil
}

type lease struct {
	once sync.Once
	slot *slot
}

func (l *lease) Load(ctx context.Context) ([]byte, error) {
	if l.slot.doc == nil {
		return nil, nil
	}
	return append([]byte(nil), l.slot.doc...), nil
}

func (l *lease) Store(ctx context.Context, doc []byte) error {
	l.slot.doc = append([]byte(nil), doc...)
	return nil
}

func (l *lease) Release(ctx context.Context) error {
	l.once.Do(func() { l.slot.sem.Release(1) })
	return nil
}

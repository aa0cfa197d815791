// Package registry tracks connected clients in the clients collection: their
// lease, their log cursors and their private message queue.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/fakesocket-go/protocol"
	"github.com/ggoodman/fakesocket-go/storage"
)

// ErrHashExhausted is returned when no unused hash could be generated.
var ErrHashExhausted = errors.New("registry: could not generate an unused client hash")

const maxHashAttempts = 16

// Client is the stored state of one registered client.
type Client struct {
	RegisterData              any                `json:"registerData"`
	NextUpdate                int64              `json:"nextUpdate"`
	LastClientsUpdateReceived int64              `json:"lastClientsUpdateReceived"`
	LastBroadcastReceived     int64              `json:"lastBroadcastReceived"`
	UnreadMessages            []protocol.Message `json:"unreadMessages"`
}

// Registry operates on an open clients collection.
type Registry struct {
	col     *storage.Collection
	now     func() time.Time
	lease   int64
	expiry  bool
	newHash func() (string, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLease sets the lease length in seconds granted by Register and Touch.
func WithLease(seconds int64) Option {
	return func(r *Registry) { r.lease = seconds }
}

// WithoutExpiry makes every known client live regardless of its lease.
func WithoutExpiry() Option {
	return func(r *Registry) { r.expiry = false }
}

// WithHashFunc replaces the hash generator.
func WithHashFunc(fn func() (string, error)) Option {
	return func(r *Registry) { r.newHash = fn }
}

// New wraps an open clients collection.
func New(col *storage.Collection, opts ...Option) *Registry {
	r := &Registry{
		col:     col,
		now:     time.Now,
		lease:   11,
		expiry:  true,
		newHash: NewHash,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewHash returns 16 random bytes, hex encoded.
func NewHash() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Register admits a client under a fresh hash. Its cursors start before the
// first log entry.
func (r *Registry) Register(data any) (string, error) {
	for i := 0; i < maxHashAttempts; i++ {
		hash, err := r.newHash()
		if err != nil {
			return "", fmt.Errorf("generate hash: %w", err)
		}
		if hash == "" || r.col.Exists(hash) {
			continue
		}
		rec, err := storage.Encode(Client{
			RegisterData:              data,
			NextUpdate:                r.now().Unix() + r.lease,
			LastClientsUpdateReceived: -1,
			LastBroadcastReceived:     -1,
			UnreadMessages:            []protocol.Message{},
		})
		if err != nil {
			return "", fmt.Errorf("encode client: %w", err)
		}
		r.col.Set(hash, rec)
		return hash, nil
	}
	return "", ErrHashExhausted
}

// Get returns the stored client.
func (r *Registry) Get(hash string) (Client, bool) {
	rec, ok := r.col.Get(hash)
	if !ok {
		return Client{}, false
	}
	var c Client
	if err := storage.Decode(rec, &c); err != nil {
		return Client{}, false
	}
	return c, true
}

// Live reports whether hash is known and its lease has not elapsed.
func (r *Registry) Live(hash string) bool {
	rec, ok := r.col.Get(hash)
	if !ok {
		return false
	}
	return r.alive(rec)
}

func (r *Registry) alive(rec storage.Record) bool {
	if !r.expiry {
		return true
	}
	next, ok := storage.Int64(rec["nextUpdate"])
	return ok && next >= r.now().Unix()
}

// Touch renews the lease of a known client.
func (r *Registry) Touch(hash string) bool {
	if !r.col.Exists(hash) {
		return false
	}
	r.col.Update(hash, storage.Record{"nextUpdate": r.now().Unix() + r.lease})
	return true
}

// Remove deletes the client and reports whether it existed.
func (r *Registry) Remove(hash string) bool {
	return r.col.Remove(hash)
}

// Online lists live clients in registration order.
func (r *Registry) Online() []protocol.ClientUpdate {
	online := []protocol.ClientUpdate{}
	r.col.Each(func(hash string, rec storage.Record) {
		if r.alive(rec) {
			online = append(online, protocol.ClientUpdate{
				Hash:         hash,
				Status:       protocol.PresenceConnect,
				RegisterData: rec["registerData"],
			})
		}
	})
	return online
}

// Reap removes every client whose lease elapsed and returns their hashes.
func (r *Registry) Reap() []string {
	if !r.expiry {
		return nil
	}
	var reaped []string
	r.col.Filter(func(hash string, rec storage.Record) bool {
		if r.alive(rec) {
			return true
		}
		reaped = append(reaped, hash)
		return false
	})
	return reaped
}

// Enqueue appends msg to the client's private queue. It reports false when
// the client is unknown.
func (r *Registry) Enqueue(hash string, msg protocol.Message) (bool, error) {
	if !r.col.Exists(hash) {
		return false, nil
	}
	rec, err := storage.Encode(msg)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}
	r.col.Put(hash, storage.Record{"unreadMessages": []any{map[string]any(rec)}})
	return true, nil
}

// Drain returns and clears the client's private queue.
func (r *Registry) Drain(hash string) []protocol.Message {
	c, ok := r.Get(hash)
	if !ok || len(c.UnreadMessages) == 0 {
		return nil
	}
	r.col.Update(hash, storage.Record{"unreadMessages": []any{}})
	return c.UnreadMessages
}

// Cursors returns the client's last seen presence and broadcast ids.
func (r *Registry) Cursors(hash string) (presence, broadcast int64, ok bool) {
	rec, ok := r.col.Get(hash)
	if !ok {
		return -1, -1, false
	}
	presence, pok := storage.Int64(rec["lastClientsUpdateReceived"])
	broadcast, bok := storage.Int64(rec["lastBroadcastReceived"])
	if !pok {
		presence = -1
	}
	if !bok {
		broadcast = -1
	}
	return presence, broadcast, true
}

// SetCursors records the last ids delivered to the client.
func (r *Registry) SetCursors(hash string, presence, broadcast int64) {
	if !r.col.Exists(hash) {
		return
	}
	r.col.Update(hash, storage.Record{
		"lastClientsUpdateReceived": presence,
		"lastBroadcastReceived":     broadcast,
	})
}

// Package eventlog implements append-only, id-ordered logs with per-entry
// expiry on top of an auto-incrementing collection. Clients sync by asking
// for every entry after the last id they saw.
package eventlog

import (
	"fmt"
	"time"

	"github.com/ggoodman/fakesocket-go/protocol"
	"github.com/ggoodman/fakesocket-go/storage"
)

// Broadcast is an entry of the broadcast log.
type Broadcast struct {
	ID        int64            `json:"id"`
	LiveUntil int64            `json:"liveUntil"`
	Message   protocol.Message `json:"message"`
}

// Presence is the log of connect and disconnect events.
type Presence = Log[protocol.ClientUpdate]

// Broadcasts is the log of broadcast messages.
type Broadcasts = Log[Broadcast]

// Log is a typed view over an open collection. Entries are stored with an
// "id" assigned by the collection and a "liveUntil" unix time.
type Log[T any] struct {
	col *storage.Collection
	now func() time.Time
}

// New wraps an open, auto-incrementing collection.
func New[T any](col *storage.Collection, now func() time.Time) *Log[T] {
	if now == nil {
		now = time.Now
	}
	return &Log[T]{col: col, now: now}
}

// Append stores entry with liveUntil = now + ttl seconds and returns its id.
func (l *Log[T]) Append(entry T, ttl int64) (int64, error) {
	rec, err := storage.Encode(entry)
	if err != nil {
		return 0, fmt.Errorf("encode %s entry: %w", l.col.Name(), err)
	}
	delete(rec, "id")
	rec["liveUntil"] = l.now().Unix() + ttl
	return l.col.Add(rec), nil
}

// Since returns the entries with an id greater than cursor in ascending id
// order.
func (l *Log[T]) Since(cursor int64) ([]T, error) {
	var out []T
	for _, e := range l.col.All() {
		id, ok := storage.Int64(e.Record["id"])
		if !ok || id <= cursor {
			continue
		}
		var entry T
		if err := storage.Decode(e.Record, &entry); err != nil {
			return nil, fmt.Errorf("decode %s entry %s: %w", l.col.Name(), e.Key, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Head returns the last id ever assigned, or -1 for a log never written to.
func (l *Log[T]) Head() int64 {
	return l.col.NextKey() - 1
}

// Len returns the number of retained entries.
func (l *Log[T]) Len() int { return l.col.Len() }

// Evict drops entries whose liveUntil has passed and returns how many were
// dropped.
func (l *Log[T]) Evict() int {
	now := l.now().Unix()
	return l.col.Filter(func(_ string, rec storage.Record) bool {
		until, ok := storage.Int64(rec["liveUntil"])
		return ok && now < until
	})
}

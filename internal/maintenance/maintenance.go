// Package maintenance implements the rate-limited sweep that evicts expired
// clients and log entries.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/fakesocket-go/storage"
)

// GateKey is the record in the maintenance collection holding the next
// sweep deadline.
const GateKey = "register"

// Reaper removes expired clients and returns their hashes.
type Reaper interface {
	Reap() []string
}

// Evicter drops expired entries and returns how many were dropped.
type Evicter interface {
	Evict() int
}

// Targets are the stores a sweep cleans, all opened by the caller.
type Targets struct {
	Clients Reaper
	// OnReaped is called once per reaped client, before the logs are evicted.
	OnReaped   func(hash string) error
	Presence   Evicter
	Broadcasts Evicter
}

// Report summarizes a sweep.
type Report struct {
	Reaped            []string `json:"reaped"`
	PresenceEvicted   int      `json:"presenceEvicted"`
	BroadcastsEvicted int      `json:"broadcastsEvicted"`
	AuditEvicted      int      `json:"auditEvicted"`
	NextRun           int64    `json:"nextRun"`
}

// Sweeper runs at most once per Frequency seconds.
type Sweeper struct {
	Frequency int64
	Now       func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Due reports whether the gate allows a sweep now.
func (s *Sweeper) Due(gate *storage.Collection) bool {
	rec, ok := gate.Get(GateKey)
	if !ok {
		return true
	}
	next, ok := storage.Int64(rec["nextMantain"])
	return !ok || next < s.now().Unix()
}

// Claim takes the next sweep window if it is due and persists the new
// deadline. The caller must hold the gate collection's lock, which makes the
// check and the claim a single step for concurrent requests.
func (s *Sweeper) Claim(ctx context.Context, gate *storage.Collection, force bool) (bool, error) {
	if !force && !s.Due(gate) {
		return false, nil
	}
	gate.Update(GateKey, storage.Record{"nextMantain": s.now().Unix() + s.Frequency})
	if err := gate.Save(ctx); err != nil {
		return false, fmt.Errorf("claim maintenance window: %w", err)
	}
	return true, nil
}

// Run claims the window and, when it was claimed, sweeps the targets.
func (s *Sweeper) Run(ctx context.Context, gate *storage.Collection, t Targets, force bool) (Report, bool, error) {
	claimed, err := s.Claim(ctx, gate, force)
	if err != nil || !claimed {
		return Report{}, false, err
	}

	var r Report
	if rec, ok := gate.Get(GateKey); ok {
		r.NextRun, _ = storage.Int64(rec["nextMantain"])
	}
	if t.Clients != nil {
		r.Reaped = t.Clients.Reap()
		if t.OnReaped != nil {
			for _, hash := range r.Reaped {
				if err := t.OnReaped(hash); err != nil {
					return r, true, err
				}
			}
		}
	}
	if t.Presence != nil {
		r.PresenceEvicted = t.Presence.Evict()
	}
	if t.Broadcasts != nil {
		r.BroadcastsEvicted = t.Broadcasts.Evict()
	}
	return r, true, nil
}

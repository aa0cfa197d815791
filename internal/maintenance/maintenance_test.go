package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/fakesocket-go/internal/eventlog"
	"github.com/ggoodman/fakesocket-go/internal/registry"
	"github.com/ggoodman/fakesocket-go/protocol"
	"github.com/ggoodman/fakesocket-go/storage"
	"github.com/ggoodman/fakesocket-go/storage/memory"
)

type fixture struct {
	now      time.Time
	store    *storage.Store
	gate     *storage.Collection
	clients  *registry.Registry
	presence *eventlog.Presence
	bcasts   *eventlog.Broadcasts
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: time.Unix(1000, 0), store: storage.New(memory.New())}
	open := func(name string, opts ...storage.OpenOption) *storage.Collection {
		col, err := f.store.Open(ctx, name, opts...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = col.Close(ctx) })
		return col
	}
	f.clients = registry.New(open("clients", storage.WithoutAutoIncrement()), registry.WithClock(f.clock), registry.WithLease(5))
	f.presence = eventlog.New[protocol.ClientUpdate](open("clientsUpdates"), f.clock)
	f.bcasts = eventlog.New[eventlog.Broadcast](open("broadcasts"), f.clock)
	f.gate = open("mantain", storage.WithoutAutoIncrement())
	return f
}

func (f *fixture) targets() Targets {
	return Targets{
		Clients: f.clients,
		OnReaped: func(hash string) error {
			_, err := f.presence.Append(protocol.ClientUpdate{Hash: hash, Status: protocol.PresenceDisconnect}, 20)
			return err
		},
		Presence:   f.presence,
		Broadcasts: f.bcasts,
	}
}

func TestRunsAtMostOncePerWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := &Sweeper{Frequency: 20, Now: f.clock}

	_, ran, err := s.Run(ctx, f.gate, f.targets(), false)
	require.NoError(t, err)
	require.True(t, ran, "first run with no gate record")

	for _, step := range []time.Duration{0, 10 * time.Second, 10 * time.Second} {
		f.now = f.now.Add(step)
		_, ran, err = s.Run(ctx, f.gate, f.targets(), false)
		require.NoError(t, err)
		require.False(t, ran, "window still open at %d", f.now.Unix())
	}

	f.now = f.now.Add(time.Second)
	report, ran, err := s.Run(ctx, f.gate, f.targets(), false)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, f.now.Unix()+20, report.NextRun)
}

func TestForceIgnoresWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := &Sweeper{Frequency: 20, Now: f.clock}

	_, ran, err := s.Run(ctx, f.gate, f.targets(), false)
	require.NoError(t, err)
	require.True(t, ran)
	_, ran, err = s.Run(ctx, f.gate, f.targets(), true)
	require.NoError(t, err)
	require.True(t, ran)
}

func TestClaimIsPersistedBeforeSweep(t *testing.T) {
	ctx := context.Background()
	store := storage.New(memory.New())
	now := time.Unix(50, 0)
	s := &Sweeper{Frequency: 20, Now: func() time.Time { return now }}

	gate, err := store.Open(ctx, "mantain", storage.WithoutAutoIncrement())
	require.NoError(t, err)
	claimed, err := s.Claim(ctx, gate, false)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, gate.Close(ctx))

	gate, err = store.Open(ctx, "mantain", storage.WithoutAutoIncrement())
	require.NoError(t, err)
	defer gate.Close(ctx)
	claimed, err = s.Claim(ctx, gate, false)
	require.NoError(t, err)
	assert.False(t, claimed, "a second request inside the window must not sweep")
}

func TestNoExpiredStateSurvives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := &Sweeper{Frequency: 20, Now: f.clock}

	stale, err := f.clients.Register("stale")
	require.NoError(t, err)
	_, err = f.presence.Append(protocol.ClientUpdate{Hash: stale, Status: protocol.PresenceConnect}, 3)
	require.NoError(t, err)
	_, err = f.bcasts.Append(eventlog.Broadcast{Message: protocol.Message{Message: "old"}}, 3)
	require.NoError(t, err)

	f.now = f.now.Add(4 * time.Second)
	fresh, err := f.clients.Register("fresh")
	require.NoError(t, err)
	_, err = f.bcasts.Append(eventlog.Broadcast{Message: protocol.Message{Message: "new"}}, 30)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Second)
	report, ran, err := s.Run(ctx, f.gate, f.targets(), false)
	require.NoError(t, err)
	require.True(t, ran)

	assert.Equal(t, []string{stale}, report.Reaped)
	assert.Equal(t, 1, report.PresenceEvicted)
	assert.Equal(t, 1, report.BroadcastsEvicted)

	assert.False(t, f.clients.Live(stale))
	assert.True(t, f.clients.Live(fresh))

	entries, err := f.presence.Since(-1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, stale, entries[0].Hash)
	assert.Equal(t, protocol.PresenceDisconnect, entries[0].Status)

	msgs, err := f.bcasts.Since(-1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Message.Message)
}

package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/fakesocket-go/protocol"
	"github.com/ggoodman/fakesocket-go/storage"
	"github.com/ggoodman/fakesocket-go/storage/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func openClients(t *testing.T) *storage.Collection {
	t.Helper()
	store := storage.New(memory.New())
	col, err := store.Open(context.Background(), "fakeSocket/clients", storage.WithoutAutoIncrement())
	require.NoError(t, err)
	t.Cleanup(func() { _ = col.Close(context.Background()) })
	return col
}

func TestRegisterInitializesClient(t *testing.T) {
	col := openClients(t)
	clk := &clock{t: time.Unix(1000, 0)}
	r := New(col, WithClock(clk.now), WithLease(11))

	hash, err := r.Register(map[string]any{"name": "alice"})
	require.NoError(t, err)
	require.Len(t, hash, 32)

	c, ok := r.Get(hash)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "alice"}, c.RegisterData)
	assert.Equal(t, int64(1011), c.NextUpdate)
	assert.Equal(t, int64(-1), c.LastClientsUpdateReceived)
	assert.Equal(t, int64(-1), c.LastBroadcastReceived)
	assert.Empty(t, c.UnreadMessages)
}

func TestRegisterRetriesOnCollision(t *testing.T) {
	col := openClients(t)
	col.Set("taken", storage.Record{"nextUpdate": int64(0)})

	seq := []string{"taken", "taken", "fresh"}
	calls := 0
	r := New(col, WithHashFunc(func() (string, error) {
		h := seq[calls]
		calls++
		return h, nil
	}))

	hash, err := r.Register(nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", hash)
	assert.Equal(t, 3, calls)
}

func TestRegisterGivesUpOnPersistentCollision(t *testing.T) {
	col := openClients(t)
	col.Set("taken", storage.Record{})
	r := New(col, WithHashFunc(func() (string, error) { return "taken", nil }))

	_, err := r.Register(nil)
	require.ErrorIs(t, err, ErrHashExhausted)
}

func TestHashesAreUnique(t *testing.T) {
	col := openClients(t)
	r := New(col)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		h, err := r.Register(i)
		require.NoError(t, err)
		require.False(t, seen[h], "duplicate hash %s", h)
		seen[h] = true
	}
	assert.Equal(t, 200, col.Len())
}

func TestLeaseExpiry(t *testing.T) {
	col := openClients(t)
	clk := &clock{t: time.Unix(1000, 0)}
	r := New(col, WithClock(clk.now), WithLease(5))

	alice, err := r.Register("alice")
	require.NoError(t, err)
	bob, err := r.Register("bob")
	require.NoError(t, err)

	clk.advance(5 * time.Second)
	assert.True(t, r.Live(alice), "lease is inclusive of its last second")
	require.True(t, r.Touch(bob))

	clk.advance(time.Second)
	assert.False(t, r.Live(alice))
	assert.True(t, r.Live(bob))

	online := r.Online()
	require.Len(t, online, 1)
	assert.Equal(t, bob, online[0].Hash)
	assert.Equal(t, protocol.PresenceConnect, online[0].Status)
	assert.Equal(t, "bob", online[0].RegisterData)

	assert.Equal(t, []string{alice}, r.Reap())
	assert.False(t, col.Exists(alice))
	assert.Empty(t, r.Reap())
}

func TestWithoutExpiry(t *testing.T) {
	col := openClients(t)
	clk := &clock{t: time.Unix(1000, 0)}
	r := New(col, WithClock(clk.now), WithLease(1), WithoutExpiry())

	h, err := r.Register(nil)
	require.NoError(t, err)
	clk.advance(time.Hour)

	assert.True(t, r.Live(h))
	assert.Len(t, r.Online(), 1)
	assert.Nil(t, r.Reap())
}

func TestUnknownClient(t *testing.T) {
	col := openClients(t)
	r := New(col)

	assert.False(t, r.Live("nope"))
	assert.False(t, r.Touch("nope"))
	assert.False(t, r.Remove("nope"))
	ok, err := r.Enqueue("nope", protocol.Message{Message: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, col.Exists("nope"))
}

func TestPrivateQueueDeliveredOnce(t *testing.T) {
	col := openClients(t)
	r := New(col)
	h, err := r.Register(nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := r.Enqueue(h, protocol.Message{From: "x", Message: fmt.Sprint(i), Kind: protocol.KindPrivate})
		require.NoError(t, err)
		require.True(t, ok)
	}

	msgs := r.Drain(h)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprint(i), m.Message)
		assert.Equal(t, protocol.KindPrivate, m.Kind)
	}
	assert.Empty(t, r.Drain(h))
}

func TestQueueSurvivesSave(t *testing.T) {
	ctx := context.Background()
	store := storage.New(memory.New())
	col, err := store.Open(ctx, "clients", storage.WithoutAutoIncrement())
	require.NoError(t, err)
	r := New(col)
	h, err := r.Register(map[string]any{"name": "bob"})
	require.NoError(t, err)
	_, err = r.Enqueue(h, protocol.Message{From: "a", Message: "hi", Kind: protocol.KindPrivate})
	require.NoError(t, err)
	r.SetCursors(h, 4, 7)
	require.NoError(t, col.Save(ctx))
	require.NoError(t, col.Close(ctx))

	col, err = store.Open(ctx, "clients", storage.WithoutAutoIncrement())
	require.NoError(t, err)
	defer col.Close(ctx)
	r = New(col)

	p, b, ok := r.Cursors(h)
	require.True(t, ok)
	assert.Equal(t, int64(4), p)
	assert.Equal(t, int64(7), b)

	_, err = r.Enqueue(h, protocol.Message{From: "a", Message: "again", Kind: protocol.KindPrivate})
	require.NoError(t, err)
	msgs := r.Drain(h)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Message)
	assert.Equal(t, "again", msgs[1].Message)
}

// Package storagetest provides a conformance suite for storage.Backend
// implementations.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ggoodman/fakesocket-go/storage"
)

// BackendFactory creates a new, empty Backend for testing.
type BackendFactory func(t *testing.T) storage.Backend

// RunBackendTests runs the complete Backend test suite against the provided factory.
func RunBackendTests(t *testing.T, factory BackendFactory) {
	t.Run("Open_CreatesEmptyCollection", func(t *testing.T) { testOpenCreatesEmpty(t, factory) })
	t.Run("RoundTrip_SetSaveOpenGet", func(t *testing.T) { testRoundTrip(t, factory) })
	t.Run("RoundTrip_PreservesOrder", func(t *testing.T) { testPreservesOrder(t, factory) })
	t.Run("AutoIncrement_NeverReusesKeys", func(t *testing.T) { testAutoIncrement(t, factory) })
	t.Run("Close_DiscardsUnsavedChanges", func(t *testing.T) { testDiscard(t, factory) })
	t.Run("Lock_ExcludesSecondOpen", func(t *testing.T) { testLockExcludes(t, factory) })
	t.Run("Lock_CollectionsAreIndependent", func(t *testing.T) { testLockIndependent(t, factory) })
	t.Run("Lock_SerializesWriters", func(t *testing.T) { testLockSerializes(t, factory) })
	t.Run("Lock_NestedOpensUnderContention", func(t *testing.T) { testLockNested(t, factory) })
}

func openStore(t *testing.T, factory BackendFactory) *storage.Store {
	t.Helper()
	b := factory(t)
	t.Cleanup(func() { _ = b.Close() })
	return storage.New(b)
}

func testOpenCreatesEmpty(t *testing.T, factory BackendFactory) {
	ctx := context.Background()
	store := openStore(t, factory)

	col, err := store.Open(ctx, "ns/empty")
	require.NoError(t, err)
	require.Equal(t, 0, col.Len())
	require.Equal(t, int64(0), col.NextKey())
	_, ok := col.LastInsertedKey()
	require.False(t, ok)
	require.NoError(t, col.Close(ctx))

	col, err = store.Open(ctx, "ns/empty")
	require.NoError(t, err)
	defer col.Close(ctx)
	require.Equal(t, 0, col.Len())
}

func testRoundTrip(t *testing.T, factory BackendFactory) {
	ctx := context.Background()
	store := openStore(t, factory)

	value := storage.Record{
		"name":   "alice",
		"score":  float64(42),
		"online": true,
		"tags":   []any{"a", "b"},
		"nested": map[string]any{"x": float64(1), "y": nil},
	}

	col, err := store.Open(ctx, "roundtrip")
	require.NoError(t, err)
	col.Set("k", value)
	require.NoError(t, col.Save(ctx))
	require.NoError(t, col.Close(ctx))

	col, err = store.Open(ctx, "roundtrip")
	require.NoError(t, err)
	defer col.Close(ctx)

	got, ok := col.Get("k")
	require.True(t, ok)
	delete(got, "id")
	require.Equal(t, value, got)
	key, ok := col.LastInsertedKey()
	require.True(t, ok)
	require.Equal(t, "k", key)
}

func testPreservesOrder(t *testing.T, factory BackendFactory) {
	ctx := context.Background()
	store := openStore(t, factory)

	col, err := store.Open(ctx, "order")
	require.NoError(t, err)
	for _, k := range []string{"zulu", "alpha", "10", "2"} {
		col.Set(k, storage.Record{"k": k})
	}
	require.NoError(t, col.Save(ctx))
	require.NoError(t, col.Close(ctx))

	col, err = store.Open(ctx, "order")
	require.NoError(t, err)
	defer col.Close(ctx)
	require.Equal(t, []string{"zulu", "alpha", "10", "2"}, col.Keys())
}

func testAutoIncrement(t *testing.T, factory BackendFactory) {
	ctx := context.Background()
	store := openStore(t, factory)

	col, err := store.Open(ctx, "auto")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.Equal(t, int64(i), col.Add(storage.Record{"n": i}))
	}
	require.True(t, col.Remove("2"))
	require.True(t, col.Remove("1"))
	require.NoError(t, col.Save(ctx))
	require.NoError(t, col.Close(ctx))

	col, err = store.Open(ctx, "auto")
	require.NoError(t, err)
	defer col.Close(ctx)
	require.Equal(t, int64(3), col.NextKey())
	require.Equal(t, int64(3), col.Add(storage.Record{"n": 3}))
	rec, ok := col.Get("3")
	require.True(t, ok)
	id, ok := storage.Int64(rec["id"])
	require.True(t, ok)
	require.Equal(t, int64(3), id)
}

func testDiscard(t *testing.T, factory BackendFactory) {
	ctx := context.Background()
	store := openStore(t, factory)

	col, err := store.Open(ctx, "discard")
	require.NoError(t, err)
	col.Set("k", storage.Record{"v": 1})
	require.NoError(t, col.Close(ctx))
	require.ErrorIs(t, col.Save(ctx), storage.ErrClosed)

	col, err = store.Open(ctx, "discard")
	require.NoError(t, err)
	defer col.Close(ctx)
	require.False(t, col.Exists("k"))
}

func testLockExcludes(t *testing.T, factory BackendFactory) {
	ctx := context.Background()
	store := openStore(t, factory)

	held, err := store.Open(ctx, "locked")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = store.Open(waitCtx, "locked")
	require.ErrorIs(t, err, storage.ErrStorage)

	require.NoError(t, held.Close(ctx))

	col, err := store.Open(ctx, "locked")
	require.NoError(t, err)
	require.NoError(t, col.Close(ctx))
}

func testLockIndependent(t *testing.T, factory BackendFactory) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store := openStore(t, factory)

	a, err := store.Open(ctx, "independent/a")
	require.NoError(t, err)
	defer a.Close(ctx)

	b, err := store.Open(ctx, "independent/b")
	require.NoError(t, err)
	defer b.Close(ctx)
}

func testLockSerializes(t *testing.T, factory BackendFactory) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := openStore(t, factory)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			col, err := store.Open(ctx, "serial")
			if err != nil {
				errs <- err
				return
			}
			defer col.Close(ctx)
			col.Add(storage.Record{"writer": n})
			errs <- col.Save(ctx)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	col, err := store.Open(ctx, "serial")
	require.NoError(t, err)
	defer col.Close(ctx)
	require.Equal(t, writers, col.Len())
	require.Equal(t, int64(writers), col.NextKey())
}

// testLockNested has many goroutines each hold two collections at once, taken
// in a fixed order, the way a request holds its collections.
func testLockNested(t *testing.T, factory BackendFactory) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	store := openStore(t, factory)

	const openers = 24
	var wg sync.WaitGroup
	errs := make(chan error, openers)
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- func() error {
				outer, err := store.Open(ctx, "nested/outer")
				if err != nil {
					return err
				}
				defer outer.Close(ctx)
				inner, err := store.Open(ctx, "nested/inner")
				if err != nil {
					return err
				}
				defer inner.Close(ctx)

				inner.Add(storage.Record{"opener": n})
				outer.Add(storage.Record{"opener": n})
				if err := inner.Save(ctx); err != nil {
					return err
				}
				return outer.Save(ctx)
			}()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, name := range []string{"nested/outer", "nested/inner"} {
		col, err := store.Open(ctx, name)
		require.NoError(t, err)
		require.Equal(t, openers, col.Len(), name)
		require.NoError(t, col.Close(ctx))
	}
}

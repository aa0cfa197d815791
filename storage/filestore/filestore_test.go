package filestore

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggoodman/fakesocket-go/storage"
	"github.com/ggoodman/fakesocket-go/storage/storagetest"
)

func TestFileBackend(t *testing.T) {
	storagetest.RunBackendTests(t, func(t *testing.T) storage.Backend {
		b, err := New(Config{Dir: t.TempDir()})
		require.NoError(t, err)
		return b
	})
}

func TestDocumentLayout(t *testing.T) {
	ctx := context.Background()
	b, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	store := storage.New(b)

	col, err := store.Open(ctx, "fakeSocket/broadcasts")
	require.NoError(t, err)
	col.Add(storage.Record{"liveUntil": 10})
	require.NoError(t, col.Save(ctx))
	require.NoError(t, col.Close(ctx))

	raw, err := os.ReadFile(b.Path("fakeSocket/broadcasts"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Contains(t, doc, "0")
	require.Equal(t, map[string]any{"nextKey": float64(1), "lastInsertedKey": "0"}, doc[storage.MetadataKey])
	require.Equal(t, map[string]any{"liveUntil": float64(10), "id": float64(0)}, doc["0"])
}

func TestLoadsDocumentWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	b, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.Path("users"), []byte(`{"bob":{"name":"bob"},"alice":{"name":"alice"}}`), 0o644))

	col, err := storage.New(b).Open(ctx, "users")
	require.NoError(t, err)
	defer col.Close(ctx)

	require.Equal(t, []string{"bob", "alice"}, col.Keys())
	col.Set("carol", storage.Record{"name": "carol"})
	rec, ok := col.Get("carol")
	require.True(t, ok)
	require.NotContains(t, rec, "id")
}

func TestRejectsInvalidNames(t *testing.T) {
	b, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	for _, name := range []string{"", "../escape", "/abs", "a//b", "a/./b"} {
		_, err := b.Acquire(context.Background(), name)
		require.ErrorIs(t, err, storage.ErrInvalidName, name)
	}
}

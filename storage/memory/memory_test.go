package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggoodman/fakesocket-go/storage"
	"github.com/ggoodman/fakesocket-go/storage/storagetest"
)

func TestMemoryBackend(t *testing.T) {
	storagetest.RunBackendTests(t, func(t *testing.T) storage.Backend {
		return New()
	})
}

func TestAcquireAfterClose(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	_, err := b.Acquire(context.Background(), "any")
	require.ErrorIs(t, err, ErrClosed)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New()
	l, err := b.Acquire(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	l, err = b.Acquire(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
}

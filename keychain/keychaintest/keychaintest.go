// Package keychaintest holds a conformance suite every keychain.Backend
// implementation runs from its own tests.
package keychaintest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/panyam/mobileauth/keychain"
)

// RunBackendTests exercises the Backend contract against fresh instances
// produced by newBackend.
func RunBackendTests(t *testing.T, newBackend func(t *testing.T) keychain.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(ctx, "local:test", "nope")
		require.True(t, errors.Is(err, keychain.ErrNotFound), "got %v", err)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, "local:test", "k", []byte("v1")))
		v, err := b.Get(ctx, "local:test", "k")
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), v)

		require.NoError(t, b.Put(ctx, "local:test", "k", []byte("v2")))
		v, err = b.Get(ctx, "local:test", "k")
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), v)
	})

	t.Run("namespaces are isolated", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, "local:a", "k", []byte("a")))
		require.NoError(t, b.Put(ctx, "shared:a", "k", []byte("b")))

		v, err := b.Get(ctx, "local:a", "k")
		require.NoError(t, err)
		require.Equal(t, []byte("a"), v)
		v, err = b.Get(ctx, "shared:a", "k")
		require.NoError(t, err)
		require.Equal(t, []byte("b"), v)
	})

	t.Run("delete", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, "local:test", "k", []byte("v")))
		require.NoError(t, b.Delete(ctx, "local:test", "k"))
		_, err := b.Get(ctx, "local:test", "k")
		require.True(t, errors.Is(err, keychain.ErrNotFound), "got %v", err)

		require.NoError(t, b.Delete(ctx, "local:test", "never-set"))
	})

	t.Run("binary values", func(t *testing.T) {
		b := newBackend(t)
		blob := []byte{0x00, 0xff, 0x10, 0x00, 0x7f}
		require.NoError(t, b.Put(ctx, "local:test", "blob", blob))
		v, err := b.Get(ctx, "local:test", "blob")
		require.NoError(t, err)
		require.Equal(t, blob, v)
	})
}

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func backends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		"memory": NewMemory(),
		"sqlite": newSQLite(t),
	}
}

func TestBackendRoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := backend.Namespace("default")

			_, err := store.Get(ctx, KeyTheme)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, KeyTheme, []byte(`"dark"`)))
			got, err := store.Get(ctx, KeyTheme)
			require.NoError(t, err)
			assert.Equal(t, `"dark"`, string(got))

			require.NoError(t, store.Set(ctx, KeyTheme, []byte(`"light"`)))
			got, err = store.Get(ctx, KeyTheme)
			require.NoError(t, err)
			assert.Equal(t, `"light"`, string(got))

			require.NoError(t, store.Remove(ctx, KeyTheme))
			_, err = store.Get(ctx, KeyTheme)
			require.ErrorIs(t, err, ErrNotFound)

			// removing a missing key is not an error
			require.NoError(t, store.Remove(ctx, KeyTheme))
		})
	}
}

func TestBackendNamespacesAreIsolated(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := backend.Namespace("alice")
			b := backend.Namespace("bob")

			require.NoError(t, a.Set(ctx, KeySession, []byte("token-a")))

			_, err := b.Get(ctx, KeySession)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	store := NewMemory().Namespace("default")

	require.NoError(t, SetJSON(ctx, store, KeyUsers, map[string]int{"a": 1}))

	var got map[string]int
	require.NoError(t, GetJSON(ctx, store, KeyUsers, &got))
	assert.Equal(t, 1, got["a"])

	require.NoError(t, store.Set(ctx, KeyUsers, []byte("{not json")))
	err := GetJSON(ctx, store, KeyUsers, &got)
	require.ErrorIs(t, err, ErrCorrupt)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemory().Namespace("default")

	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value))
	value[0] = 'z'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	t.Run("GetSetRoundTrip", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir(), time.Hour)
		require.NoError(t, err)
		ctx := context.Background()

		got, err := store.Get(ctx, "weather-00ff")
		require.NoError(t, err)
		assert.Nil(t, got, "empty store returns nil without error")

		stored := &Entry{
			Key:      "weather-00ff",
			Value:    []byte(`{"main":{"temp":20}}`),
			StoredAt: time.Now().UTC().Truncate(time.Second),
			TTL:      5 * time.Minute,
		}
		require.NoError(t, store.Set(ctx, stored))

		got, err = store.Get(ctx, "weather-00ff")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, stored.Value, got.Value)
		assert.True(t, stored.StoredAt.Equal(got.StoredAt))
		assert.Equal(t, stored.TTL, got.TTL)
	})

	t.Run("ExpiredBeyondRetention", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir(), time.Hour)
		require.NoError(t, err)
		clock := newFakeClock()
		store.now = clock.Now
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, &Entry{Key: "k", Value: []byte("1"), StoredAt: clock.Now(), TTL: time.Minute}))

		clock.Advance(time.Minute + 30*time.Minute)
		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.NotNil(t, got, "stale but within retention")

		clock.Advance(time.Hour)
		got, err = store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Clear", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir, time.Hour)
		require.NoError(t, err)
		ctx := context.Background()

		for _, k := range []string{"a", "b", "c"} {
			require.NoError(t, store.Set(ctx, &Entry{Key: k, Value: []byte("v"), StoredAt: time.Now(), TTL: time.Minute}))
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("keep"), 0o644))

		require.NoError(t, store.Clear(ctx))

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, got)
		_, err = os.Stat(filepath.Join(dir, "README"))
		assert.NoError(t, err, "unrelated files are left alone")
	})

	t.Run("RejectsPathTraversal", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir(), time.Hour)
		require.NoError(t, err)

		err = store.Set(context.Background(), &Entry{Key: "../escape", Value: []byte("v")})
		assert.Error(t, err)
		_, err = store.Get(context.Background(), "a/b")
		assert.Error(t, err)
	})

	t.Run("CorruptFile", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir, time.Hour)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))

		_, err = store.Get(context.Background(), "bad")
		assert.Error(t, err)
	})

	t.Run("RequiresDirectory", func(t *testing.T) {
		_, err := NewFileStore("", time.Hour)
		assert.Error(t, err)
	})
}

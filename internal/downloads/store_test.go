package downloads

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ttl), mr
}

func TestStores(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore(16, time.Hour) },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t, time.Hour)
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newStore(t)
			now := time.Now().UTC().Truncate(time.Millisecond)
			total := int64(2048)

			fresh := Progress{ID: "fresh", StartedAt: now, UpdatedAt: now, BytesDone: 10, BytesTotal: &total, State: StateDownloading}
			old := Progress{ID: "old", StartedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour), State: StateFailed}
			require.NoError(t, s.Put(ctx, fresh))
			require.NoError(t, s.Put(ctx, old))

			got, ok, err := s.Get(ctx, "fresh")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(10), got.BytesDone)
			require.NotNil(t, got.BytesTotal)
			assert.Equal(t, total, *got.BytesTotal)
			assert.True(t, now.Equal(got.UpdatedAt))

			all, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			removed, err := s.DeleteStale(ctx, now.Add(-time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, ok, err = s.Get(ctx, "old")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Delete(ctx, "fresh"))
			_, ok, err = s.Get(ctx, "fresh")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRedisStore_RecordsExpire(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Progress{ID: "game", State: StateDownloading}))

	assert.True(t, mr.Exists(KeyPrefix+"game"))
	mr.FastForward(2 * time.Minute)

	_, ok, err := s.Get(ctx, "game")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisClient_RequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := NewRedisClient(RedisConfig{})
	require.ErrorIs(t, err, ErrEmptyAddress)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(4, time.Hour)
	ctx := context.Background()
	total := int64(5)
	require.NoError(t, s.Put(ctx, Progress{ID: "a", BytesTotal: &total}))

	got, _, err := s.Get(ctx, "a")
	require.NoError(t, err)
	*got.BytesTotal = 99

	again, _, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), *again.BytesTotal)
}

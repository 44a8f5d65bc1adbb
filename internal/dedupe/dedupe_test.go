package dedupe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "v1-172000-job:SUCCEEDED", Key(" v1-172000-job ", "succeeded"))
}

func TestMemoryClaimRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	claimed, err := store.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.Claim(ctx, "k")
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must be rejected")

	require.NoError(t, store.Release(ctx, "k"))
	claimed, err = store.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed, "released key can be claimed again")

	now = now.Add(2 * time.Minute)
	claimed, err = store.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed, "expired key can be claimed again")
}

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "", time.Hour), mr, client
}

func TestRedisClaimRelease(t *testing.T) {
	ctx := context.Background()
	store, mr, client := newRedisStore(t)

	claimed, err := store.Claim(ctx, "v1-172000-job:SUCCEEDED")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.True(t, mr.Exists("coachline:webhook:v1-172000-job:SUCCEEDED"))
	assert.Equal(t, time.Hour, mr.TTL("coachline:webhook:v1-172000-job:SUCCEEDED"))

	other := NewRedis(client, "", time.Hour)
	claimed, err = other.Claim(ctx, "v1-172000-job:SUCCEEDED")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, other.Release(ctx, "v1-172000-job:SUCCEEDED"))
	assert.True(t, mr.Exists("coachline:webhook:v1-172000-job:SUCCEEDED"), "non-owner must not release")

	require.NoError(t, store.Release(ctx, "v1-172000-job:SUCCEEDED"))
	assert.False(t, mr.Exists("coachline:webhook:v1-172000-job:SUCCEEDED"))
}

type failingStore struct{}

func (failingStore) Claim(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingStore) Release(context.Context, string) error       { return errors.New("down") }

func TestFallbackUsesSecondaryOnError(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewFallback(failingStore{}, NewMemory(time.Hour), logger)

	claimed, err := store.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = store.Claim(ctx, "k")
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NoError(t, store.Release(ctx, "k"))
}

func TestFallbackPrefersPrimary(t *testing.T) {
	ctx := context.Background()
	primary, mr, _ := newRedisStore(t)
	store := NewFallback(primary, NewMemory(time.Hour), nil)

	claimed, err := store.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.True(t, mr.Exists("coachline:webhook:k"))
}

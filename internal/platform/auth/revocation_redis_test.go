package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisRevocationStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisRevocationStore(client)
}

func TestRedisRevocation_RevokeAndCheck(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)))

	revoked, err := store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = store.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)

	assert.True(t, mr.Exists(revokedKeyPrefix+"jti-1"))
	assert.Greater(t, mr.TTL(revokedKeyPrefix+"jti-1"), 59*time.Minute)
}

func TestRedisRevocation_ExpiresWithToken(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Revoke(ctx, "jti-1", time.Now().Add(time.Minute)))
	mr.FastForward(2 * time.Minute)

	revoked, err := store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisRevocation_PastExpirySkipped(t *testing.T) {
	mr, store := setupTestRedis(t)

	require.NoError(t, store.Revoke(context.Background(), "old", time.Now().Add(-time.Minute)))
	assert.False(t, mr.Exists(revokedKeyPrefix+"old"))
}

func TestRedisRevocation_ServerDown(t *testing.T) {
	mr, store := setupTestRedis(t)
	mr.Close()

	_, err := store.IsRevoked(context.Background(), "jti-1")
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}

package cache

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/verdict/internal/config"
)

func TestPublishResult_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "updated", PublishUpdated.String())
	assert.Equal(t, "skipped", PublishSkipped.String())
}

func TestNewRedisCache_Panics(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	assert.Panics(t, func() { NewRedisCache(nil, "k", "c") })
	assert.Panics(t, func() { NewRedisCache(client, "", "c") })
	assert.Panics(t, func() { NewRedisCache(client, "k", "") })
	assert.NotPanics(t, func() { NewRedisCache(client, "k", "c") })
}

func TestPublishSnapshot_NilSnapshot(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	_, err := NewRedisCache(client, "k", "c").PublishSnapshot(context.Background(), nil)
	assert.Error(t, err)
}

func TestClientOptions(t *testing.T) {
	t.Parallel()

	t.Run("from fields", func(t *testing.T) {
		t.Parallel()

		opts, err := clientOptions(&config.RedisConfig{
			Host: "redis.internal", Port: "6380", Password: "pw", DB: 2,
			TLSEnabled: true, PoolSize: 7, MinIdleConns: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, "redis.internal:6380", opts.Addr)
		assert.Equal(t, "pw", opts.Password)
		assert.Equal(t, 2, opts.DB)
		assert.NotNil(t, opts.TLSConfig)
		assert.Equal(t, 7, opts.PoolSize)
	})

	t.Run("from URL", func(t *testing.T) {
		t.Parallel()

		opts, err := clientOptions(&config.RedisConfig{URL: "redis://:secret@cache:6379/3", PoolSize: 4})
		require.NoError(t, err)
		assert.Equal(t, "cache:6379", opts.Addr)
		assert.Equal(t, "secret", opts.Password)
		assert.Equal(t, 3, opts.DB)
		assert.Equal(t, 4, opts.PoolSize)
	})

	t.Run("invalid URL", func(t *testing.T) {
		t.Parallel()

		_, err := clientOptions(&config.RedisConfig{URL: "http://cache"})
		assert.Error(t, err)
	})
}

func TestHealthChecker_NilClient(t *testing.T) {
	t.Parallel()

	h := NewHealthChecker(nil)
	assert.Equal(t, "redis", h.Name())
	assert.ErrorIs(t, h.Check(context.Background()), ErrClientNil)
}

func TestNewRedisClient_NilConfig(t *testing.T) {
	t.Parallel()

	_, err := NewRedisClient(context.Background(), nil)
	assert.Error(t, err)
}

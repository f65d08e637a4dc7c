package testsupport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/rafaeljc/verdict/internal/cache"
	"github.com/rafaeljc/verdict/internal/config"
)

// Snapshot key and channel used by every container started here.
const (
	RedisSnapshotKey    = "verdict:test:snapshot"
	RedisUpdatesChannel = "verdict:test:snapshot:updates"
)

// RedisContainer holds references to the ephemeral Redis instance.
type RedisContainer struct {
	Container testcontainers.Container
	// Endpoint is the host:port of the container.
	Endpoint string
	// Config is the configuration the Cache was built from.
	Config *config.RedisConfig
	// Cache is the snapshot store wired to the container.
	Cache *cache.RedisCache
}

// Terminate closes the client, then stops and removes the container.
func (c *RedisContainer) Terminate(ctx context.Context) error {
	_ = c.Cache.Client().Close()
	return c.Container.Terminate(ctx)
}

// StartRedisContainer spins up a Redis 7-alpine container.
func StartRedisContainer(ctx context.Context) (*RedisContainer, error) {
	redisContainer, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	endpoint, err := redisContainer.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		return nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}
	host, port, _ := strings.Cut(endpoint, ":")

	cfg := &config.RedisConfig{
		Host:           host,
		Port:           port,
		PoolSize:       10,
		MinIdleConns:   1,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		PoolTimeout:    4 * time.Second,
		PingMaxRetries: 5,
		PingBackoff:    500 * time.Millisecond,
		SnapshotKey:    RedisSnapshotKey,
		UpdatesChannel: RedisUpdatesChannel,
	}
	client, err := cache.NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	return &RedisContainer{
		Container: redisContainer,
		Endpoint:  endpoint,
		Config:    cfg,
		Cache:     cache.NewRedisCache(client, cfg.SnapshotKey, cfg.UpdatesChannel),
	}, nil
}

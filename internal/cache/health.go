package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrClientNil is returned by a checker built without a client.
var ErrClientNil = errors.New("redis client is nil")

// HealthChecker reports Redis ready when it answers PING. Whether a snapshot
// has been published is the snapshot holder's concern, not this one's.
type HealthChecker struct {
	client redis.UniversalClient
}

// NewHealthChecker creates a checker for any go-redis client flavour.
func NewHealthChecker(client redis.UniversalClient) *HealthChecker {
	return &HealthChecker{client: client}
}

// Name returns the component name.
func (h *HealthChecker) Name() string {
	return "redis"
}

// Check pings Redis within ctx.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.client == nil {
		return ErrClientNil
	}
	if err := h.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

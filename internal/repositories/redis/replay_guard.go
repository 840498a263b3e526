// Package redis backs the human-verification replay guard with a shared Redis instance.
package redis

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stitchquote/api/internal/platform/config"
	"github.com/stitchquote/api/internal/repositories"
)

const replayKeyPrefix = "quote:captcha:"

// ReplayGuard claims token digests with SET NX so every instance behind the load balancer
// rejects the same token twice.
type ReplayGuard struct {
	client *goredis.Client
	prefix string
}

var _ repositories.TokenReplayRepository = (*ReplayGuard)(nil)

// NewReplayGuard connects to the configured Redis address.
func NewReplayGuard(cfg config.RedisConfig) (*ReplayGuard, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis: address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &ReplayGuard{client: client, prefix: replayKeyPrefix}, nil
}

// Claim stores the digest for ttl and reports whether it was previously unseen.
func (g *ReplayGuard) Claim(ctx context.Context, digest string, ttl time.Duration) (bool, error) {
	digest = strings.TrimSpace(digest)
	if digest == "" {
		return false, repositories.NewStoreError("replay.claim", repositories.StoreErrorUnknown, "digest is required", nil)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	claimed, err := g.client.SetNX(ctx, g.prefix+digest, 1, ttl).Result()
	if err != nil {
		return false, wrapError("replay.claim", err)
	}
	return claimed, nil
}

// Ping verifies connectivity for health checks.
func (g *ReplayGuard) Ping(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return wrapError("replay.ping", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (g *ReplayGuard) Close() error {
	return g.client.Close()
}

func wrapError(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, "redis unavailable", err)
	case errors.Is(err, goredis.ErrClosed):
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, "redis client closed", err)
	default:
		return repositories.NewStoreError(op, repositories.StoreErrorUnknown, "", err)
	}
}

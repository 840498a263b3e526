package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stitchquote/api/internal/platform/config"
	"github.com/stitchquote/api/internal/repositories"
)

func TestNewReplayGuardRequiresAddress(t *testing.T) {
	if _, err := NewReplayGuard(config.RedisConfig{Addr: "  "}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestWrapErrorClassification(t *testing.T) {
	if err := wrapError("op", context.DeadlineExceeded); !repositories.IsUnavailable(err) {
		t.Fatalf("expected deadline to be unavailable, got %v", err)
	}
	if err := wrapError("op", goredis.ErrClosed); !repositories.IsUnavailable(err) {
		t.Fatalf("expected closed client to be unavailable, got %v", err)
	}
	err := wrapError("op", errors.New("WRONGTYPE"))
	if repositories.IsUnavailable(err) || repositories.IsConflict(err) {
		t.Fatalf("expected unknown classification, got %v", err)
	}
}

func TestReplayGuardClaimUnreachable(t *testing.T) {
	guard, err := NewReplayGuard(config.RedisConfig{Addr: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	t.Cleanup(func() { _ = guard.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := guard.Claim(ctx, "digest", time.Minute); !repositories.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

// TestReplayGuardClaim needs a running Redis; set QUOTE_TEST_REDIS_ADDR to enable it.
func TestReplayGuardClaim(t *testing.T) {
	addr := os.Getenv("QUOTE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QUOTE_TEST_REDIS_ADDR not set")
	}
	guard, err := NewReplayGuard(config.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	t.Cleanup(func() { _ = guard.Close() })

	ctx := context.Background()
	if err := guard.Ping(ctx); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	digest := fmt.Sprintf("test-%d", time.Now().UnixNano())
	claimed, err := guard.Claim(ctx, digest, 2*time.Second)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, got %v %v", claimed, err)
	}
	claimed, err = guard.Claim(ctx, digest, 2*time.Second)
	if err != nil || claimed {
		t.Fatalf("expected replay to be rejected, got %v %v", claimed, err)
	}
}

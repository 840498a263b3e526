package repositories

import (
	"context"
	"time"

	domain "github.com/stitchquote/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Quotes() QuoteRepository
	RateLimits() RateLimitRepository
	Usage() UsageRepository
	Ping(ctx context.Context) error
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// RateCharge describes the rate limit increment applied together with a quote write.
type RateCharge struct {
	Key         domain.RateLimitKey
	WindowStart time.Time
	Limit       int
	At          time.Time
}

// QuoteRepository stores quotes. Commit is all-or-nothing: the quote and the rate charge
// are applied together, or neither is.
type QuoteRepository interface {
	// Commit inserts the quote and consumes one slot of the charged window. It returns a
	// StoreErrorWindowExhausted error without writing anything when the window is full.
	Commit(ctx context.Context, quote domain.Quote, charge RateCharge) error
	FindByID(ctx context.Context, quoteID string) (domain.Quote, error)
	// Review moves a pending quote to reviewed. Non-pending quotes yield a conflict error.
	Review(ctx context.Context, quoteID string, reviewer string, at time.Time) (domain.Quote, error)
}

// RateLimitRepository reads and maintains rate limit windows. Increments only happen via QuoteRepository.Commit.
type RateLimitRepository interface {
	Find(ctx context.Context, key domain.RateLimitKey) (domain.RateLimitRecord, error)
	PurgeExpired(ctx context.Context, windowStartBefore time.Time, limit int) (int, error)
}

// UsageRepository persists advisory usage events for cost accounting.
type UsageRepository interface {
	Append(ctx context.Context, event domain.AdvisoryUsageEvent) error
}

// TokenReplayRepository remembers consumed human-verification tokens.
type TokenReplayRepository interface {
	// Claim records the token digest and reports whether it was unseen.
	Claim(ctx context.Context, digest string, ttl time.Duration) (bool, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Package memory provides process-local repositories for development and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/repositories"
)

// Store keeps quotes, rate limit windows and usage events behind a single mutex so a quote
// write and its rate charge are applied atomically.
type Store struct {
	mu         sync.Mutex
	quotes     map[string]domain.Quote
	rateLimits map[domain.RateLimitKey]domain.RateLimitRecord
	usage      []domain.AdvisoryUsageEvent
}

var _ repositories.Registry = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		quotes:     make(map[string]domain.Quote),
		rateLimits: make(map[domain.RateLimitKey]domain.RateLimitRecord),
	}
}

func (s *Store) Quotes() repositories.QuoteRepository         { return quoteRepository{store: s} }
func (s *Store) RateLimits() repositories.RateLimitRepository { return rateLimitRepository{store: s} }
func (s *Store) Usage() repositories.UsageRepository          { return usageRepository{store: s} }

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close(context.Context) error { return nil }

// UsageEvents returns a copy of the recorded usage events.
func (s *Store) UsageEvents() []domain.AdvisoryUsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.usage)
}

type quoteRepository struct {
	store *Store
}

func (r quoteRepository) Commit(ctx context.Context, quote domain.Quote, charge repositories.RateCharge) error {
	if err := ctx.Err(); err != nil {
		return repositories.NewStoreError("quotes.commit", repositories.StoreErrorUnavailable, "", err)
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.quotes[quote.ID]; exists {
		return repositories.NewStoreError("quotes.commit", repositories.StoreErrorConflict, "quote already exists", nil)
	}

	record := s.rateLimits[charge.Key]
	windowStart, count := record.ChargeWindow(charge.WindowStart.UTC())
	if charge.Limit > 0 && count >= charge.Limit {
		return repositories.NewStoreError("quotes.commit", repositories.StoreErrorWindowExhausted, "rate limit window is full", nil)
	}

	s.rateLimits[charge.Key] = domain.RateLimitRecord{
		Key:         charge.Key,
		Count:       count + 1,
		WindowStart: windowStart,
		UpdatedAt:   charge.At.UTC(),
	}
	s.quotes[quote.ID] = cloneQuote(quote)
	return nil
}

func (r quoteRepository) FindByID(_ context.Context, quoteID string) (domain.Quote, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	quote, ok := s.quotes[quoteID]
	if !ok {
		return domain.Quote{}, repositories.NewStoreError("quotes.find", repositories.StoreErrorNotFound, "quote not found", nil)
	}
	return cloneQuote(quote), nil
}

func (r quoteRepository) Review(_ context.Context, quoteID, reviewer string, at time.Time) (domain.Quote, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	quote, ok := s.quotes[quoteID]
	if !ok {
		return domain.Quote{}, repositories.NewStoreError("quotes.review", repositories.StoreErrorNotFound, "quote not found", nil)
	}
	if quote.Status != domain.QuoteStatusPending {
		return domain.Quote{}, repositories.NewStoreError("quotes.review", repositories.StoreErrorConflict, "quote is not pending", nil)
	}
	reviewedAt := at.UTC()
	quote.Status = domain.QuoteStatusReviewed
	quote.ReviewedBy = reviewer
	quote.ReviewedAt = &reviewedAt
	quote.UpdatedAt = reviewedAt
	s.quotes[quoteID] = quote
	return cloneQuote(quote), nil
}

type rateLimitRepository struct {
	store *Store
}

func (r rateLimitRepository) Find(_ context.Context, key domain.RateLimitKey) (domain.RateLimitRecord, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.rateLimits[key]
	if !ok {
		return domain.RateLimitRecord{}, repositories.NewStoreError("rate_limits.find", repositories.StoreErrorNotFound, "", nil)
	}
	return record, nil
}

func (r rateLimitRepository) PurgeExpired(_ context.Context, windowStartBefore time.Time, limit int) (int, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []domain.RateLimitKey
	for key, record := range s.rateLimits {
		if record.WindowStart.Before(windowStartBefore) {
			expired = append(expired, key)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return s.rateLimits[expired[i]].WindowStart.Before(s.rateLimits[expired[j]].WindowStart)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, key := range expired {
		delete(s.rateLimits, key)
	}
	return len(expired), nil
}

type usageRepository struct {
	store *Store
}

func (r usageRepository) Append(_ context.Context, event domain.AdvisoryUsageEvent) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, event)
	return nil
}

func cloneQuote(quote domain.Quote) domain.Quote {
	quote.Result.ComparableProducts = slices.Clone(quote.Result.ComparableProducts)
	quote.Result.Suggestions = slices.Clone(quote.Result.Suggestions)
	quote.Result.DiscardedFields = slices.Clone(quote.Result.DiscardedFields)
	if quote.ReviewedAt != nil {
		reviewedAt := *quote.ReviewedAt
		quote.ReviewedAt = &reviewedAt
	}
	return quote
}

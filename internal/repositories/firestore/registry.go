package firestore

import (
	"context"

	pfirestore "github.com/stitchquote/api/internal/platform/firestore"
	"github.com/stitchquote/api/internal/repositories"
)

// Registry exposes the Firestore repositories behind one provider.
type Registry struct {
	provider   *pfirestore.Provider
	quotes     *QuoteRepository
	rateLimits *RateLimitRepository
	usage      *UsageRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every Firestore repository to the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	quotes, err := NewQuoteRepository(provider)
	if err != nil {
		return nil, err
	}
	rateLimits, err := NewRateLimitRepository(provider)
	if err != nil {
		return nil, err
	}
	usage, err := NewUsageRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, quotes: quotes, rateLimits: rateLimits, usage: usage}, nil
}

func (r *Registry) Quotes() repositories.QuoteRepository         { return r.quotes }
func (r *Registry) RateLimits() repositories.RateLimitRepository { return r.rateLimits }
func (r *Registry) Usage() repositories.UsageRepository          { return r.usage }

func (r *Registry) Ping(ctx context.Context) error {
	return r.provider.Ping(ctx, quotesCollection)
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

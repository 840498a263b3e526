package firestore

import (
	"context"
	"errors"

	domain "github.com/stitchquote/api/internal/domain"
	pfirestore "github.com/stitchquote/api/internal/platform/firestore"
	"github.com/stitchquote/api/internal/repositories"
)

// UsageRepository appends advisory usage events to Firestore.
type UsageRepository struct {
	events *pfirestore.BaseRepository[usageDocument]
}

var _ repositories.UsageRepository = (*UsageRepository)(nil)

// NewUsageRepository constructs a Firestore-backed usage repository.
func NewUsageRepository(provider *pfirestore.Provider) (*UsageRepository, error) {
	if provider == nil {
		return nil, errors.New("usage repository requires firestore provider")
	}
	return &UsageRepository{events: pfirestore.NewBaseRepository[usageDocument](provider, usageCollection)}, nil
}

// Append stores the event under its id. Replaying an id is a no-op.
func (r *UsageRepository) Append(ctx context.Context, event domain.AdvisoryUsageEvent) error {
	err := r.events.Create(ctx, event.ID, usageDocument{
		SessionID:    event.SessionID,
		ClientHash:   event.ClientHash,
		Provider:     event.Provider,
		Model:        event.Model,
		Outcome:      event.Outcome,
		InputTokens:  event.InputTokens,
		OutputTokens: event.OutputTokens,
		LatencyMS:    event.Latency.Milliseconds(),
		OccurredAt:   event.OccurredAt.UTC(),
	})
	if repositories.IsConflict(err) {
		return nil
	}
	return err
}

package postgres

import (
	"context"
	"database/sql"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/repositories"
)

// UsageRepository appends advisory usage events.
type UsageRepository struct {
	db *sql.DB
}

var _ repositories.UsageRepository = (*UsageRepository)(nil)

func (r *UsageRepository) Append(ctx context.Context, event domain.AdvisoryUsageEvent) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO advisory_usage_events (id, session_id, client_hash, provider, model, outcome, input_tokens, output_tokens, latency_ms, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`,
		event.ID, event.SessionID, event.ClientHash, event.Provider, event.Model, event.Outcome,
		event.InputTokens, event.OutputTokens, event.Latency.Milliseconds(), event.OccurredAt.UTC())
	if err != nil {
		return wrapError("usage.append", err)
	}
	return nil
}

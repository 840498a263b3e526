package postgres

import (
	"context"
	"database/sql"
	"time"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/repositories"
)

// RateLimitRepository reads and purges rate limit windows.
type RateLimitRepository struct {
	db *sql.DB
}

var _ repositories.RateLimitRepository = (*RateLimitRepository)(nil)

func (r *RateLimitRepository) Find(ctx context.Context, key domain.RateLimitKey) (domain.RateLimitRecord, error) {
	record := domain.RateLimitRecord{Key: key}
	err := r.db.QueryRowContext(ctx,
		`SELECT request_count, window_start, updated_at FROM rate_limits WHERE identifier = $1 AND identifier_type = $2`,
		key.Identifier, key.IdentifierType,
	).Scan(&record.Count, &record.WindowStart, &record.UpdatedAt)
	if err != nil {
		return domain.RateLimitRecord{}, wrapError("rate_limits.find", err)
	}
	record.WindowStart = record.WindowStart.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

// PurgeExpired deletes at most limit windows that started before windowStartBefore, oldest first.
func (r *RateLimitRepository) PurgeExpired(ctx context.Context, windowStartBefore time.Time, limit int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM rate_limits WHERE ctid IN (
	SELECT ctid FROM rate_limits WHERE window_start < $1 ORDER BY window_start LIMIT $2
)`, windowStartBefore.UTC(), limit)
	if err != nil {
		return 0, wrapError("rate_limits.purge", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapError("rate_limits.purge", err)
	}
	return int(affected), nil
}

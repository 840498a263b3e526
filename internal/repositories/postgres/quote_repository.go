package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/repositories"
)

const chargeWindowSQL = `
INSERT INTO rate_limits (identifier, identifier_type, request_count, window_start, updated_at)
VALUES ($1, $2, 1, $3, $4)
ON CONFLICT (identifier, identifier_type) DO UPDATE SET
	request_count = CASE WHEN rate_limits.window_start >= EXCLUDED.window_start THEN rate_limits.request_count + 1 ELSE 1 END,
	window_start = GREATEST(rate_limits.window_start, EXCLUDED.window_start),
	updated_at = EXCLUDED.updated_at
WHERE rate_limits.window_start < EXCLUDED.window_start OR rate_limits.request_count < $5
RETURNING request_count`

const insertQuoteSQL = `
INSERT INTO quotes (id, status, client_identifier, client_identifier_type, request, result, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const selectQuoteSQL = `
SELECT id, status, client_identifier, client_identifier_type, request, result, created_at, updated_at, reviewed_by, reviewed_at
FROM quotes WHERE id = $1`

const reviewQuoteSQL = `
UPDATE quotes SET status = $2, reviewed_by = $3, reviewed_at = $4, updated_at = $4
WHERE id = $1 AND status = $5
RETURNING id, status, client_identifier, client_identifier_type, request, result, created_at, updated_at, reviewed_by, reviewed_at`

// QuoteRepository stores quotes and applies the rate charge in the same transaction.
type QuoteRepository struct {
	db *sql.DB
}

var _ repositories.QuoteRepository = (*QuoteRepository)(nil)

// Commit consumes a window slot with a conditional upsert and inserts the quote. When the
// upsert matches no row the window is full and the transaction is rolled back.
func (r *QuoteRepository) Commit(ctx context.Context, quote domain.Quote, charge repositories.RateCharge) (err error) {
	request, result, err := encodeQuote(quote)
	if err != nil {
		return repositories.NewStoreError("quotes.commit", repositories.StoreErrorUnknown, "encode quote", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("quotes.commit", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var count int
	err = tx.QueryRowContext(ctx, chargeWindowSQL,
		charge.Key.Identifier, charge.Key.IdentifierType, charge.WindowStart.UTC(), charge.At.UTC(), charge.Limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewStoreError("quotes.commit", repositories.StoreErrorWindowExhausted, "rate limit window is full", nil)
	}
	if err != nil {
		return wrapError("quotes.commit", err)
	}

	if _, err = tx.ExecContext(ctx, insertQuoteSQL,
		quote.ID, string(quote.Status), quote.ClientKey.Identifier, quote.ClientKey.IdentifierType,
		request, result, quote.CreatedAt.UTC(), quote.UpdatedAt.UTC(),
	); err != nil {
		return wrapError("quotes.commit", err)
	}

	if err = tx.Commit(); err != nil {
		return wrapError("quotes.commit", err)
	}
	return nil
}

func (r *QuoteRepository) FindByID(ctx context.Context, quoteID string) (domain.Quote, error) {
	quote, err := scanQuote(r.db.QueryRowContext(ctx, selectQuoteSQL, quoteID))
	if err != nil {
		return domain.Quote{}, wrapError("quotes.find", err)
	}
	return quote, nil
}

// Review moves a pending quote to reviewed. A missing row is disambiguated into not found or conflict.
func (r *QuoteRepository) Review(ctx context.Context, quoteID, reviewer string, at time.Time) (domain.Quote, error) {
	quote, err := scanQuote(r.db.QueryRowContext(ctx, reviewQuoteSQL,
		quoteID, string(domain.QuoteStatusReviewed), reviewer, at.UTC(), string(domain.QuoteStatusPending)))
	if err == nil {
		return quote, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Quote{}, wrapError("quotes.review", err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM quotes WHERE id = $1)`, quoteID).Scan(&exists); err != nil {
		return domain.Quote{}, wrapError("quotes.review", err)
	}
	if !exists {
		return domain.Quote{}, repositories.NewStoreError("quotes.review", repositories.StoreErrorNotFound, "quote not found", nil)
	}
	return domain.Quote{}, repositories.NewStoreError("quotes.review", repositories.StoreErrorConflict, "quote is not pending", nil)
}

func scanQuote(row *sql.Row) (domain.Quote, error) {
	var (
		quote      domain.Quote
		status     string
		request    []byte
		result     []byte
		reviewedBy sql.NullString
		reviewedAt sql.NullTime
	)
	if err := row.Scan(&quote.ID, &status, &quote.ClientKey.Identifier, &quote.ClientKey.IdentifierType,
		&request, &result, &quote.CreatedAt, &quote.UpdatedAt, &reviewedBy, &reviewedAt); err != nil {
		return domain.Quote{}, err
	}
	if err := decodeQuote(&quote, request, result); err != nil {
		return domain.Quote{}, err
	}
	quote.Status = domain.QuoteStatus(status)
	quote.CreatedAt = quote.CreatedAt.UTC()
	quote.UpdatedAt = quote.UpdatedAt.UTC()
	quote.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		at := reviewedAt.Time.UTC()
		quote.ReviewedAt = &at
	}
	return quote, nil
}

package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stitchquote/api/internal/domain"
	pfirestore "github.com/stitchquote/api/internal/platform/firestore"
	"github.com/stitchquote/api/internal/repositories"
)

// QuoteRepository implements repositories.QuoteRepository backed by Firestore transactions.
type QuoteRepository struct {
	provider   *pfirestore.Provider
	quotes     *pfirestore.BaseRepository[quoteDocument]
	rateLimits *pfirestore.BaseRepository[rateLimitDocument]
}

var _ repositories.QuoteRepository = (*QuoteRepository)(nil)

// NewQuoteRepository constructs a Firestore-backed quote repository.
func NewQuoteRepository(provider *pfirestore.Provider) (*QuoteRepository, error) {
	if provider == nil {
		return nil, errors.New("quote repository requires firestore provider")
	}
	return &QuoteRepository{
		provider:   provider,
		quotes:     pfirestore.NewBaseRepository[quoteDocument](provider, quotesCollection),
		rateLimits: pfirestore.NewBaseRepository[rateLimitDocument](provider, rateLimitsCollection),
	}, nil
}

// Commit reads the client's window, consumes a slot and creates the quote in one transaction.
// Concurrent commits for the same key contend on the window document and Firestore retries the
// loser, which then observes the updated count.
func (r *QuoteRepository) Commit(ctx context.Context, quote domain.Quote, charge repositories.RateCharge) error {
	doc := encodeQuote(quote)

	return r.provider.RunTransaction(ctx, "quotes.commit", func(ctx context.Context, tx *firestore.Transaction) error {
		limitRef, err := r.rateLimits.DocumentRef(ctx, rateLimitDocID(charge.Key))
		if err != nil {
			return err
		}
		quoteRef, err := r.quotes.DocumentRef(ctx, quote.ID)
		if err != nil {
			return err
		}

		windowStart, count := charge.WindowStart.UTC(), 0
		snapshot, err := tx.Get(limitRef)
		switch status.Code(err) {
		case codes.OK:
			current, err := r.rateLimits.Decode(snapshot)
			if err != nil {
				return err
			}
			windowStart, count = current.Data.record().ChargeWindow(windowStart)
		case codes.NotFound:
			// first request from this client
		default:
			return err
		}

		if charge.Limit > 0 && count >= charge.Limit {
			return repositories.NewStoreError("quotes.commit", repositories.StoreErrorWindowExhausted, "rate limit window is full", nil)
		}

		if err := tx.Set(limitRef, rateLimitDocument{
			Identifier:     charge.Key.Identifier,
			IdentifierType: charge.Key.IdentifierType,
			Count:          count + 1,
			WindowStart:    windowStart,
			UpdatedAt:      charge.At.UTC(),
		}); err != nil {
			return err
		}
		return tx.Create(quoteRef, doc)
	})
}

func (r *QuoteRepository) FindByID(ctx context.Context, quoteID string) (domain.Quote, error) {
	doc, err := r.quotes.Get(ctx, quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	return decodeQuote(doc.ID, doc.Data), nil
}

// Review moves a pending quote to reviewed inside a transaction so concurrent reviews cannot both succeed.
func (r *QuoteRepository) Review(ctx context.Context, quoteID, reviewer string, at time.Time) (domain.Quote, error) {
	var reviewed domain.Quote
	err := r.provider.RunTransaction(ctx, "quotes.review", func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.quotes.DocumentRef(ctx, quoteID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := r.quotes.Decode(snapshot)
		if err != nil {
			return err
		}
		if current.Data.Status != string(domain.QuoteStatusPending) {
			return repositories.NewStoreError("quotes.review", repositories.StoreErrorConflict, "quote is not pending", nil)
		}

		reviewedAt := at.UTC()
		doc := current.Data
		doc.Status = string(domain.QuoteStatusReviewed)
		doc.ReviewedBy = reviewer
		doc.ReviewedAt = &reviewedAt
		doc.UpdatedAt = reviewedAt
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		reviewed = decodeQuote(current.ID, doc)
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return reviewed, nil
}

package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/stitchquote/api/internal/domain"
	pfirestore "github.com/stitchquote/api/internal/platform/firestore"
	"github.com/stitchquote/api/internal/repositories"
)

// RateLimitRepository reads and purges rate limit windows stored in Firestore.
type RateLimitRepository struct {
	provider   *pfirestore.Provider
	rateLimits *pfirestore.BaseRepository[rateLimitDocument]
}

var _ repositories.RateLimitRepository = (*RateLimitRepository)(nil)

// NewRateLimitRepository constructs a Firestore-backed rate limit repository.
func NewRateLimitRepository(provider *pfirestore.Provider) (*RateLimitRepository, error) {
	if provider == nil {
		return nil, errors.New("rate limit repository requires firestore provider")
	}
	return &RateLimitRepository{
		provider:   provider,
		rateLimits: pfirestore.NewBaseRepository[rateLimitDocument](provider, rateLimitsCollection),
	}, nil
}

func (r *RateLimitRepository) Find(ctx context.Context, key domain.RateLimitKey) (domain.RateLimitRecord, error) {
	doc, err := r.rateLimits.Get(ctx, rateLimitDocID(key))
	if err != nil {
		return domain.RateLimitRecord{}, err
	}
	return doc.Data.record(), nil
}

// PurgeExpired deletes up to limit windows that started before windowStartBefore, oldest first.
// Each delete is conditioned on the document's update time so a window refreshed by a concurrent
// commit survives.
func (r *RateLimitRepository) PurgeExpired(ctx context.Context, windowStartBefore time.Time, limit int) (int, error) {
	docs, refs, err := r.rateLimits.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("windowStart", "<", windowStartBefore.UTC()).OrderBy("windowStart", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("rate_limits.purge", err)
	}

	writer := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	for i, ref := range refs {
		job, err := writer.Delete(ref, firestore.LastUpdateTime(docs[i].UpdateTime))
		if err != nil {
			writer.End()
			return 0, pfirestore.WrapError("rate_limits.purge", err)
		}
		jobs = append(jobs, job)
	}
	writer.End()

	deleted := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if repositories.IsConflict(pfirestore.WrapError("", err)) {
				continue
			}
			return deleted, pfirestore.WrapError("rate_limits.purge", err)
		}
		deleted++
	}
	return deleted, nil
}

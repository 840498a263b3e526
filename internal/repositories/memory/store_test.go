package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/repositories"
)

var testKey = domain.RateLimitKey{Identifier: "203.0.113.7", IdentifierType: domain.IdentifierTypeIP}

func testCharge(window time.Time) repositories.RateCharge {
	return repositories.RateCharge{Key: testKey, WindowStart: window, Limit: 10, At: window.Add(time.Minute)}
}

func TestStoreConcurrentCommitsAtNineAdmitExactlyOne(t *testing.T) {
	store := NewStore()
	window := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 9; i++ {
		if err := store.Quotes().Commit(context.Background(), domain.Quote{ID: fmt.Sprintf("seed-%d", i), Status: domain.QuoteStatusPending}, testCharge(window)); err != nil {
			t.Fatalf("seed commit %d: %v", i, err)
		}
	}

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		exhausted int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Quotes().Commit(context.Background(), domain.Quote{ID: fmt.Sprintf("race-%d", i), Status: domain.QuoteStatusPending}, testCharge(window))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case repositories.IsWindowExhausted(err):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if committed != 1 || exhausted != racers-1 {
		t.Fatalf("expected 1 commit and %d exhausted, got %d/%d", racers-1, committed, exhausted)
	}
	record, err := store.RateLimits().Find(context.Background(), testKey)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.Count != 10 {
		t.Fatalf("expected count 10, got %d", record.Count)
	}
}

func TestStoreExhaustedCommitWritesNothing(t *testing.T) {
	store := NewStore()
	window := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	charge := testCharge(window)
	charge.Limit = 1

	if err := store.Quotes().Commit(context.Background(), domain.Quote{ID: "q1"}, charge); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Quotes().Commit(context.Background(), domain.Quote{ID: "q2"}, charge); !repositories.IsWindowExhausted(err) {
		t.Fatalf("expected window exhausted, got %v", err)
	}
	if _, err := store.Quotes().FindByID(context.Background(), "q2"); !repositories.IsNotFound(err) {
		t.Fatalf("expected q2 not stored, got %v", err)
	}

	next := testCharge(window.Add(time.Hour))
	next.Limit = 1
	if err := store.Quotes().Commit(context.Background(), domain.Quote{ID: "q3"}, next); err != nil {
		t.Fatalf("expected new window to reset count, got %v", err)
	}
	record, _ := store.RateLimits().Find(context.Background(), testKey)
	if record.Count != 1 || !record.WindowStart.Equal(window.Add(time.Hour)) {
		t.Fatalf("expected reset record, got %+v", record)
	}
}

func TestStoreStaleChargeNeverRewindsWindow(t *testing.T) {
	store := NewStore()
	earlier := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)
	for i := 0; i < 9; i++ {
		if err := store.Quotes().Commit(context.Background(), domain.Quote{ID: fmt.Sprintf("new-%d", i)}, testCharge(later)); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	if err := store.Quotes().Commit(context.Background(), domain.Quote{ID: "stale-1"}, testCharge(earlier)); err != nil {
		t.Fatalf("stale commit: %v", err)
	}
	record, _ := store.RateLimits().Find(context.Background(), testKey)
	if record.Count != 10 || !record.WindowStart.Equal(later) {
		t.Fatalf("expected stale charge counted into the later window, got %+v", record)
	}

	if err := store.Quotes().Commit(context.Background(), domain.Quote{ID: "stale-2"}, testCharge(earlier)); !repositories.IsWindowExhausted(err) {
		t.Fatalf("expected window exhausted, got %v", err)
	}
}

func TestStoreReviewTransitions(t *testing.T) {
	store := NewStore()
	window := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	if err := store.Quotes().Commit(context.Background(), domain.Quote{ID: "q1", Status: domain.QuoteStatusPending}, testCharge(window)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	at := window.Add(2 * time.Hour)
	reviewed, err := store.Quotes().Review(context.Background(), "q1", "staff-1", at)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if reviewed.Status != domain.QuoteStatusReviewed || reviewed.ReviewedBy != "staff-1" || !reviewed.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected reviewed quote %+v", reviewed)
	}
	if _, err := store.Quotes().Review(context.Background(), "q1", "staff-2", at); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict on second review, got %v", err)
	}
	if _, err := store.Quotes().Review(context.Background(), "missing", "staff-1", at); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStorePurgeExpired(t *testing.T) {
	store := NewStore()
	current := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	for i, window := range []time.Time{current.Add(-3 * time.Hour), current.Add(-time.Hour), current} {
		charge := testCharge(window)
		charge.Key = domain.RateLimitKey{Identifier: fmt.Sprintf("198.51.100.%d", i), IdentifierType: domain.IdentifierTypeIP}
		if err := store.Quotes().Commit(context.Background(), domain.Quote{ID: fmt.Sprintf("q%d", i)}, charge); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	purged, err := store.RateLimits().PurgeExpired(context.Background(), current, 1)
	if err != nil || purged != 1 {
		t.Fatalf("expected 1 purged in first batch, got %d (%v)", purged, err)
	}
	if _, err := store.RateLimits().Find(context.Background(), domain.RateLimitKey{Identifier: "198.51.100.0", IdentifierType: domain.IdentifierTypeIP}); !repositories.IsNotFound(err) {
		t.Fatalf("expected oldest window purged first, got %v", err)
	}
	purged, _ = store.RateLimits().PurgeExpired(context.Background(), current, 10)
	if purged != 1 {
		t.Fatalf("expected 1 purged in second batch, got %d", purged)
	}
	if _, err := store.RateLimits().Find(context.Background(), domain.RateLimitKey{Identifier: "198.51.100.2", IdentifierType: domain.IdentifierTypeIP}); err != nil {
		t.Fatalf("expected current window kept, got %v", err)
	}
}

func TestReplayGuardClaim(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	guard := NewReplayGuard(func() time.Time { return now })

	if fresh, _ := guard.Claim(context.Background(), "digest", time.Minute); !fresh {
		t.Fatalf("expected first claim to be fresh")
	}
	if fresh, _ := guard.Claim(context.Background(), "digest", time.Minute); fresh {
		t.Fatalf("expected replay to be detected")
	}
	now = now.Add(2 * time.Minute)
	if fresh, _ := guard.Claim(context.Background(), "digest", time.Minute); !fresh {
		t.Fatalf("expected claim after ttl to be fresh")
	}
}

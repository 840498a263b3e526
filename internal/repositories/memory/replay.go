package memory

import (
	"context"
	"sync"
	"time"

	"github.com/stitchquote/api/internal/repositories"
)

// ReplayGuard remembers token digests until their TTL passes.
type ReplayGuard struct {
	clock func() time.Time
	mu    sync.Mutex
	seen  map[string]time.Time
}

var _ repositories.TokenReplayRepository = (*ReplayGuard)(nil)

// NewReplayGuard builds a guard. A nil clock uses time.Now.
func NewReplayGuard(clock func() time.Time) *ReplayGuard {
	if clock == nil {
		clock = time.Now
	}
	return &ReplayGuard{clock: clock, seen: make(map[string]time.Time)}
}

func (g *ReplayGuard) Claim(_ context.Context, digest string, ttl time.Duration) (bool, error) {
	now := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()

	if expires, ok := g.seen[digest]; ok && now.Before(expires) {
		return false, nil
	}
	g.seen[digest] = now.Add(ttl)
	g.pruneExpiredLocked(now)
	return true, nil
}

func (g *ReplayGuard) pruneExpiredLocked(now time.Time) {
	for digest, expires := range g.seen {
		if !now.Before(expires) {
			delete(g.seen, digest)
		}
	}
}

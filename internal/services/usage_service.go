package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/repositories"
)

const (
	defaultHasherPrefix = "sha256:"
	usageIDPrefix       = "usg_"
)

// UsageLogger defines the logging contract used by the usage writer service.
type UsageLogger interface {
	Warnf(format string, args ...any)
}

// UsageServiceDeps bundles constructor inputs for the usage writer service.
type UsageServiceDeps struct {
	Repository  repositories.UsageRepository
	Publisher   UsageEventPublisher
	Clock       func() time.Time
	Logger      UsageLogger
	HashSalt    string
	IDGenerator func() string
}

// UsageRecord describes one advisory call attempt before it is normalised into an event.
type UsageRecord struct {
	SessionID        string
	ClientIdentifier string
	Outcome          AdvisoryOutcome
	OccurredAt       time.Time
}

type usageService struct {
	repo      repositories.UsageRepository
	publisher UsageEventPublisher
	clock     func() time.Time
	logger    UsageLogger
	hashSalt  string
	newID     func() string
}

// NewUsageService creates a usage writer backed by the supplied repository and optional publisher.
func NewUsageService(deps UsageServiceDeps) (UsageService, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("usage service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopUsageLogger{}
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string {
			return usageIDPrefix + ulid.Make().String()
		}
	}

	return &usageService{
		repo:      deps.Repository,
		publisher: deps.Publisher,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
		hashSalt:  deps.HashSalt,
		newID:     newID,
	}, nil
}

// Record persists and publishes a usage event. Failures are logged but never returned, so
// accounting problems cannot fail a quote.
func (s *usageService) Record(ctx context.Context, record UsageRecord) {
	event := s.buildEvent(record)
	if err := s.repo.Append(ctx, event); err != nil {
		s.logger.Warnf("usage event append failed: %v", err)
	}
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.PublishUsageEvent(ctx, UsageEventMessage{
		EventID:      event.ID,
		SessionID:    event.SessionID,
		ClientHash:   event.ClientHash,
		Provider:     event.Provider,
		Model:        event.Model,
		Outcome:      event.Outcome,
		InputTokens:  event.InputTokens,
		OutputTokens: event.OutputTokens,
		LatencyMS:    event.Latency.Milliseconds(),
		OccurredAt:   event.OccurredAt,
	}); err != nil {
		s.logger.Warnf("usage event publish failed: %v", err)
	}
}

func (s *usageService) buildEvent(record UsageRecord) domain.AdvisoryUsageEvent {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock()
	}
	event := domain.AdvisoryUsageEvent{
		ID:           s.newID(),
		SessionID:    sanitizeText(record.SessionID, 128),
		Provider:     sanitizeText(record.Outcome.Provider, 64),
		Model:        sanitizeText(record.Outcome.Model, 128),
		Outcome:      record.Outcome.Outcome,
		InputTokens:  nonNegative(record.Outcome.InputTokens),
		OutputTokens: nonNegative(record.Outcome.OutputTokens),
		Latency:      record.Outcome.Latency,
		OccurredAt:   occurred.UTC(),
	}
	if event.Outcome == "" {
		event.Outcome = domain.AdvisoryOutcomeError
	}
	if id := strings.TrimSpace(record.ClientIdentifier); id != "" {
		event.ClientHash = defaultHasherPrefix + s.hashString(id)
	}
	return event
}

func (s *usageService) hashString(value string) string {
	sum := sha256.Sum256([]byte(s.hashSalt + value))
	return hex.EncodeToString(sum[:])
}

type noopUsageLogger struct{}

func (noopUsageLogger) Warnf(string, ...any) {}

func nonNegative(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

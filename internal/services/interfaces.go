package services

import (
	"context"
	"time"

	domain "github.com/stitchquote/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Quote              = domain.Quote
	QuoteRequest       = domain.QuoteRequest
	QuoteResult        = domain.QuoteResult
	PriceBaseline      = domain.PriceBaseline
	SystemHealthReport = domain.SystemHealthReport
)

// PricingEngine computes the authoritative price baseline. Implementations must be pure.
type PricingEngine interface {
	Price(input PricingInput) (domain.PriceBaseline, error)
}

// SecurityGate decides whether a request may proceed to costed work.
type SecurityGate interface {
	Admit(ctx context.Context, req AdmissionRequest) (Admission, error)
}

// AdvisoryGateway obtains best-effort narrative for a quote. It never returns an error;
// failures are reported through AdvisoryOutcome.Available.
type AdvisoryGateway interface {
	Enrich(ctx context.Context, input AdvisoryInput) AdvisoryOutcome
}

// QuoteReconciler merges advisory narrative with the baseline. It must be total.
type QuoteReconciler interface {
	Reconcile(baseline domain.PriceBaseline, outcome AdvisoryOutcome) domain.QuoteResult
}

// UsageService records advisory usage events. Failures are logged, never returned.
type UsageService interface {
	Record(ctx context.Context, record UsageRecord)
}

// QuoteService runs the quote pipeline and exposes stored quotes.
type QuoteService interface {
	Generate(ctx context.Context, cmd GenerateQuoteCommand) (domain.Quote, error)
	Get(ctx context.Context, quoteID string) (domain.Quote, error)
	Review(ctx context.Context, cmd ReviewQuoteCommand) (domain.Quote, error)
	PurgeRateLimits(ctx context.Context) (int, error)
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// HumanVerifier checks a human-presence token with an external verification service.
type HumanVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (HumanVerification, error)
}

// HumanVerification is the verification service verdict.
type HumanVerification struct {
	Success    bool
	Score      float64
	Action     string
	Hostname   string
	ErrorCodes []string
}

// TextGenerator produces free text for a prompt.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (TextCompletion, error)
	Provider() string
	Model() string
}

// TextCompletion is the raw text generation result.
type TextCompletion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// UsageEventPublisher forwards usage events to downstream cost accounting.
type UsageEventPublisher interface {
	PublishUsageEvent(ctx context.Context, message UsageEventMessage) (string, error)
}

// UsageEventMessage is the payload published for each advisory usage event.
type UsageEventMessage struct {
	EventID      string    `json:"eventId"`
	SessionID    string    `json:"sessionId,omitempty"`
	ClientHash   string    `json:"clientHash,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	Outcome      string    `json:"outcome"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	LatencyMS    int64     `json:"latencyMs"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// TranscriptArchive stores advisory transcripts for later review.
type TranscriptArchive interface {
	ArchiveTranscript(ctx context.Context, transcript AdvisoryTranscript) error
}

// AdvisoryTranscript captures one advisory exchange tied to a stored quote.
type AdvisoryTranscript struct {
	QuoteID    string    `json:"quoteId"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	RecordedAt time.Time `json:"recordedAt"`
}

package domain

import "time"

// Advisory call outcomes recorded on usage events.
const (
	AdvisoryOutcomeSuccess   = "success"
	AdvisoryOutcomeError     = "error"
	AdvisoryOutcomeTimeout   = "timeout"
	AdvisoryOutcomeThrottled = "throttled"
	AdvisoryOutcomeDisabled  = "disabled"
	AdvisoryOutcomeEmpty     = "empty"
)

// AdvisoryUsageEvent accounts for a single advisory call attempt.
type AdvisoryUsageEvent struct {
	ID           string
	SessionID    string
	ClientHash   string
	Provider     string
	Model        string
	Outcome      string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	OccurredAt   time.Time
}

package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/repositories"
)

const (
	defaultGateMinScore      = 0.5
	defaultGateLimit         = 10
	defaultGateWindow        = time.Hour
	defaultGateVerifyTimeout = 5 * time.Second
	defaultGateReplayTTL     = 10 * time.Minute

	instrumentationName = "github.com/stitchquote/api/internal/services"
)

var (
	// ErrSecurityRejected is the parent of every human-verification rejection.
	ErrSecurityRejected = errors.New("security gate: rejected")
	// ErrSecurityMissingToken is returned when no human-presence token was supplied.
	ErrSecurityMissingToken = fmt.Errorf("%w: missing verification token", ErrSecurityRejected)
	// ErrSecurityVerificationFailed covers failed, low-score, replayed, or unverifiable tokens.
	ErrSecurityVerificationFailed = fmt.Errorf("%w: verification failed", ErrSecurityRejected)
	// ErrQuoteRateLimited is returned when the client exhausted its quota for the current window.
	ErrQuoteRateLimited = errors.New("quote: rate limited")
	// ErrSecurityUnavailable is returned when the rate limit ledger cannot be read.
	ErrSecurityUnavailable = errors.New("security gate: ledger unavailable")
)

type SecurityGateDeps struct {
	Verifier       HumanVerifier
	Replay         repositories.TokenReplayRepository
	RateLimits     repositories.RateLimitRepository
	MinScore       float64
	Limit          int
	Window         time.Duration
	VerifyTimeout  time.Duration
	ReplayTTL      time.Duration
	ExpectedAction string

	// ExpectedHostname rejects tokens solved on another site when set.
	ExpectedHostname string

	Clock  func() time.Time
	Logger func(context.Context, string, map[string]any)
	Meter  metric.Meter
}

type AdmissionRequest struct {
	Token      string
	RemoteAddr string
}

// Admission is the gate's approval. Charge must be applied when the quote is committed.
type Admission struct {
	Key          domain.RateLimitKey
	WindowStart  time.Time
	Window       time.Duration
	Limit        int
	UsedInWindow int
	Score        float64
}

// Charge builds the rate charge to commit alongside the quote. The window is taken from the
// commit time, which may fall in a later window than the admission did.
func (a Admission) Charge(at time.Time) repositories.RateCharge {
	windowStart := a.WindowStart
	if a.Window > 0 {
		windowStart = at.Truncate(a.Window)
	}
	return repositories.RateCharge{
		Key:         a.Key,
		WindowStart: windowStart,
		Limit:       a.Limit,
		At:          at,
	}
}

type securityGate struct {
	verifier       HumanVerifier
	replay         repositories.TokenReplayRepository
	rateLimits     repositories.RateLimitRepository
	minScore       float64
	limit          int
	window         time.Duration
	verifyTimeout  time.Duration
	replayTTL      time.Duration
	expectedAction string
	expectedHost   string
	clock          func() time.Time
	logger         func(context.Context, string, map[string]any)
	decisions      metric.Int64Counter
}

var _ SecurityGate = (*securityGate)(nil)

// NewSecurityGate builds the human-verification and rate-limit gate. Every failure mode of the
// verification path rejects the request.
func NewSecurityGate(deps SecurityGateDeps) (SecurityGate, error) {
	if deps.Verifier == nil {
		return nil, errors.New("security gate: verifier is required")
	}
	if deps.Replay == nil {
		return nil, errors.New("security gate: replay repository is required")
	}
	if deps.RateLimits == nil {
		return nil, errors.New("security gate: rate limit repository is required")
	}

	gate := &securityGate{
		verifier:       deps.Verifier,
		replay:         deps.Replay,
		rateLimits:     deps.RateLimits,
		minScore:       deps.MinScore,
		limit:          deps.Limit,
		window:         deps.Window,
		verifyTimeout:  deps.VerifyTimeout,
		replayTTL:      deps.ReplayTTL,
		expectedAction: strings.TrimSpace(deps.ExpectedAction),
		expectedHost:   strings.ToLower(strings.TrimSpace(deps.ExpectedHostname)),
		logger:         deps.Logger,
	}
	if gate.minScore <= 0 {
		gate.minScore = defaultGateMinScore
	}
	if gate.limit <= 0 {
		gate.limit = defaultGateLimit
	}
	if gate.window <= 0 {
		gate.window = defaultGateWindow
	}
	if gate.verifyTimeout <= 0 {
		gate.verifyTimeout = defaultGateVerifyTimeout
	}
	if gate.replayTTL <= 0 {
		gate.replayTTL = defaultGateReplayTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	gate.clock = func() time.Time { return clock().UTC() }
	if gate.logger == nil {
		gate.logger = func(context.Context, string, map[string]any) {}
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	decisions, err := meter.Int64Counter("quote.gate.decisions",
		metric.WithDescription("Security gate decisions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("security gate: create counter: %w", err)
	}
	gate.decisions = decisions

	return gate, nil
}

func (g *securityGate) Admit(ctx context.Context, req AdmissionRequest) (Admission, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		g.record(ctx, "missing_token")
		return Admission{}, ErrSecurityMissingToken
	}

	identifier := ResolveClientIdentifier(req.RemoteAddr)
	key := domain.RateLimitKey{Identifier: identifier, IdentifierType: domain.IdentifierTypeIP}

	fresh, err := g.replay.Claim(ctx, tokenDigest(token), g.replayTTL)
	if err != nil {
		g.record(ctx, "replay_unavailable")
		g.logger(ctx, "security.replay_guard_error", map[string]any{"error": err.Error()})
		return Admission{}, fmt.Errorf("%w: replay guard unavailable", ErrSecurityVerificationFailed)
	}
	if !fresh {
		g.record(ctx, "replayed")
		return Admission{}, fmt.Errorf("%w: token already used", ErrSecurityVerificationFailed)
	}

	remoteIP := identifier
	if remoteIP == domain.UnknownClientIdentifier {
		remoteIP = ""
	}
	verifyCtx, cancel := context.WithTimeout(ctx, g.verifyTimeout)
	verdict, err := g.verifier.Verify(verifyCtx, token, remoteIP)
	cancel()
	if err != nil {
		g.record(ctx, "verifier_unavailable")
		g.logger(ctx, "security.verification_error", map[string]any{"error": err.Error()})
		return Admission{}, fmt.Errorf("%w: verification service unavailable", ErrSecurityVerificationFailed)
	}
	if !verdict.Success {
		g.record(ctx, "verification_failed")
		g.logger(ctx, "security.verification_rejected", map[string]any{"errorCodes": verdict.ErrorCodes})
		return Admission{}, ErrSecurityVerificationFailed
	}
	if verdict.Score < g.minScore {
		g.record(ctx, "low_score")
		g.logger(ctx, "security.low_score", map[string]any{"score": verdict.Score})
		return Admission{}, fmt.Errorf("%w: score below threshold", ErrSecurityVerificationFailed)
	}
	if g.expectedAction != "" && verdict.Action != g.expectedAction {
		g.record(ctx, "action_mismatch")
		return Admission{}, fmt.Errorf("%w: unexpected action", ErrSecurityVerificationFailed)
	}
	if g.expectedHost != "" && !strings.EqualFold(verdict.Hostname, g.expectedHost) {
		g.record(ctx, "hostname_mismatch")
		return Admission{}, fmt.Errorf("%w: unexpected hostname", ErrSecurityVerificationFailed)
	}

	windowStart := g.clock().Truncate(g.window)
	record, err := g.rateLimits.Find(ctx, key)
	if err != nil && !repositories.IsNotFound(err) {
		g.record(ctx, "ledger_unavailable")
		return Admission{}, fmt.Errorf("%w: %v", ErrSecurityUnavailable, err)
	}
	used := record.CountIn(windowStart)
	if used >= g.limit {
		g.record(ctx, "rate_limited")
		return Admission{}, ErrQuoteRateLimited
	}

	g.record(ctx, "admitted")
	return Admission{
		Key:          key,
		WindowStart:  windowStart,
		Window:       g.window,
		Limit:        g.limit,
		UsedInWindow: used,
		Score:        verdict.Score,
	}, nil
}

func (g *securityGate) record(ctx context.Context, outcome string) {
	g.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ResolveClientIdentifier derives the rate-limit identifier from a network origin. Unresolvable
// origins share the "unknown" bucket so anonymised traffic is throttled collectively.
func ResolveClientIdentifier(remoteAddr string) string {
	addr := strings.TrimSpace(remoteAddr)
	if addr == "" {
		return domain.UnknownClientIdentifier
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.Trim(addr, "[]")
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return domain.UnknownClientIdentifier
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

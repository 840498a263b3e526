package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/repositories"
)

const (
	defaultMinimumOrder   = 50
	maxOrderQuantity      = 1_000_000
	defaultCommitTimeout  = 10 * time.Second
	defaultArchiveTimeout = 10 * time.Second
	defaultUsageTimeout   = 2 * time.Second
	defaultPurgeBatch     = 500

	maxProductTypeLength  = 80
	maxFabricTypeLength   = 80
	maxCustomerNameLength = 120
	maxCountryLength      = 80
	maxPhoneLength        = 40
	maxRequirementsLength = 2000
	maxSessionIDLength    = 128
	maxEmailLength        = 254
	maxReviewerLength     = 128
)

var (
	// ErrQuoteInvalidInput indicates the request failed validation before any costed work.
	ErrQuoteInvalidInput = errors.New("quote: invalid input")
	// ErrQuoteNotFound indicates the quote does not exist.
	ErrQuoteNotFound = errors.New("quote: not found")
	// ErrQuoteConflict indicates the quote is not in a state that allows the transition.
	ErrQuoteConflict = errors.New("quote: conflict")
	// ErrQuotePersistence indicates the quote could not be stored. Nothing was saved.
	ErrQuotePersistence = errors.New("quote: persistence failed")
)

// GenerateQuoteCommand carries a customer submission and its network origin.
type GenerateQuoteCommand struct {
	Request    domain.QuoteRequest
	RemoteAddr string
}

// ReviewQuoteCommand marks a stored quote as reviewed by a staff member.
type ReviewQuoteCommand struct {
	QuoteID  string
	Reviewer string
}

// QuoteServiceDeps bundles collaborators required by the quote pipeline.
type QuoteServiceDeps struct {
	Pricing    PricingEngine
	Gate       SecurityGate
	Advisory   AdvisoryGateway
	Reconciler QuoteReconciler
	Quotes     repositories.QuoteRepository
	RateLimits repositories.RateLimitRepository

	// Usage and Archive are optional.
	Usage   UsageService
	Archive TranscriptArchive

	MinimumOrder   int
	Window         time.Duration
	PurgeBatch     int
	CommitTimeout  time.Duration
	ArchiveTimeout time.Duration
	UsageTimeout   time.Duration

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type quoteService struct {
	pricing        PricingEngine
	gate           SecurityGate
	advisory       AdvisoryGateway
	reconciler     QuoteReconciler
	quotes         repositories.QuoteRepository
	rateLimits     repositories.RateLimitRepository
	usage          UsageService
	archive        TranscriptArchive
	minimumOrder   int
	window         time.Duration
	purgeBatch     int
	commitTimeout  time.Duration
	archiveTimeout time.Duration
	usageTimeout   time.Duration
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

var _ QuoteService = (*quoteService)(nil)

// NewQuoteService wires the quote pipeline.
func NewQuoteService(deps QuoteServiceDeps) (QuoteService, error) {
	switch {
	case deps.Pricing == nil:
		return nil, errors.New("quote service: pricing engine is required")
	case deps.Gate == nil:
		return nil, errors.New("quote service: security gate is required")
	case deps.Advisory == nil:
		return nil, errors.New("quote service: advisory gateway is required")
	case deps.Reconciler == nil:
		return nil, errors.New("quote service: reconciler is required")
	case deps.Quotes == nil:
		return nil, errors.New("quote service: quote repository is required")
	case deps.RateLimits == nil:
		return nil, errors.New("quote service: rate limit repository is required")
	}

	svc := &quoteService{
		pricing:        deps.Pricing,
		gate:           deps.Gate,
		advisory:       deps.Advisory,
		reconciler:     deps.Reconciler,
		quotes:         deps.Quotes,
		rateLimits:     deps.RateLimits,
		usage:          deps.Usage,
		archive:        deps.Archive,
		minimumOrder:   deps.MinimumOrder,
		window:         deps.Window,
		purgeBatch:     deps.PurgeBatch,
		commitTimeout:  deps.CommitTimeout,
		archiveTimeout: deps.ArchiveTimeout,
		usageTimeout:   deps.UsageTimeout,
		newID:          deps.IDGenerator,
		logger:         deps.Logger,
	}
	if svc.minimumOrder <= 0 {
		svc.minimumOrder = defaultMinimumOrder
	}
	if svc.window <= 0 {
		svc.window = defaultGateWindow
	}
	if svc.purgeBatch <= 0 {
		svc.purgeBatch = defaultPurgeBatch
	}
	if svc.commitTimeout <= 0 {
		svc.commitTimeout = defaultCommitTimeout
	}
	if svc.archiveTimeout <= 0 {
		svc.archiveTimeout = defaultArchiveTimeout
	}
	if svc.usageTimeout <= 0 {
		svc.usageTimeout = defaultUsageTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc.clock = func() time.Time { return clock().UTC() }
	if svc.newID == nil {
		svc.newID = func() string { return ulid.Make().String() }
	}
	if svc.logger == nil {
		svc.logger = func(context.Context, string, map[string]any) {}
	}
	return svc, nil
}

// Generate runs gate, pricing, advisory, reconciliation and commit in that order. Rejections
// happen before any costed work, and nothing is persisted unless the whole quote commits.
func (s *quoteService) Generate(ctx context.Context, cmd GenerateQuoteCommand) (domain.Quote, error) {
	token := strings.TrimSpace(cmd.Request.CaptchaToken)
	if token == "" {
		return domain.Quote{}, ErrSecurityMissingToken
	}

	req, err := s.normalizeRequest(cmd.Request)
	if err != nil {
		return domain.Quote{}, err
	}

	admission, err := s.gate.Admit(ctx, AdmissionRequest{Token: token, RemoteAddr: cmd.RemoteAddr})
	if err != nil {
		return domain.Quote{}, err
	}

	baseline, err := s.pricing.Price(PricingInput{
		ProductType: req.ProductType,
		Quantity:    req.Quantity,
		FabricType:  req.FabricType,
		Complexity:  req.Complexity,
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%w: %v", ErrQuoteInvalidInput, err)
	}

	outcome := s.advisory.Enrich(ctx, AdvisoryInput{
		ProductType:  req.ProductType,
		Quantity:     req.Quantity,
		FabricType:   req.FabricType,
		Complexity:   req.Complexity,
		Requirements: req.AdditionalRequirements,
	})
	s.recordUsage(ctx, req.SessionID, admission.Key.Identifier, outcome)

	result := s.reconciler.Reconcile(baseline, outcome)
	if result.AdvisoryStatus == domain.AdvisoryDegraded {
		s.logger(ctx, "quote.parse_degraded", map[string]any{
			"model":         outcome.Model,
			"responseBytes": len(outcome.Text),
		})
	}

	now := s.clock()
	quote := domain.Quote{
		ID:        s.newID(),
		Request:   req,
		Result:    result,
		Status:    domain.QuoteStatusPending,
		ClientKey: admission.Key,
		CreatedAt: now,
		UpdatedAt: now,
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancel()
	if err := s.quotes.Commit(commitCtx, quote, admission.Charge(now)); err != nil {
		if repositories.IsWindowExhausted(err) {
			return domain.Quote{}, ErrQuoteRateLimited
		}
		s.logger(ctx, "quote.commit_failed", map[string]any{"quoteId": quote.ID, "error": err.Error()})
		return domain.Quote{}, fmt.Errorf("%w: %v", ErrQuotePersistence, err)
	}

	s.archiveTranscript(ctx, quote.ID, outcome)
	return quote, nil
}

// recordUsage runs on its own deadline so a slow store or topic cannot hold the quote back.
func (s *quoteService) recordUsage(ctx context.Context, sessionID, clientIdentifier string, outcome AdvisoryOutcome) {
	if s.usage == nil {
		return
	}
	usageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.usageTimeout)
	defer cancel()
	s.usage.Record(usageCtx, UsageRecord{
		SessionID:        sessionID,
		ClientIdentifier: clientIdentifier,
		Outcome:          outcome,
	})
}

func (s *quoteService) archiveTranscript(ctx context.Context, quoteID string, outcome AdvisoryOutcome) {
	if s.archive == nil || !outcome.Available {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.archiveTimeout)
	defer cancel()
	err := s.archive.ArchiveTranscript(archiveCtx, AdvisoryTranscript{
		QuoteID:    quoteID,
		Provider:   outcome.Provider,
		Model:      outcome.Model,
		Prompt:     outcome.Prompt,
		Response:   outcome.Text,
		RecordedAt: s.clock(),
	})
	if err != nil {
		s.logger(ctx, "quote.transcript_archive_failed", map[string]any{"quoteId": quoteID, "error": err.Error()})
	}
}

func (s *quoteService) Get(ctx context.Context, quoteID string) (domain.Quote, error) {
	quoteID = strings.TrimSpace(quoteID)
	if quoteID == "" {
		return domain.Quote{}, fmt.Errorf("%w: quote id is required", ErrQuoteInvalidInput)
	}
	quote, err := s.quotes.FindByID(ctx, quoteID)
	if err != nil {
		return domain.Quote{}, s.translateRepoError(err)
	}
	return quote, nil
}

func (s *quoteService) Review(ctx context.Context, cmd ReviewQuoteCommand) (domain.Quote, error) {
	quoteID := strings.TrimSpace(cmd.QuoteID)
	reviewer := strings.TrimSpace(cmd.Reviewer)
	if quoteID == "" {
		return domain.Quote{}, fmt.Errorf("%w: quote id is required", ErrQuoteInvalidInput)
	}
	if reviewer == "" {
		return domain.Quote{}, fmt.Errorf("%w: reviewer is required", ErrQuoteInvalidInput)
	}
	if utf8.RuneCountInString(reviewer) > maxReviewerLength {
		return domain.Quote{}, fmt.Errorf("%w: reviewer is too long", ErrQuoteInvalidInput)
	}

	quote, err := s.quotes.Review(ctx, quoteID, reviewer, s.clock())
	if err != nil {
		return domain.Quote{}, s.translateRepoError(err)
	}
	return quote, nil
}

// PurgeRateLimits removes rate limit records from windows that have already closed.
func (s *quoteService) PurgeRateLimits(ctx context.Context) (int, error) {
	current := s.clock().Truncate(s.window)
	purged, err := s.rateLimits.PurgeExpired(ctx, current, s.purgeBatch)
	if err != nil {
		return purged, fmt.Errorf("quote: purge rate limits: %w", err)
	}
	return purged, nil
}

func (s *quoteService) translateRepoError(err error) error {
	switch {
	case repositories.IsNotFound(err):
		return ErrQuoteNotFound
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrQuoteConflict, err)
	default:
		return err
	}
}

// normalizeRequest trims and validates the submission. The captcha token is dropped from the
// returned request because it is never persisted.
func (s *quoteService) normalizeRequest(in domain.QuoteRequest) (domain.QuoteRequest, error) {
	out := domain.QuoteRequest{
		ProductType:            strings.TrimSpace(in.ProductType),
		Quantity:               in.Quantity,
		FabricType:             strings.TrimSpace(in.FabricType),
		AdditionalRequirements: strings.TrimSpace(in.AdditionalRequirements),
		CustomerEmail:          strings.TrimSpace(in.CustomerEmail),
		CustomerName:           strings.TrimSpace(in.CustomerName),
		Country:                strings.TrimSpace(in.Country),
		PhoneNumber:            strings.TrimSpace(in.PhoneNumber),
		SessionID:              strings.TrimSpace(in.SessionID),
	}

	if out.ProductType == "" {
		return domain.QuoteRequest{}, fmt.Errorf("%w: productType is required", ErrQuoteInvalidInput)
	}
	if out.Quantity < s.minimumOrder {
		return domain.QuoteRequest{}, fmt.Errorf("%w: quantity must be at least %d", ErrQuoteInvalidInput, s.minimumOrder)
	}
	if out.Quantity > maxOrderQuantity {
		return domain.QuoteRequest{}, fmt.Errorf("%w: quantity must not exceed %d", ErrQuoteInvalidInput, maxOrderQuantity)
	}

	complexity, err := parseComplexity(string(in.Complexity))
	if err != nil {
		return domain.QuoteRequest{}, err
	}
	out.Complexity = complexity

	if out.CustomerName == "" {
		return domain.QuoteRequest{}, fmt.Errorf("%w: customerName is required", ErrQuoteInvalidInput)
	}
	if out.CustomerEmail == "" {
		return domain.QuoteRequest{}, fmt.Errorf("%w: customerEmail is required", ErrQuoteInvalidInput)
	}
	if len(out.CustomerEmail) > maxEmailLength {
		return domain.QuoteRequest{}, fmt.Errorf("%w: customerEmail is too long", ErrQuoteInvalidInput)
	}
	if addr, err := mail.ParseAddress(out.CustomerEmail); err != nil || addr.Address != out.CustomerEmail {
		return domain.QuoteRequest{}, fmt.Errorf("%w: customerEmail is not a valid address", ErrQuoteInvalidInput)
	}

	limits := []struct {
		name  string
		value string
		max   int
	}{
		{"productType", out.ProductType, maxProductTypeLength},
		{"fabricType", out.FabricType, maxFabricTypeLength},
		{"customerName", out.CustomerName, maxCustomerNameLength},
		{"country", out.Country, maxCountryLength},
		{"phoneNumber", out.PhoneNumber, maxPhoneLength},
		{"additionalRequirements", out.AdditionalRequirements, maxRequirementsLength},
		{"sessionId", out.SessionID, maxSessionIDLength},
	}
	for _, limit := range limits {
		if utf8.RuneCountInString(limit.value) > limit.max {
			return domain.QuoteRequest{}, fmt.Errorf("%w: %s must be at most %d characters", ErrQuoteInvalidInput, limit.name, limit.max)
		}
	}
	return out, nil
}

func parseComplexity(raw string) (domain.Complexity, error) {
	value := domain.Complexity(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case "":
		return "", fmt.Errorf("%w: complexity is required", ErrQuoteInvalidInput)
	case domain.ComplexitySimple, domain.ComplexityMedium, domain.ComplexityComplex:
		return value, nil
	default:
		return "", fmt.Errorf("%w: complexity must be one of simple, medium, complex", ErrQuoteInvalidInput)
	}
}

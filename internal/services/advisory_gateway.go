package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	domain "github.com/stitchquote/api/internal/domain"
)

const (
	defaultAdvisoryTimeout = 8 * time.Second
	maxPromptRequirements  = 2000
)

type AdvisoryGatewayDeps struct {
	// Generator may be nil, in which case every call reports the advisory as disabled.
	Generator TextGenerator
	Rules     *domain.PricingRuleSet
	Timeout   time.Duration
	Limiter   *rate.Limiter
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
	Meter     metric.Meter
	Tracer    trace.Tracer
}

type AdvisoryInput struct {
	ProductType  string
	Quantity     int
	FabricType   string
	Complexity   domain.Complexity
	Requirements string
}

// AdvisoryOutcome is either Available with Text, or unavailable with Outcome naming the reason.
type AdvisoryOutcome struct {
	Available    bool
	Text         string
	Prompt       string
	Provider     string
	Model        string
	Outcome      string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// UnavailableAdvisory builds the outcome used when no advisory text could be obtained.
func UnavailableAdvisory(reason string) AdvisoryOutcome {
	return AdvisoryOutcome{Outcome: reason}
}

type advisoryGateway struct {
	generator TextGenerator
	rules     *domain.PricingRuleSet
	timeout   time.Duration
	limiter   *rate.Limiter
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
	calls     metric.Int64Counter
	latency   metric.Float64Histogram
	tracer    trace.Tracer
}

var _ AdvisoryGateway = (*advisoryGateway)(nil)

func NewAdvisoryGateway(deps AdvisoryGatewayDeps) (AdvisoryGateway, error) {
	if deps.Rules == nil {
		return nil, errors.New("advisory gateway: rule set is required")
	}
	gateway := &advisoryGateway{
		generator: deps.Generator,
		rules:     deps.Rules,
		timeout:   deps.Timeout,
		limiter:   deps.Limiter,
		clock:     deps.Clock,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
	}
	if gateway.timeout <= 0 {
		gateway.timeout = defaultAdvisoryTimeout
	}
	if gateway.clock == nil {
		gateway.clock = time.Now
	}
	if gateway.logger == nil {
		gateway.logger = func(context.Context, string, map[string]any) {}
	}
	if gateway.tracer == nil {
		gateway.tracer = otel.Tracer(instrumentationName)
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var err error
	if gateway.calls, err = meter.Int64Counter("quote.advisory.calls",
		metric.WithDescription("Advisory calls by outcome")); err != nil {
		return nil, fmt.Errorf("advisory gateway: create counter: %w", err)
	}
	if gateway.latency, err = meter.Float64Histogram("quote.advisory.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Advisory call latency")); err != nil {
		return nil, fmt.Errorf("advisory gateway: create histogram: %w", err)
	}
	return gateway, nil
}

// Enrich makes at most one bounded call to the text generator. It never retries.
func (g *advisoryGateway) Enrich(ctx context.Context, input AdvisoryInput) AdvisoryOutcome {
	if g.generator == nil {
		return g.finish(ctx, UnavailableAdvisory(domain.AdvisoryOutcomeDisabled))
	}

	outcome := AdvisoryOutcome{
		Prompt:   BuildAdvisoryPrompt(g.rules, input),
		Provider: g.generator.Provider(),
		Model:    g.generator.Model(),
	}
	if g.limiter != nil && !g.limiter.Allow() {
		outcome.Outcome = domain.AdvisoryOutcomeThrottled
		return g.finish(ctx, outcome)
	}

	ctx, span := g.tracer.Start(ctx, "advisory.generate",
		trace.WithAttributes(attribute.String("advisory.model", outcome.Model)))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	started := g.clock()
	completion, err := g.generator.Generate(callCtx, outcome.Prompt)
	outcome.Latency = g.clock().Sub(started)

	switch {
	case err != nil:
		outcome.Outcome = domain.AdvisoryOutcomeError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome.Outcome = domain.AdvisoryOutcomeTimeout
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome.Outcome)
		g.logger(ctx, "advisory.unavailable", map[string]any{
			"outcome": outcome.Outcome,
			"error":   err.Error(),
		})
	case strings.TrimSpace(completion.Text) == "":
		outcome.Outcome = domain.AdvisoryOutcomeEmpty
	default:
		outcome.Available = true
		outcome.Outcome = domain.AdvisoryOutcomeSuccess
		outcome.Text = completion.Text
	}
	if completion.Model != "" {
		outcome.Model = completion.Model
	}
	outcome.InputTokens = completion.InputTokens
	outcome.OutputTokens = completion.OutputTokens

	g.latency.Record(ctx, float64(outcome.Latency.Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome.Outcome)))
	return g.finish(ctx, outcome)
}

func (g *advisoryGateway) finish(ctx context.Context, outcome AdvisoryOutcome) AdvisoryOutcome {
	g.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.Outcome)))
	return outcome
}

// BuildAdvisoryPrompt renders the instruction prompt. It embeds the same rule tables the pricing
// engine uses so the narrative reasons about the same figures.
func BuildAdvisoryPrompt(rules *domain.PricingRuleSet, input AdvisoryInput) string {
	var b strings.Builder

	b.WriteString("You are a senior apparel manufacturing cost analyst. Write a short quote narrative ")
	b.WriteString("for the order below using the pricing rules provided. Prices are in ")
	b.WriteString(rules.Currency)
	b.WriteString(".\n\n")

	b.WriteString("ORDER\n")
	fmt.Fprintf(&b, "- Product type: %s\n", promptValue(input.ProductType))
	fmt.Fprintf(&b, "- Quantity: %d units\n", input.Quantity)
	fmt.Fprintf(&b, "- Fabric: %s\n", promptValue(input.FabricType))
	fmt.Fprintf(&b, "- Complexity: %s\n", promptValue(string(input.Complexity)))
	requirements := truncateRunes(strings.TrimSpace(input.Requirements), maxPromptRequirements)
	fmt.Fprintf(&b, "- Additional requirements: %s\n\n", promptValue(requirements))

	b.WriteString("BASE UNIT COST RANGES\n")
	for _, product := range rules.Products {
		fmt.Fprintf(&b, "- %s: %s to %s\n", product.Name, formatMinorUnits(product.Range.Min), formatMinorUnits(product.Range.Max))
	}
	fmt.Fprintf(&b, "- Other products: %s to %s\n\n", formatMinorUnits(rules.DefaultRange.Min), formatMinorUnits(rules.DefaultRange.Max))

	b.WriteString("FABRIC ADJUSTMENTS (added per unit)\n")
	for _, fabric := range rules.Fabrics {
		fmt.Fprintf(&b, "- %s: +%s\n", fabric.Keyword, formatMinorUnits(fabric.Modifier))
	}
	b.WriteString("\nCOMPLEXITY MULTIPLIERS\n")
	for _, level := range []domain.Complexity{domain.ComplexitySimple, domain.ComplexityMedium, domain.ComplexityComplex} {
		fmt.Fprintf(&b, "- %s: x%s\n", level, decimal.NewFromFloat(rules.Complexity[level]).String())
	}

	b.WriteString("\nVOLUME DISCOUNTS\n")
	for i, tier := range rules.Discounts {
		if i+1 < len(rules.Discounts) {
			fmt.Fprintf(&b, "- %d-%d units: %d%%\n", tier.MinQuantity, rules.Discounts[i+1].MinQuantity-1, tier.Percent)
			continue
		}
		fmt.Fprintf(&b, "- %d+ units: %d%%\n", tier.MinQuantity, tier.Percent)
	}

	b.WriteString("\nLEAD TIMES\n")
	for _, tier := range rules.LeadTimes {
		if tier.MaxQuantity == 0 {
			fmt.Fprintf(&b, "- larger orders: %d-%d days\n", tier.MinDays, tier.MaxDays)
			continue
		}
		fmt.Fprintf(&b, "- up to %d units: %d-%d days\n", tier.MaxQuantity, tier.MinDays, tier.MaxDays)
	}

	w := rules.Weights
	fmt.Fprintf(&b, "\nCOST SPLIT: materials %d%%, labor %d%%, overhead %d%%, margin %d%%\n\n", w.Materials, w.Labor, w.Overhead, w.Margin)

	b.WriteString("Reply in plain text using exactly these labels:\n")
	b.WriteString("UNIT PRICE: <amount>\n")
	b.WriteString("TOTAL PRICE: <amount>\n")
	b.WriteString("LEAD TIME: <min>-<max> days\n")
	b.WriteString("CONFIDENCE: <0-100>%\n")
	b.WriteString("BREAKDOWN:\n- Materials: <amount>\n- Labor: <amount>\n- Overhead: <amount>\n- Margin: <amount>\n")
	b.WriteString("JUSTIFICATION: <one paragraph>\n")
	b.WriteString("COMPARABLE PRODUCTS:\n1. <name>: <short description>\n(at most three)\n")
	b.WriteString("SUGGESTIONS:\n- <cost or lead time suggestion>\n")
	return b.String()
}

func promptValue(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	if value == "" {
		return "not specified"
	}
	return value
}

func formatMinorUnits(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

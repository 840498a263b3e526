package services

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	domain "github.com/stitchquote/api/internal/domain"
)

const (
	// DegradedConfidence is used when no usable advisory text was obtained.
	DegradedConfidence = 75
	// EnrichedConfidence is used when advisory text was parsed but stated no usable confidence.
	EnrichedConfidence = 85

	minConfidence          = 50
	maxConfidence          = 95
	implausiblePenalty     = 10
	maxComparableProducts  = 3
	maxSuggestions         = 5
	maxJustificationLength = 1500
	maxNarrativeItemLength = 300
	maxComparableNameLen   = 120
	maxAdvisoryTextLength  = 20000
	// Figures beyond this many minor units are treated as garbage.
	maxParsedMinorUnits = int64(1_000_000_000_000)
)

// Field names reported in QuoteResult.DiscardedFields.
const (
	fieldUnitPrice  = "unitPrice"
	fieldTotalPrice = "totalPrice"
	fieldLeadTime   = "leadTime"
	fieldConfidence = "confidenceScore"
	fieldBreakdown  = "priceBreakdown"
)

// moneyPattern follows a field label. A dash followed by whitespace is a separator ("UNIT PRICE - $6.21");
// a minus counts as a sign only when it touches the currency symbol or the digits.
const moneyPattern = `(?:\*\*)?\s*(?:\([^)\n]*\))?\s*(?:\*\*)?\s*(?:[:=]\s*)?(?:-\s+)?(?:\*\*)?\s*(-)?(?:USD|US\$|\$)?\s*(-)?(\d[\d,]*(?:\.\d+)?)`

var (
	unitPricePattern  = regexp.MustCompile(`(?i)unit\s*(?:price|cost)` + moneyPattern)
	totalPricePattern = regexp.MustCompile(`(?i)total\s*(?:order\s*)?(?:price|cost)` + moneyPattern)
	materialsPattern  = regexp.MustCompile(`(?im)^[\s\-*\x{2022}]*materials?` + moneyPattern)
	laborPattern      = regexp.MustCompile(`(?im)^[\s\-*\x{2022}]*labou?r` + moneyPattern)
	overheadPattern   = regexp.MustCompile(`(?im)^[\s\-*\x{2022}]*overheads?` + moneyPattern)
	marginPattern     = regexp.MustCompile(`(?im)^[\s\-*\x{2022}]*(?:margin|profit)` + moneyPattern)
	leadTimePattern   = regexp.MustCompile(`(?i)lead\s*time[^\n\d]*?(-?\d{1,4})\s*(?:-|to|\x{2013}|\x{2014})\s*(-?\d{1,4})`)
	confidencePattern = regexp.MustCompile(`(?i)confidence(?:\s*(?:score|level))?[^\n\d\-]*(-?\d{1,4}(?:\.\d+)?)`)

	sectionPattern = regexp.MustCompile(`(?i)^\s*(?:#+\s*)?(?:\*\*)?\s*(unit price|total price|lead time|confidence(?: score)?|(?:price |cost )?breakdown|(?:price )?justification|comparable products?|comparables|suggestions?|recommendations)\s*(?:\*\*)?\s*:?\s*(?:\*\*)?\s*(.*)$`)
	bulletPattern  = regexp.MustCompile(`^\s*(?:[-*\x{2022}]|\d{1,2}[.)])\s*`)
)

// fieldResult is the per-field extraction outcome: Extracted(value) when found, NotFound otherwise.
type fieldResult[T any] struct {
	value T
	found bool
}

func extracted[T any](value T) fieldResult[T] { return fieldResult[T]{value: value, found: true} }

type advisoryExtraction struct {
	unitPrice     fieldResult[int64]
	totalPrice    fieldResult[int64]
	leadTime      fieldResult[domain.LeadTime]
	confidence    fieldResult[int]
	materials     fieldResult[int64]
	labor         fieldResult[int64]
	overhead      fieldResult[int64]
	margin        fieldResult[int64]
	justification fieldResult[string]
	comparables   fieldResult[[]domain.ComparableProduct]
	suggestions   fieldResult[[]string]
}

func (e advisoryExtraction) empty() bool {
	return !e.unitPrice.found && !e.totalPrice.found && !e.leadTime.found && !e.confidence.found &&
		!e.materials.found && !e.labor.found && !e.overhead.found && !e.margin.found &&
		!e.justification.found && !e.comparables.found && !e.suggestions.found
}

type quoteReconciler struct {
	policy *bluemonday.Policy
}

var _ QuoteReconciler = (*quoteReconciler)(nil)

// NewQuoteReconciler builds the parser that merges advisory text into a baseline quote.
func NewQuoteReconciler() QuoteReconciler {
	return &quoteReconciler{policy: bluemonday.StrictPolicy()}
}

// Reconcile never fails. Numeric fields always come from the baseline; the advisory text only
// supplies narrative, and its plausible figures are kept for review and feed the confidence score.
func (r *quoteReconciler) Reconcile(baseline domain.PriceBaseline, outcome AdvisoryOutcome) (result domain.QuoteResult) {
	result = baselineResult(baseline)
	if !outcome.Available {
		return result
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result = baselineResult(baseline)
			result.AdvisoryStatus = domain.AdvisoryDegraded
		}
	}()

	extraction := r.extract(outcome.Text)
	if extraction.empty() {
		result.AdvisoryStatus = domain.AdvisoryDegraded
		return result
	}

	result.AdvisoryStatus = domain.AdvisoryEnriched
	penalty := 0
	discard := func(field string, penalised bool) {
		result.DiscardedFields = append(result.DiscardedFields, field)
		if penalised {
			penalty += implausiblePenalty
		}
	}

	if extraction.unitPrice.found {
		if plausibleAmount(extraction.unitPrice.value, baseline.UnitPrice) {
			value := extraction.unitPrice.value
			result.AdvisoryFigures.UnitPrice = &value
		} else {
			discard(fieldUnitPrice, true)
		}
	}
	if extraction.totalPrice.found {
		if plausibleAmount(extraction.totalPrice.value, baseline.TotalPrice) {
			value := extraction.totalPrice.value
			result.AdvisoryFigures.TotalPrice = &value
		} else {
			discard(fieldTotalPrice, true)
		}
	}
	if extraction.leadTime.found {
		lead := extraction.leadTime.value
		if lead.MaxDays >= lead.MinDays &&
			plausibleAmount(int64(lead.MinDays), int64(baseline.LeadTime.MinDays)) &&
			plausibleAmount(int64(lead.MaxDays), int64(baseline.LeadTime.MaxDays)) {
			result.AdvisoryFigures.LeadTime = &lead
		} else {
			discard(fieldLeadTime, true)
		}
	}
	if breakdown, found, plausible := reconcileBreakdown(extraction, baseline.Breakdown); found {
		if plausible {
			result.AdvisoryFigures.Breakdown = &breakdown
		} else {
			discard(fieldBreakdown, true)
		}
	}

	confidence := EnrichedConfidence
	if extraction.confidence.found {
		value := extraction.confidence.value
		if value <= 100 && plausibleAmount(int64(value), EnrichedConfidence) {
			result.AdvisoryFigures.Confidence = &value
			confidence = value
		} else {
			discard(fieldConfidence, false)
		}
	}
	result.ConfidenceScore = clampInt(confidence-penalty, minConfidence, maxConfidence)

	if extraction.justification.found {
		result.Justification = extraction.justification.value
	}
	if extraction.comparables.found {
		result.ComparableProducts = extraction.comparables.value
	}
	if extraction.suggestions.found {
		result.Suggestions = extraction.suggestions.value
	}
	return result
}

func (r *quoteReconciler) extract(text string) advisoryExtraction {
	text = norm.NFKC.String(truncateRunes(text, maxAdvisoryTextLength))
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var e advisoryExtraction
	e.unitPrice = matchMoney(unitPricePattern, text)
	e.totalPrice = matchMoney(totalPricePattern, text)
	e.materials = matchMoney(materialsPattern, text)
	e.labor = matchMoney(laborPattern, text)
	e.overhead = matchMoney(overheadPattern, text)
	e.margin = matchMoney(marginPattern, text)

	if m := leadTimePattern.FindStringSubmatch(text); m != nil {
		minDays, minOK := parseSmallInt(m[1])
		maxDays, maxOK := parseSmallInt(m[2])
		if minOK && maxOK {
			e.leadTime = extracted(domain.LeadTime{MinDays: minDays, MaxDays: maxDays})
		}
	}
	if m := confidencePattern.FindStringSubmatch(text); m != nil {
		if value, err := decimal.NewFromString(m[1]); err == nil {
			e.confidence = extracted(int(value.Round(0).IntPart()))
		}
	}

	sections := splitSections(text)
	if justification := r.clean(strings.Join(sections["justification"], " "), maxJustificationLength); justification != "" {
		e.justification = extracted(justification)
	}
	if comparables := r.comparables(sections["comparable"]); len(comparables) > 0 {
		e.comparables = extracted(comparables)
	}
	if suggestions := r.suggestions(sections["suggestions"]); len(suggestions) > 0 {
		e.suggestions = extracted(suggestions)
	}
	return e
}

// splitSections groups lines under the most recent recognised label. Inline text after a
// label belongs to that label.
func splitSections(text string) map[string][]string {
	sections := make(map[string][]string)
	current := ""
	for _, line := range strings.Split(text, "\n") {
		if m := sectionPattern.FindStringSubmatch(line); m != nil {
			current = sectionKey(m[1])
			if rest := strings.TrimSpace(m[2]); rest != "" {
				sections[current] = append(sections[current], rest)
			}
			continue
		}
		if current == "" {
			continue
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			sections[current] = append(sections[current], trimmed)
		}
	}
	return sections
}

func sectionKey(label string) string {
	label = strings.ToLower(label)
	switch {
	case strings.Contains(label, "justification"):
		return "justification"
	case strings.HasPrefix(label, "comparable"):
		return "comparable"
	case strings.HasPrefix(label, "suggestion"), strings.HasPrefix(label, "recommendation"):
		return "suggestions"
	default:
		return label
	}
}

func (r *quoteReconciler) comparables(lines []string) []domain.ComparableProduct {
	var out []domain.ComparableProduct
	for _, line := range lines {
		if len(out) == maxComparableProducts {
			break
		}
		line = bulletPattern.ReplaceAllString(line, "")
		name, description := line, ""
		for _, sep := range []string{":", " - ", " – "} {
			if idx := strings.Index(line, sep); idx > 0 {
				name, description = line[:idx], line[idx+len(sep):]
				break
			}
		}
		name = r.clean(strings.Trim(name, "*_:- "), maxComparableNameLen)
		if name == "" {
			continue
		}
		out = append(out, domain.ComparableProduct{
			Name:        name,
			Description: r.clean(description, maxNarrativeItemLength),
		})
	}
	return out
}

func (r *quoteReconciler) suggestions(lines []string) []string {
	var out []string
	for _, line := range lines {
		if len(out) == maxSuggestions {
			break
		}
		if cleaned := r.clean(bulletPattern.ReplaceAllString(line, ""), maxNarrativeItemLength); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}

// clean strips markup from untrusted narrative and caps its length.
func (r *quoteReconciler) clean(value string, limit int) string {
	value = html.UnescapeString(r.policy.Sanitize(value))
	value = strings.Join(strings.Fields(value), " ")
	return sanitizeText(value, limit)
}

func matchMoney(pattern *regexp.Regexp, text string) fieldResult[int64] {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return fieldResult[int64]{}
	}
	value, err := decimal.NewFromString(strings.ReplaceAll(m[3], ",", ""))
	if err != nil {
		return fieldResult[int64]{}
	}
	cents := value.Shift(2).Round(0)
	if cents.GreaterThan(decimal.NewFromInt(maxParsedMinorUnits)) {
		cents = decimal.NewFromInt(maxParsedMinorUnits)
	}
	amount := cents.IntPart()
	if m[1] != "" || m[2] != "" {
		amount = -amount
	}
	return extracted(amount)
}

func parseSmallInt(raw string) (int, bool) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, false
	}
	return int(value.IntPart()), true
}

func reconcileBreakdown(e advisoryExtraction, baseline domain.PriceBreakdown) (domain.PriceBreakdown, bool, bool) {
	if !e.materials.found && !e.labor.found && !e.overhead.found && !e.margin.found {
		return domain.PriceBreakdown{}, false, false
	}
	if !e.materials.found || !e.labor.found || !e.overhead.found || !e.margin.found {
		return domain.PriceBreakdown{}, true, false
	}
	breakdown := domain.PriceBreakdown{
		Materials: e.materials.value,
		Labor:     e.labor.value,
		Overhead:  e.overhead.value,
		Margin:    e.margin.value,
	}
	plausible := plausibleAmount(breakdown.Materials, baseline.Materials) &&
		plausibleAmount(breakdown.Labor, baseline.Labor) &&
		plausibleAmount(breakdown.Overhead, baseline.Overhead) &&
		plausibleAmount(breakdown.Margin, baseline.Margin)
	return breakdown, true, plausible
}

// plausibleAmount accepts positive values within ±50% of the baseline.
func plausibleAmount(value, baseline int64) bool {
	if value <= 0 || baseline <= 0 {
		return false
	}
	return 2*value >= baseline && 2*value <= 3*baseline
}

func clampInt(value, lo, hi int) int {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

func baselineResult(baseline domain.PriceBaseline) domain.QuoteResult {
	return domain.QuoteResult{
		Currency:              baseline.Currency,
		UnitPrice:             baseline.UnitPrice,
		TotalPrice:            baseline.TotalPrice,
		Breakdown:             baseline.Breakdown,
		LeadTime:              baseline.LeadTime,
		EstimatedDeliveryDays: baseline.EstimatedDeliveryDays,
		ConfidenceScore:       DegradedConfidence,
		Justification:         baselineJustification(baseline),
		ComparableProducts:    []domain.ComparableProduct{},
		Suggestions:           []string{},
		AdvisoryStatus:        domain.AdvisoryUnavailable,
		DiscountPercent:       baseline.DiscountPercent,
		RuleSetVersion:        baseline.RuleSetVersion,
	}
}

func baselineJustification(b domain.PriceBaseline) string {
	var sb strings.Builder
	if b.KnownProduct {
		fmt.Fprintf(&sb, "Base cost for %s is %s %s per unit.", b.ProductType, formatMinorUnits(b.BaseUnitCost), b.Currency)
	} else {
		fmt.Fprintf(&sb, "%s is priced from the standard range with a base cost of %s %s per unit.", productLabel(b.ProductType), formatMinorUnits(b.BaseUnitCost), b.Currency)
	}
	if b.MatchedFabric != "" {
		fmt.Fprintf(&sb, " The %s fabric adds %s per unit.", b.MatchedFabric, formatMinorUnits(b.FabricModifier))
	}
	fmt.Fprintf(&sb, " Construction complexity applies a x%s multiplier", decimal.NewFromFloat(b.ComplexityMultiplier).String())
	if b.DiscountPercent > 0 {
		fmt.Fprintf(&sb, " and the %d-unit order earns a %d%% volume discount", b.Quantity, b.DiscountPercent)
	}
	fmt.Fprintf(&sb, ", giving %s %s per unit. Production takes %d-%d days.",
		formatMinorUnits(b.UnitPrice), b.Currency, b.LeadTime.MinDays, b.LeadTime.MaxDays)
	return sb.String()
}

func productLabel(productType string) string {
	if strings.TrimSpace(productType) == "" {
		return "This product"
	}
	return strings.TrimSpace(productType)
}

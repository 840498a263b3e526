package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/stitchquote/api/internal/domain"
)

var (
	// ErrPricingInvalidQuantity signals a non-positive quantity.
	ErrPricingInvalidQuantity = errors.New("quote pricing: invalid quantity")
	// ErrPricingUnknownComplexity is returned when the complexity level has no multiplier.
	ErrPricingUnknownComplexity = errors.New("quote pricing: unknown complexity")
)

var (
	decimalTwo     = decimal.NewFromInt(2)
	decimalHundred = decimal.NewFromInt(100)
)

// QuotePricingEngine computes deterministic quote baselines from an immutable rule set.
type QuotePricingEngine struct {
	rules    *domain.PricingRuleSet
	products map[string]domain.ProductRule
}

type QuotePricingEngineDeps struct {
	Rules *domain.PricingRuleSet
}

type PricingInput struct {
	ProductType string
	Quantity    int
	FabricType  string
	Complexity  domain.Complexity
}

var _ PricingEngine = (*QuotePricingEngine)(nil)

func NewQuotePricingEngine(deps QuotePricingEngineDeps) (*QuotePricingEngine, error) {
	if deps.Rules == nil {
		return nil, errors.New("quote pricing engine: rule set is required")
	}
	if err := ValidatePricingRules(deps.Rules); err != nil {
		return nil, err
	}

	products := make(map[string]domain.ProductRule)
	for _, product := range deps.Rules.Products {
		products[normalizeRuleKey(product.Name)] = product
		for _, alias := range product.Aliases {
			products[alias] = product
		}
	}

	return &QuotePricingEngine{rules: deps.Rules, products: products}, nil
}

// Rules exposes the rule set the engine was built with.
func (e *QuotePricingEngine) Rules() *domain.PricingRuleSet {
	return e.rules
}

// Price resolves the rule tables for the input and returns the baseline. It performs no I/O.
func (e *QuotePricingEngine) Price(input PricingInput) (domain.PriceBaseline, error) {
	if input.Quantity <= 0 {
		return domain.PriceBaseline{}, fmt.Errorf("%w: %d", ErrPricingInvalidQuantity, input.Quantity)
	}
	multiplier, ok := e.rules.Complexity[input.Complexity]
	if !ok {
		return domain.PriceBaseline{}, fmt.Errorf("%w: %q", ErrPricingUnknownComplexity, input.Complexity)
	}

	product, known := e.products[normalizeRuleKey(input.ProductType)]
	costRange := e.rules.DefaultRange
	if known {
		costRange = product.Range
	}
	fabric := e.matchFabric(input.FabricType)
	discount := e.discountFor(input.Quantity)

	base := decimal.NewFromInt(costRange.Min + costRange.Max).Div(decimalTwo)
	unit := base.
		Add(decimal.NewFromInt(fabric.Modifier)).
		Mul(decimal.NewFromFloat(multiplier)).
		Mul(decimalHundred.Sub(decimal.NewFromInt(int64(discount.Percent)))).
		Div(decimalHundred).
		Round(0)
	unitPrice := unit.IntPart()

	leadTime := e.leadTimeFor(input.Quantity)

	return domain.PriceBaseline{
		ProductType:           strings.TrimSpace(input.ProductType),
		Quantity:              input.Quantity,
		Currency:              e.rules.Currency,
		BaseUnitCost:          base.Round(0).IntPart(),
		FabricModifier:        fabric.Modifier,
		ComplexityMultiplier:  multiplier,
		DiscountPercent:       discount.Percent,
		UnitPrice:             unitPrice,
		TotalPrice:            unitPrice * int64(input.Quantity),
		Breakdown:             splitUnitPrice(unitPrice, e.rules.Weights),
		LeadTime:              domain.LeadTime{MinDays: leadTime.MinDays, MaxDays: leadTime.MaxDays},
		EstimatedDeliveryDays: (leadTime.MinDays + leadTime.MaxDays + 1) / 2,
		RuleSetVersion:        e.rules.Version,
		KnownProduct:          known,
		MatchedFabric:         fabric.Keyword,
	}, nil
}

func (e *QuotePricingEngine) matchFabric(fabricType string) domain.FabricRule {
	normalized := normalizeRuleKey(fabricType)
	if normalized == "" {
		return domain.FabricRule{}
	}
	for _, fabric := range e.rules.Fabrics {
		if strings.Contains(normalized, fabric.Keyword) {
			return fabric
		}
	}
	return domain.FabricRule{}
}

// discountFor returns the highest tier whose threshold the quantity reaches. Quantities
// below the first threshold resolve to the first tier.
func (e *QuotePricingEngine) discountFor(quantity int) domain.DiscountTier {
	tier := e.rules.Discounts[0]
	for _, candidate := range e.rules.Discounts[1:] {
		if quantity < candidate.MinQuantity {
			break
		}
		tier = candidate
	}
	return tier
}

func (e *QuotePricingEngine) leadTimeFor(quantity int) domain.LeadTimeTier {
	for _, tier := range e.rules.LeadTimes {
		if tier.MaxQuantity == 0 || quantity <= tier.MaxQuantity {
			return tier
		}
	}
	return e.rules.LeadTimes[len(e.rules.LeadTimes)-1]
}

// splitUnitPrice rounds the weighted shares to whole minor units and assigns the remainder to
// margin, so the components always add up to unitPrice.
func splitUnitPrice(unitPrice int64, weights domain.BreakdownWeights) domain.PriceBreakdown {
	unit := decimal.NewFromInt(unitPrice)
	share := func(weight int) int64 {
		return unit.Mul(decimal.NewFromInt(int64(weight))).Div(decimalHundred).Round(0).IntPart()
	}
	breakdown := domain.PriceBreakdown{
		Materials: share(weights.Materials),
		Labor:     share(weights.Labor),
		Overhead:  share(weights.Overhead),
	}
	breakdown.Margin = unitPrice - breakdown.Materials - breakdown.Labor - breakdown.Overhead
	return breakdown
}

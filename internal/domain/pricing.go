package domain

// Complexity expresses how much construction work a product requires.
type Complexity string

const (
	// ComplexitySimple covers basic cut-and-sew items.
	ComplexitySimple Complexity = "simple"
	// ComplexityMedium covers items with trims, prints, or multiple panels.
	ComplexityMedium Complexity = "medium"
	// ComplexityComplex covers tailored or heavily embellished items.
	ComplexityComplex Complexity = "complex"
)

// PricingRuleSet is the immutable rule table used to compute quote baselines.
type PricingRuleSet struct {
	Version      string
	Currency     string
	MinimumOrder int
	Products     []ProductRule
	DefaultRange CostRange
	Fabrics      []FabricRule
	Complexity   map[Complexity]float64
	Discounts    []DiscountTier
	LeadTimes    []LeadTimeTier
	Weights      BreakdownWeights
}

// CostRange is an inclusive unit cost range expressed in minor currency units.
type CostRange struct {
	Min int64
	Max int64
}

// ProductRule maps a product type (and its aliases) to a base unit cost range.
type ProductRule struct {
	Name    string
	Aliases []string
	Range   CostRange
}

// FabricRule adds a fixed per-unit amount when the fabric description contains Keyword.
type FabricRule struct {
	Keyword  string
	Modifier int64
}

// DiscountTier applies Percent off the unit price for quantities at or above MinQuantity.
type DiscountTier struct {
	MinQuantity int
	Percent     int
}

// LeadTimeTier applies to quantities up to and including MaxQuantity. Zero means unbounded.
type LeadTimeTier struct {
	MaxQuantity int
	MinDays     int
	MaxDays     int
}

// BreakdownWeights are the percentage shares used to decompose a unit price.
type BreakdownWeights struct {
	Materials int
	Labor     int
	Overhead  int
	Margin    int
}

// PriceBreakdown decomposes a unit price. The four components always sum to the unit price.
type PriceBreakdown struct {
	Materials int64
	Labor     int64
	Overhead  int64
	Margin    int64
}

// Sum returns the total of all components.
func (b PriceBreakdown) Sum() int64 {
	return b.Materials + b.Labor + b.Overhead + b.Margin
}

// LeadTime is a production lead time range in days.
type LeadTime struct {
	MinDays int
	MaxDays int
}

// PriceBaseline is the deterministic output of the pricing rule engine.
type PriceBaseline struct {
	ProductType           string
	Quantity              int
	Currency              string
	BaseUnitCost          int64
	FabricModifier        int64
	ComplexityMultiplier  float64
	DiscountPercent       int
	UnitPrice             int64
	TotalPrice            int64
	Breakdown             PriceBreakdown
	LeadTime              LeadTime
	EstimatedDeliveryDays int
	RuleSetVersion        string
	KnownProduct          bool
	MatchedFabric         string
}

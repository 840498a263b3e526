package services

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	domain "github.com/stitchquote/api/internal/domain"
)

//go:embed rules/default.yaml
var defaultPricingRules []byte

// ErrPricingRulesInvalid is returned when a rule table fails validation.
var ErrPricingRulesInvalid = errors.New("pricing rules: invalid rule set")

type pricingRulesDocument struct {
	Version      string             `yaml:"version"`
	Currency     string             `yaml:"currency"`
	MinimumOrder int                `yaml:"minimumOrder"`
	DefaultRange rangeDocument      `yaml:"defaultRange"`
	Products     []productDocument  `yaml:"products"`
	Fabrics      []fabricDocument   `yaml:"fabrics"`
	Complexity   map[string]string  `yaml:"complexity"`
	Discounts    []discountDocument `yaml:"discounts"`
	LeadTimes    []leadTimeDocument `yaml:"leadTimes"`
	Weights      weightsDocument    `yaml:"weights"`
}

type rangeDocument struct {
	Min string `yaml:"min"`
	Max string `yaml:"max"`
}

type productDocument struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	Min     string   `yaml:"min"`
	Max     string   `yaml:"max"`
}

type fabricDocument struct {
	Keyword  string `yaml:"keyword"`
	Modifier string `yaml:"modifier"`
}

type discountDocument struct {
	MinQuantity int `yaml:"minQuantity"`
	Percent     int `yaml:"percent"`
}

type leadTimeDocument struct {
	MaxQuantity int `yaml:"maxQuantity"`
	MinDays     int `yaml:"minDays"`
	MaxDays     int `yaml:"maxDays"`
}

type weightsDocument struct {
	Materials int `yaml:"materials"`
	Labor     int `yaml:"labor"`
	Overhead  int `yaml:"overhead"`
	Margin    int `yaml:"margin"`
}

// LoadPricingRules reads the rule table from path, or the embedded default table when path is empty.
func LoadPricingRules(path string) (*domain.PricingRuleSet, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ParsePricingRules(defaultPricingRules)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing rules: read %s: %w", path, err)
	}
	return ParsePricingRules(data)
}

// DefaultPricingRules returns the embedded rule table.
func DefaultPricingRules() (*domain.PricingRuleSet, error) {
	return ParsePricingRules(defaultPricingRules)
}

// ParsePricingRules decodes and validates a YAML rule table.
func ParsePricingRules(data []byte) (*domain.PricingRuleSet, error) {
	var doc pricingRulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrPricingRulesInvalid, err)
	}

	rules := &domain.PricingRuleSet{
		Version:      strings.TrimSpace(doc.Version),
		Currency:     strings.ToUpper(strings.TrimSpace(doc.Currency)),
		MinimumOrder: doc.MinimumOrder,
		Complexity:   make(map[domain.Complexity]float64, len(doc.Complexity)),
		Weights: domain.BreakdownWeights{
			Materials: doc.Weights.Materials,
			Labor:     doc.Weights.Labor,
			Overhead:  doc.Weights.Overhead,
			Margin:    doc.Weights.Margin,
		},
	}

	var err error
	if rules.DefaultRange, err = parseCostRange("defaultRange", doc.DefaultRange.Min, doc.DefaultRange.Max); err != nil {
		return nil, err
	}

	for _, product := range doc.Products {
		name := strings.TrimSpace(product.Name)
		costRange, err := parseCostRange("products."+name, product.Min, product.Max)
		if err != nil {
			return nil, err
		}
		aliases := make([]string, 0, len(product.Aliases))
		for _, alias := range product.Aliases {
			if normalized := normalizeRuleKey(alias); normalized != "" {
				aliases = append(aliases, normalized)
			}
		}
		rules.Products = append(rules.Products, domain.ProductRule{Name: name, Aliases: aliases, Range: costRange})
	}

	for _, fabric := range doc.Fabrics {
		modifier, err := parseMinorUnits("fabrics."+fabric.Keyword, fabric.Modifier)
		if err != nil {
			return nil, err
		}
		rules.Fabrics = append(rules.Fabrics, domain.FabricRule{
			Keyword:  normalizeRuleKey(fabric.Keyword),
			Modifier: modifier,
		})
	}
	// Longest keyword wins so "organic cotton" is matched before "cotton".
	sort.SliceStable(rules.Fabrics, func(i, j int) bool {
		if len(rules.Fabrics[i].Keyword) != len(rules.Fabrics[j].Keyword) {
			return len(rules.Fabrics[i].Keyword) > len(rules.Fabrics[j].Keyword)
		}
		return rules.Fabrics[i].Keyword < rules.Fabrics[j].Keyword
	})

	for name, raw := range doc.Complexity {
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: complexity.%s: %v", ErrPricingRulesInvalid, name, err)
		}
		rules.Complexity[domain.Complexity(normalizeRuleKey(name))] = value
	}

	for _, tier := range doc.Discounts {
		rules.Discounts = append(rules.Discounts, domain.DiscountTier{MinQuantity: tier.MinQuantity, Percent: tier.Percent})
	}
	for _, tier := range doc.LeadTimes {
		rules.LeadTimes = append(rules.LeadTimes, domain.LeadTimeTier{
			MaxQuantity: tier.MaxQuantity,
			MinDays:     tier.MinDays,
			MaxDays:     tier.MaxDays,
		})
	}

	if err := ValidatePricingRules(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// ValidatePricingRules checks the structural invariants the pricing engine relies on.
func ValidatePricingRules(rules *domain.PricingRuleSet) error {
	if rules == nil {
		return fmt.Errorf("%w: rule set is nil", ErrPricingRulesInvalid)
	}
	var problems []string
	if rules.Version == "" {
		problems = append(problems, "version is required")
	}
	if rules.Currency == "" {
		problems = append(problems, "currency is required")
	}
	if rules.MinimumOrder <= 0 {
		problems = append(problems, "minimumOrder must be positive")
	}
	if !validCostRange(rules.DefaultRange) {
		problems = append(problems, "defaultRange must satisfy 0 < min <= max")
	}
	seen := make(map[string]string)
	for _, product := range rules.Products {
		if product.Name == "" {
			problems = append(problems, "product name is required")
			continue
		}
		if !validCostRange(product.Range) {
			problems = append(problems, fmt.Sprintf("product %q range must satisfy 0 < min <= max", product.Name))
		}
		for _, key := range append([]string{normalizeRuleKey(product.Name)}, product.Aliases...) {
			if owner, ok := seen[key]; ok && owner != product.Name {
				problems = append(problems, fmt.Sprintf("product key %q used by %q and %q", key, owner, product.Name))
			}
			seen[key] = product.Name
		}
	}
	for _, fabric := range rules.Fabrics {
		if fabric.Keyword == "" || fabric.Modifier < 0 {
			problems = append(problems, fmt.Sprintf("fabric %q must have a keyword and a non-negative modifier", fabric.Keyword))
		}
	}
	for _, level := range []domain.Complexity{domain.ComplexitySimple, domain.ComplexityMedium, domain.ComplexityComplex} {
		if multiplier, ok := rules.Complexity[level]; !ok || multiplier <= 0 {
			problems = append(problems, fmt.Sprintf("complexity %q multiplier must be positive", level))
		}
	}

	if len(rules.Discounts) == 0 {
		problems = append(problems, "at least one discount tier is required")
	} else {
		if rules.Discounts[0].MinQuantity != rules.MinimumOrder {
			problems = append(problems, "first discount tier must start at minimumOrder")
		}
		for i, tier := range rules.Discounts {
			if tier.Percent < 0 || tier.Percent >= 100 {
				problems = append(problems, fmt.Sprintf("discount tier %d percent must be within [0,100)", tier.MinQuantity))
			}
			if i == 0 {
				continue
			}
			prev := rules.Discounts[i-1]
			if tier.MinQuantity <= prev.MinQuantity {
				problems = append(problems, "discount tiers must be sorted ascending by minQuantity")
			}
			if tier.Percent < prev.Percent {
				problems = append(problems, "discount percent must not decrease with quantity")
			}
		}
	}

	if len(rules.LeadTimes) == 0 {
		problems = append(problems, "at least one lead time tier is required")
	} else {
		last := len(rules.LeadTimes) - 1
		for i, tier := range rules.LeadTimes {
			if tier.MinDays <= 0 || tier.MaxDays < tier.MinDays {
				problems = append(problems, fmt.Sprintf("lead time tier %d must satisfy 0 < minDays <= maxDays", i))
			}
			if i == last {
				if tier.MaxQuantity != 0 {
					problems = append(problems, "last lead time tier must be unbounded")
				}
				continue
			}
			if tier.MaxQuantity <= 0 {
				problems = append(problems, "only the last lead time tier may be unbounded")
			}
			if i > 0 && tier.MaxQuantity <= rules.LeadTimes[i-1].MaxQuantity {
				problems = append(problems, "lead time tiers must be sorted ascending by maxQuantity")
			}
		}
	}

	w := rules.Weights
	if w.Materials < 0 || w.Labor < 0 || w.Overhead < 0 || w.Margin < 0 || w.Materials+w.Labor+w.Overhead+w.Margin != 100 {
		problems = append(problems, "breakdown weights must be non-negative and sum to 100")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrPricingRulesInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func parseCostRange(field, rawMin, rawMax string) (domain.CostRange, error) {
	minValue, err := parseMinorUnits(field+".min", rawMin)
	if err != nil {
		return domain.CostRange{}, err
	}
	maxValue, err := parseMinorUnits(field+".max", rawMax)
	if err != nil {
		return domain.CostRange{}, err
	}
	return domain.CostRange{Min: minValue, Max: maxValue}, nil
}

func parseMinorUnits(field, raw string) (int64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrPricingRulesInvalid, field, err)
	}
	return value.Shift(2).Round(0).IntPart(), nil
}

func validCostRange(r domain.CostRange) bool {
	return r.Min > 0 && r.Max >= r.Min
}

func normalizeRuleKey(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

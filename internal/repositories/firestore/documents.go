package firestore

import (
	"strings"
	"time"

	domain "github.com/stitchquote/api/internal/domain"
)

const (
	quotesCollection     = "quotes"
	rateLimitsCollection = "rateLimits"
	usageCollection      = "advisoryUsageEvents"
)

type breakdownDocument struct {
	Materials int64 `firestore:"materials"`
	Labor     int64 `firestore:"labor"`
	Overhead  int64 `firestore:"overhead"`
	Margin    int64 `firestore:"margin"`
}

type leadTimeDocument struct {
	MinDays int `firestore:"minDays"`
	MaxDays int `firestore:"maxDays"`
}

type comparableDocument struct {
	Name        string `firestore:"name"`
	Description string `firestore:"description,omitempty"`
}

type advisoryFiguresDocument struct {
	UnitPrice  *int64             `firestore:"unitPrice,omitempty"`
	TotalPrice *int64             `firestore:"totalPrice,omitempty"`
	LeadTime   *leadTimeDocument  `firestore:"leadTime,omitempty"`
	Confidence *int               `firestore:"confidence,omitempty"`
	Breakdown  *breakdownDocument `firestore:"breakdown,omitempty"`
}

type quoteRequestDocument struct {
	ProductType            string `firestore:"productType"`
	Quantity               int    `firestore:"quantity"`
	FabricType             string `firestore:"fabricType,omitempty"`
	Complexity             string `firestore:"complexity"`
	AdditionalRequirements string `firestore:"additionalRequirements,omitempty"`
	CustomerEmail          string `firestore:"customerEmail"`
	CustomerName           string `firestore:"customerName"`
	Country                string `firestore:"country,omitempty"`
	PhoneNumber            string `firestore:"phoneNumber,omitempty"`
	SessionID              string `firestore:"sessionId,omitempty"`
}

type quoteResultDocument struct {
	Currency              string                  `firestore:"currency"`
	UnitPrice             int64                   `firestore:"unitPrice"`
	TotalPrice            int64                   `firestore:"totalPrice"`
	Breakdown             breakdownDocument       `firestore:"breakdown"`
	LeadTime              leadTimeDocument        `firestore:"leadTime"`
	EstimatedDeliveryDays int                     `firestore:"estimatedDeliveryDays"`
	ConfidenceScore       int                     `firestore:"confidenceScore"`
	Justification         string                  `firestore:"justification"`
	ComparableProducts    []comparableDocument    `firestore:"comparableProducts"`
	Suggestions           []string                `firestore:"suggestions"`
	AdvisoryStatus        string                  `firestore:"advisoryStatus"`
	AdvisoryFigures       advisoryFiguresDocument `firestore:"advisoryFigures"`
	DiscardedFields       []string                `firestore:"discardedFields,omitempty"`
	DiscountPercent       int                     `firestore:"discountPercent"`
	RuleSetVersion        string                  `firestore:"ruleSetVersion"`
}

type quoteDocument struct {
	Status               string               `firestore:"status"`
	ClientIdentifier     string               `firestore:"clientIdentifier"`
	ClientIdentifierType string               `firestore:"clientIdentifierType"`
	Request              quoteRequestDocument `firestore:"request"`
	Result               quoteResultDocument  `firestore:"result"`
	CreatedAt            time.Time            `firestore:"createdAt"`
	UpdatedAt            time.Time            `firestore:"updatedAt"`
	ReviewedBy           string               `firestore:"reviewedBy,omitempty"`
	ReviewedAt           *time.Time           `firestore:"reviewedAt,omitempty"`
}

type rateLimitDocument struct {
	Identifier     string    `firestore:"identifier"`
	IdentifierType string    `firestore:"identifierType"`
	Count          int       `firestore:"count"`
	WindowStart    time.Time `firestore:"windowStart"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

type usageDocument struct {
	SessionID    string    `firestore:"sessionId,omitempty"`
	ClientHash   string    `firestore:"clientHash,omitempty"`
	Provider     string    `firestore:"provider"`
	Model        string    `firestore:"model,omitempty"`
	Outcome      string    `firestore:"outcome"`
	InputTokens  int       `firestore:"inputTokens"`
	OutputTokens int       `firestore:"outputTokens"`
	LatencyMS    int64     `firestore:"latencyMs"`
	OccurredAt   time.Time `firestore:"occurredAt"`
}

// rateLimitDocID derives a stable document id for a key. Slashes are not valid in ids.
func rateLimitDocID(key domain.RateLimitKey) string {
	return strings.ReplaceAll(key.IdentifierType+":"+key.Identifier, "/", "_")
}

func (d rateLimitDocument) record() domain.RateLimitRecord {
	return domain.RateLimitRecord{
		Key:         domain.RateLimitKey{Identifier: d.Identifier, IdentifierType: d.IdentifierType},
		Count:       d.Count,
		WindowStart: d.WindowStart.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

func encodeQuote(quote domain.Quote) quoteDocument {
	req := quote.Request
	res := quote.Result

	comparables := make([]comparableDocument, 0, len(res.ComparableProducts))
	for _, item := range res.ComparableProducts {
		comparables = append(comparables, comparableDocument{Name: item.Name, Description: item.Description})
	}

	figures := advisoryFiguresDocument{
		UnitPrice:  res.AdvisoryFigures.UnitPrice,
		TotalPrice: res.AdvisoryFigures.TotalPrice,
		Confidence: res.AdvisoryFigures.Confidence,
	}
	if lt := res.AdvisoryFigures.LeadTime; lt != nil {
		figures.LeadTime = &leadTimeDocument{MinDays: lt.MinDays, MaxDays: lt.MaxDays}
	}
	if b := res.AdvisoryFigures.Breakdown; b != nil {
		doc := encodeBreakdown(*b)
		figures.Breakdown = &doc
	}

	return quoteDocument{
		Status:               string(quote.Status),
		ClientIdentifier:     quote.ClientKey.Identifier,
		ClientIdentifierType: quote.ClientKey.IdentifierType,
		Request: quoteRequestDocument{
			ProductType:            req.ProductType,
			Quantity:               req.Quantity,
			FabricType:             req.FabricType,
			Complexity:             string(req.Complexity),
			AdditionalRequirements: req.AdditionalRequirements,
			CustomerEmail:          req.CustomerEmail,
			CustomerName:           req.CustomerName,
			Country:                req.Country,
			PhoneNumber:            req.PhoneNumber,
			SessionID:              req.SessionID,
		},
		Result: quoteResultDocument{
			Currency:              res.Currency,
			UnitPrice:             res.UnitPrice,
			TotalPrice:            res.TotalPrice,
			Breakdown:             encodeBreakdown(res.Breakdown),
			LeadTime:              leadTimeDocument{MinDays: res.LeadTime.MinDays, MaxDays: res.LeadTime.MaxDays},
			EstimatedDeliveryDays: res.EstimatedDeliveryDays,
			ConfidenceScore:       res.ConfidenceScore,
			Justification:         res.Justification,
			ComparableProducts:    comparables,
			Suggestions:           res.Suggestions,
			AdvisoryStatus:        string(res.AdvisoryStatus),
			AdvisoryFigures:       figures,
			DiscardedFields:       res.DiscardedFields,
			DiscountPercent:       res.DiscountPercent,
			RuleSetVersion:        res.RuleSetVersion,
		},
		CreatedAt:  quote.CreatedAt.UTC(),
		UpdatedAt:  quote.UpdatedAt.UTC(),
		ReviewedBy: quote.ReviewedBy,
		ReviewedAt: quote.ReviewedAt,
	}
}

func decodeQuote(id string, doc quoteDocument) domain.Quote {
	req := doc.Request
	res := doc.Result

	comparables := make([]domain.ComparableProduct, 0, len(res.ComparableProducts))
	for _, item := range res.ComparableProducts {
		comparables = append(comparables, domain.ComparableProduct{Name: item.Name, Description: item.Description})
	}
	suggestions := res.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}

	figures := domain.AdvisoryFigures{
		UnitPrice:  res.AdvisoryFigures.UnitPrice,
		TotalPrice: res.AdvisoryFigures.TotalPrice,
		Confidence: res.AdvisoryFigures.Confidence,
	}
	if lt := res.AdvisoryFigures.LeadTime; lt != nil {
		figures.LeadTime = &domain.LeadTime{MinDays: lt.MinDays, MaxDays: lt.MaxDays}
	}
	if b := res.AdvisoryFigures.Breakdown; b != nil {
		breakdown := decodeBreakdown(*b)
		figures.Breakdown = &breakdown
	}

	quote := domain.Quote{
		ID: id,
		Request: domain.QuoteRequest{
			ProductType:            req.ProductType,
			Quantity:               req.Quantity,
			FabricType:             req.FabricType,
			Complexity:             domain.Complexity(req.Complexity),
			AdditionalRequirements: req.AdditionalRequirements,
			CustomerEmail:          req.CustomerEmail,
			CustomerName:           req.CustomerName,
			Country:                req.Country,
			PhoneNumber:            req.PhoneNumber,
			SessionID:              req.SessionID,
		},
		Result: domain.QuoteResult{
			Currency:              res.Currency,
			UnitPrice:             res.UnitPrice,
			TotalPrice:            res.TotalPrice,
			Breakdown:             decodeBreakdown(res.Breakdown),
			LeadTime:              domain.LeadTime{MinDays: res.LeadTime.MinDays, MaxDays: res.LeadTime.MaxDays},
			EstimatedDeliveryDays: res.EstimatedDeliveryDays,
			ConfidenceScore:       res.ConfidenceScore,
			Justification:         res.Justification,
			ComparableProducts:    comparables,
			Suggestions:           suggestions,
			AdvisoryStatus:        domain.AdvisoryStatus(res.AdvisoryStatus),
			AdvisoryFigures:       figures,
			DiscardedFields:       res.DiscardedFields,
			DiscountPercent:       res.DiscountPercent,
			RuleSetVersion:        res.RuleSetVersion,
		},
		Status:     domain.QuoteStatus(doc.Status),
		ClientKey:  domain.RateLimitKey{Identifier: doc.ClientIdentifier, IdentifierType: doc.ClientIdentifierType},
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
		ReviewedBy: doc.ReviewedBy,
	}
	if doc.ReviewedAt != nil {
		at := doc.ReviewedAt.UTC()
		quote.ReviewedAt = &at
	}
	return quote
}

func encodeBreakdown(b domain.PriceBreakdown) breakdownDocument {
	return breakdownDocument{Materials: b.Materials, Labor: b.Labor, Overhead: b.Overhead, Margin: b.Margin}
}

func decodeBreakdown(b breakdownDocument) domain.PriceBreakdown {
	return domain.PriceBreakdown{Materials: b.Materials, Labor: b.Labor, Overhead: b.Overhead, Margin: b.Margin}
}

package domain

import "time"

// QuoteStatus tracks downstream human review of a stored quote.
type QuoteStatus string

const (
	// QuoteStatusPending is assigned when a quote is first stored.
	QuoteStatusPending QuoteStatus = "pending"
	// QuoteStatusReviewed marks a quote checked by staff.
	QuoteStatusReviewed QuoteStatus = "reviewed"
)

// AdvisoryStatus records how the advisory narrative contributed to a quote.
type AdvisoryStatus string

const (
	// AdvisoryEnriched means advisory text was parsed and merged.
	AdvisoryEnriched AdvisoryStatus = "enriched"
	// AdvisoryUnavailable means no advisory text was obtained.
	AdvisoryUnavailable AdvisoryStatus = "unavailable"
	// AdvisoryDegraded means advisory text arrived but nothing usable could be extracted.
	AdvisoryDegraded AdvisoryStatus = "degraded"
)

// QuoteRequest is the customer submission for a manufacturing quote.
type QuoteRequest struct {
	ProductType            string
	Quantity               int
	FabricType             string
	Complexity             Complexity
	AdditionalRequirements string
	CustomerEmail          string
	CustomerName           string
	Country                string
	PhoneNumber            string
	CaptchaToken           string
	SessionID              string
}

// ComparableProduct is an illustrative reference item quoted by the advisory narrative.
type ComparableProduct struct {
	Name        string
	Description string
}

// AdvisoryFigures holds the plausible numbers the advisory claimed. They never replace baseline values.
type AdvisoryFigures struct {
	UnitPrice  *int64
	TotalPrice *int64
	LeadTime   *LeadTime
	Confidence *int
	Breakdown  *PriceBreakdown
}

// QuoteResult is the reconciled quote returned to the caller and persisted.
type QuoteResult struct {
	Currency              string
	UnitPrice             int64
	TotalPrice            int64
	Breakdown             PriceBreakdown
	LeadTime              LeadTime
	EstimatedDeliveryDays int
	ConfidenceScore       int
	Justification         string
	ComparableProducts    []ComparableProduct
	Suggestions           []string
	AdvisoryStatus        AdvisoryStatus
	AdvisoryFigures       AdvisoryFigures
	DiscardedFields       []string
	DiscountPercent       int
	RuleSetVersion        string
}

// Quote is the persisted record of an accepted quote request.
type Quote struct {
	ID         string
	Request    QuoteRequest
	Result     QuoteResult
	Status     QuoteStatus
	ClientKey  RateLimitKey
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReviewedBy string
	ReviewedAt *time.Time
}

package postgres

import (
	"encoding/json"
	"fmt"

	domain "github.com/stitchquote/api/internal/domain"
)

type requestDocument struct {
	ProductType            string `json:"productType"`
	Quantity               int    `json:"quantity"`
	FabricType             string `json:"fabricType,omitempty"`
	Complexity             string `json:"complexity"`
	AdditionalRequirements string `json:"additionalRequirements,omitempty"`
	CustomerEmail          string `json:"customerEmail"`
	CustomerName           string `json:"customerName"`
	Country                string `json:"country,omitempty"`
	PhoneNumber            string `json:"phoneNumber,omitempty"`
	SessionID              string `json:"sessionId,omitempty"`
}

type resultDocument struct {
	Currency              string                     `json:"currency"`
	UnitPrice             int64                      `json:"unitPrice"`
	TotalPrice            int64                      `json:"totalPrice"`
	Breakdown             domain.PriceBreakdown      `json:"breakdown"`
	LeadTime              domain.LeadTime            `json:"leadTime"`
	EstimatedDeliveryDays int                        `json:"estimatedDeliveryDays"`
	ConfidenceScore       int                        `json:"confidenceScore"`
	Justification         string                     `json:"justification"`
	ComparableProducts    []domain.ComparableProduct `json:"comparableProducts"`
	Suggestions           []string                   `json:"suggestions"`
	AdvisoryStatus        string                     `json:"advisoryStatus"`
	AdvisoryFigures       domain.AdvisoryFigures     `json:"advisoryFigures"`
	DiscardedFields       []string                   `json:"discardedFields,omitempty"`
	DiscountPercent       int                        `json:"discountPercent"`
	RuleSetVersion        string                     `json:"ruleSetVersion"`
}

// encodeQuote renders the request and result columns. The captcha token is never stored.
func encodeQuote(quote domain.Quote) ([]byte, []byte, error) {
	req := quote.Request
	request, err := json.Marshal(requestDocument{
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
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}
	res := quote.Result
	result, err := json.Marshal(resultDocument{
		Currency:              res.Currency,
		UnitPrice:             res.UnitPrice,
		TotalPrice:            res.TotalPrice,
		Breakdown:             res.Breakdown,
		LeadTime:              res.LeadTime,
		EstimatedDeliveryDays: res.EstimatedDeliveryDays,
		ConfidenceScore:       res.ConfidenceScore,
		Justification:         res.Justification,
		ComparableProducts:    res.ComparableProducts,
		Suggestions:           res.Suggestions,
		AdvisoryStatus:        string(res.AdvisoryStatus),
		AdvisoryFigures:       res.AdvisoryFigures,
		DiscardedFields:       res.DiscardedFields,
		DiscountPercent:       res.DiscountPercent,
		RuleSetVersion:        res.RuleSetVersion,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return request, result, nil
}

func decodeQuote(quote *domain.Quote, request, result []byte) error {
	var req requestDocument
	if err := json.Unmarshal(request, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	var res resultDocument
	if err := json.Unmarshal(result, &res); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	quote.Request = domain.QuoteRequest{
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
	}
	quote.Result = domain.QuoteResult{
		Currency:              res.Currency,
		UnitPrice:             res.UnitPrice,
		TotalPrice:            res.TotalPrice,
		Breakdown:             res.Breakdown,
		LeadTime:              res.LeadTime,
		EstimatedDeliveryDays: res.EstimatedDeliveryDays,
		ConfidenceScore:       res.ConfidenceScore,
		Justification:         res.Justification,
		ComparableProducts:    res.ComparableProducts,
		Suggestions:           res.Suggestions,
		AdvisoryStatus:        domain.AdvisoryStatus(res.AdvisoryStatus),
		AdvisoryFigures:       res.AdvisoryFigures,
		DiscardedFields:       res.DiscardedFields,
		DiscountPercent:       res.DiscountPercent,
		RuleSetVersion:        res.RuleSetVersion,
	}
	return nil
}

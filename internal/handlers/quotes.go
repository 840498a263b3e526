package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/platform/httpx"
	"github.com/stitchquote/api/internal/platform/requestctx"
	"github.com/stitchquote/api/internal/services"
)

const maxQuoteBodySize = 64 * 1024

// QuoteHandlers exposes quote generation and lookup.
type QuoteHandlers struct {
	quotes services.QuoteService
}

func NewQuoteHandlers(quotes services.QuoteService) *QuoteHandlers {
	return &QuoteHandlers{quotes: quotes}
}

// Routes registers the /quotes endpoints.
func (h *QuoteHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createQuote)
	r.Get("/{quoteId}", h.getQuote)
}

func (h *QuoteHandlers) createQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		httpx.WriteFailure(w, http.StatusServiceUnavailable, "quote service unavailable")
		return
	}

	body, err := readLimitedBody(r, maxQuoteBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteFailure(w, http.StatusRequestEntityTooLarge, "request body exceeds allowed size")
		case errors.Is(err, errEmptyBody):
			httpx.WriteFailure(w, http.StatusBadRequest, "request body is required")
		default:
			httpx.WriteFailure(w, http.StatusBadRequest, "unable to read request body")
		}
		return
	}

	var req quoteRequestPayload
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&req); err != nil {
		httpx.WriteFailure(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	quote, err := h.quotes.Generate(ctx, services.GenerateQuoteCommand{
		Request:    req.toDomain(),
		RemoteAddr: requestctx.RemoteIP(ctx),
	})
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, quoteEnvelope{Success: true, Quote: buildQuotePayload(quote)})
}

func (h *QuoteHandlers) getQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		httpx.WriteFailure(w, http.StatusServiceUnavailable, "quote service unavailable")
		return
	}

	quote, err := h.quotes.Get(ctx, strings.TrimSpace(chi.URLParam(r, "quoteId")))
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, quoteEnvelope{Success: true, Quote: buildQuotePayload(quote)})
}

// writeQuoteError maps pipeline errors onto the failure envelope. Internal details stay in the log.
func writeQuoteError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSecurityMissingToken):
		httpx.WriteFailure(w, http.StatusBadRequest, "captcha token is required")
	case errors.Is(err, services.ErrSecurityRejected):
		httpx.WriteFailure(w, http.StatusBadRequest, "captcha verification failed")
	case errors.Is(err, services.ErrQuoteRateLimited):
		httpx.WriteFailure(w, http.StatusTooManyRequests, "too many quote requests, please try again later")
	case errors.Is(err, services.ErrQuoteInvalidInput):
		httpx.WriteFailure(w, http.StatusBadRequest, inputErrorMessage(err))
	case errors.Is(err, services.ErrQuoteNotFound):
		httpx.WriteFailure(w, http.StatusNotFound, "quote not found")
	case errors.Is(err, services.ErrQuoteConflict):
		httpx.WriteFailure(w, http.StatusConflict, "quote is not pending review")
	default:
		requestctx.Logger(ctx).Error("quote request failed", zap.Error(err))
		httpx.WriteFailure(w, http.StatusInternalServerError, "failed to generate quote")
	}
}

// inputErrorMessage strips the sentinel prefix so callers see only the field problem.
func inputErrorMessage(err error) string {
	msg := err.Error()
	prefix := services.ErrQuoteInvalidInput.Error() + ": "
	if trimmed, ok := strings.CutPrefix(msg, prefix); ok && trimmed != "" {
		return trimmed
	}
	return "invalid quote request"
}

type quoteRequestPayload struct {
	ProductType            string `json:"productType"`
	Quantity               int    `json:"quantity"`
	FabricType             string `json:"fabricType"`
	Complexity             string `json:"complexity"`
	AdditionalRequirements string `json:"additionalRequirements"`
	CustomerEmail          string `json:"customerEmail"`
	CustomerName           string `json:"customerName"`
	Country                string `json:"country"`
	PhoneNumber            string `json:"phoneNumber"`
	CaptchaToken           string `json:"captchaToken"`
	SessionID              string `json:"sessionId"`
}

func (p quoteRequestPayload) toDomain() domain.QuoteRequest {
	return domain.QuoteRequest{
		ProductType:            p.ProductType,
		Quantity:               p.Quantity,
		FabricType:             p.FabricType,
		Complexity:             domain.Complexity(p.Complexity),
		AdditionalRequirements: p.AdditionalRequirements,
		CustomerEmail:          p.CustomerEmail,
		CustomerName:           p.CustomerName,
		Country:                p.Country,
		PhoneNumber:            p.PhoneNumber,
		CaptchaToken:           p.CaptchaToken,
		SessionID:              p.SessionID,
	}
}

type quoteEnvelope struct {
	Success bool         `json:"success"`
	Quote   quotePayload `json:"quote"`
}

type quotePayload struct {
	ID                    string                     `json:"id"`
	UnitPrice             json.Number                `json:"unitPrice"`
	TotalPrice            json.Number                `json:"totalPrice"`
	EstimatedDeliveryDays int                        `json:"estimatedDeliveryDays"`
	ConfidenceScore       int                        `json:"confidenceScore"`
	PriceBreakdown        priceBreakdownPayload      `json:"priceBreakdown"`
	PriceJustification    string                     `json:"priceJustification"`
	ComparableProducts    []comparableProductPayload `json:"comparableProducts"`
	Suggestions           []string                   `json:"suggestions"`
	LeadTime              leadTimePayload            `json:"leadTime"`
	Currency              string                     `json:"currency"`
	DiscountPercent       int                        `json:"discountPercent"`
	AdvisoryStatus        string                     `json:"advisoryStatus"`
	Status                string                     `json:"status"`
	CreatedAt             string                     `json:"createdAt"`
	ReviewedBy            string                     `json:"reviewedBy,omitempty"`
	ReviewedAt            string                     `json:"reviewedAt,omitempty"`
}

type priceBreakdownPayload struct {
	Materials json.Number `json:"materials"`
	Labor     json.Number `json:"labor"`
	Overhead  json.Number `json:"overhead"`
	Margin    json.Number `json:"margin"`
}

type leadTimePayload struct {
	MinDays int `json:"minDays"`
	MaxDays int `json:"maxDays"`
}

type comparableProductPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func buildQuotePayload(quote domain.Quote) quotePayload {
	result := quote.Result
	payload := quotePayload{
		ID:                    quote.ID,
		UnitPrice:             majorUnits(result.UnitPrice),
		TotalPrice:            majorUnits(result.TotalPrice),
		EstimatedDeliveryDays: result.EstimatedDeliveryDays,
		ConfidenceScore:       result.ConfidenceScore,
		PriceBreakdown: priceBreakdownPayload{
			Materials: majorUnits(result.Breakdown.Materials),
			Labor:     majorUnits(result.Breakdown.Labor),
			Overhead:  majorUnits(result.Breakdown.Overhead),
			Margin:    majorUnits(result.Breakdown.Margin),
		},
		PriceJustification: result.Justification,
		ComparableProducts: make([]comparableProductPayload, 0, len(result.ComparableProducts)),
		Suggestions:        make([]string, 0, len(result.Suggestions)),
		LeadTime:           leadTimePayload{MinDays: result.LeadTime.MinDays, MaxDays: result.LeadTime.MaxDays},
		Currency:           result.Currency,
		DiscountPercent:    result.DiscountPercent,
		AdvisoryStatus:     string(result.AdvisoryStatus),
		Status:             string(quote.Status),
		CreatedAt:          formatTime(quote.CreatedAt),
		ReviewedBy:         quote.ReviewedBy,
	}
	for _, product := range result.ComparableProducts {
		payload.ComparableProducts = append(payload.ComparableProducts, comparableProductPayload{
			Name:        product.Name,
			Description: product.Description,
		})
	}
	payload.Suggestions = append(payload.Suggestions, result.Suggestions...)
	if quote.ReviewedAt != nil {
		payload.ReviewedAt = formatTime(*quote.ReviewedAt)
	}
	return payload
}

// majorUnits renders integer cents as a fixed two-decimal JSON number.
func majorUnits(cents int64) json.Number {
	return json.Number(decimal.New(cents, -2).StringFixed(2))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

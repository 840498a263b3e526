package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchquote/api/internal/platform/auth"
	"github.com/stitchquote/api/internal/platform/httpx"
	"github.com/stitchquote/api/internal/services"
)

// StaffQuoteHandlers exposes the review workflow used by the sales team.
type StaffQuoteHandlers struct {
	authn  *auth.StaffAuthenticator
	quotes services.QuoteService
}

func NewStaffQuoteHandlers(authn *auth.StaffAuthenticator, quotes services.QuoteService) *StaffQuoteHandlers {
	return &StaffQuoteHandlers{authn: authn, quotes: quotes}
}

// Routes registers the /staff/quotes endpoints. Every route requires a staff or admin role.
func (h *StaffQuoteHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireStaff())
	}
	r.Post("/{quoteId}:review", h.reviewQuote)
}

func (h *StaffQuoteHandlers) reviewQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		httpx.WriteFailure(w, http.StatusServiceUnavailable, "quote service unavailable")
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	quote, err := h.quotes.Review(ctx, services.ReviewQuoteCommand{
		QuoteID:  strings.TrimSpace(chi.URLParam(r, "quoteId")),
		Reviewer: identity.UID,
	})
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, quoteEnvelope{Success: true, Quote: buildQuotePayload(quote)})
}

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stitchquote/api/internal/platform/auth"
	"github.com/stitchquote/api/internal/platform/httpx"
	"github.com/stitchquote/api/internal/platform/requestctx"
	"github.com/stitchquote/api/internal/services"
)

// MaintenanceHandlers serves scheduler-triggered housekeeping under /internal.
type MaintenanceHandlers struct {
	quotes services.QuoteService
}

func NewMaintenanceHandlers(quotes services.QuoteService) *MaintenanceHandlers {
	return &MaintenanceHandlers{quotes: quotes}
}

// Routes registers the /internal/maintenance endpoints. Authentication is applied by the router group.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/rate-limits:purge", h.purgeRateLimits)
}

type purgeResponse struct {
	Purged int `json:"purged"`
}

func (h *MaintenanceHandlers) purgeRateLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		httpx.WriteError(ctx, w, httpx.NewError("quote_service_unavailable", "quote service unavailable", http.StatusServiceUnavailable))
		return
	}

	purged, err := h.quotes.PurgeRateLimits(ctx)
	if err != nil {
		requestctx.Logger(ctx).Error("rate limit purge failed", zap.Error(err), zap.Int("purged", purged))
		httpx.WriteError(ctx, w, httpx.NewError("purge_failed", "failed to purge rate limit windows", http.StatusInternalServerError))
		return
	}

	fields := []zap.Field{zap.Int("purged", purged)}
	if caller, ok := auth.ServiceIdentityFromContext(ctx); ok && caller != nil {
		fields = append(fields, zap.String("caller", caller.Email))
	}
	requestctx.Logger(ctx).Info("rate limit windows purged", fields...)
	httpx.WriteJSON(w, http.StatusOK, purgeResponse{Purged: purged})
}

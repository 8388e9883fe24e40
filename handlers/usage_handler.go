package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/llm-router/utils"
)

// UsageHandler exposes usage, quota and provider state
type UsageHandler struct {
	service RouterService
	logger  *zap.Logger
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(service RouterService, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		service: service,
		logger:  logger,
	}
}

// HandleUsage handles GET /api/v1/usage
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.UsageReport(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, report)
}

// HandleToday handles GET /api/v1/usage/today
func (h *UsageHandler) HandleToday(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.service.Usage())
}

// HandleForecast handles GET /api/v1/usage/{provider}/forecast?days=N
func (h *UsageHandler) HandleForecast(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 31 {
			_ = utils.WriteBadRequest(w, "days must be between 1 and 31", nil)
			return
		}
		days = n
	}

	forecast, err := h.service.Forecast(provider, days)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, forecast)
}

// HandleProviders handles GET /api/v1/providers
func (h *UsageHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, map[string]interface{}{
		"providers": h.service.Providers(),
	})
}

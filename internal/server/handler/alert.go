package handler

import (
	"log/slog"
	"net/http"

	"perpbot/internal/domain"
)

// AlertHandler serves the persisted alert history.
type AlertHandler struct {
	alerts domain.AlertStore
	logger *slog.Logger
}

// NewAlertHandler creates an AlertHandler.
func NewAlertHandler(alerts domain.AlertStore, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, logger: logHandler(logger, "alerts")}
}

// ListAlerts returns recent alerts, newest first. The user filter is optional.
// GET /api/alerts?user=<id>&limit=&offset=
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	opts := parseListOpts(r)

	alerts, err := h.alerts.ListRecent(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("alert listing failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

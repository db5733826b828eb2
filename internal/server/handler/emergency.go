package handler

import (
	"context"
	"log/slog"
	"net/http"

	"perpbot/internal/trader"
)

// Shutdowner performs a verified emergency shutdown for one user.
type Shutdowner interface {
	Shutdown(ctx context.Context, userID string) (trader.ShutdownReport, error)
}

// EmergencyHandler triggers the per-user kill switch. Like the webhook, the
// route is authorized at the edge.
type EmergencyHandler struct {
	emergency Shutdowner
	logger    *slog.Logger
}

// NewEmergencyHandler creates an EmergencyHandler.
func NewEmergencyHandler(emergency Shutdowner, logger *slog.Logger) *EmergencyHandler {
	return &EmergencyHandler{emergency: emergency, logger: logHandler(logger, "emergency")}
}

// Trigger disables the user's bot and closes every open position.
// POST /api/emergency/{user}
func (h *EmergencyHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user path parameter is required")
		return
	}

	h.logger.Warn("emergency shutdown requested", slog.String("user_id", userID))

	report, err := h.emergency.Shutdown(r.Context(), userID)
	if err != nil {
		h.logger.Error("emergency shutdown failed",
			slog.String("user_id", userID),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "emergency shutdown failed")
		return
	}

	status := http.StatusOK
	if len(report.Failed) > 0 {
		// Partial failure still disabled the bot; the caller must retry the
		// listed symbols.
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

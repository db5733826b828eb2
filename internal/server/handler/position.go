package handler

import (
	"log/slog"
	"net/http"

	"perpbot/internal/domain"
)

// PositionHandler serves read-only position views for ops tooling.
type PositionHandler struct {
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logHandler(logger, "positions")}
}

// ListPositions returns the open positions for one user.
// GET /api/positions?user=<id>
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}

	positions, err := h.positions.ListOpenByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("position listing failed",
			slog.String("user_id", userID),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

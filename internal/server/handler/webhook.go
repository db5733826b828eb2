package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"perpbot/internal/dispatch"
	"perpbot/internal/domain"
)

// maxWebhookBody caps the accepted payload size; indicator alerts are a few
// hundred bytes.
const maxWebhookBody = 64 << 10

// SignalDispatcher fans a normalized signal out to the active user set.
type SignalDispatcher interface {
	Dispatch(ctx context.Context, sig dispatch.Signal) (dispatch.Summary, error)
}

// WebhookHandler ingests indicator alerts. Authorization happens at the edge,
// so the handler only validates, deduplicates, and dispatches.
type WebhookHandler struct {
	dispatcher SignalDispatcher
	dedup      domain.DedupGuard
	dedupTTL   time.Duration
	logger     *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. dedup may be nil when Redis is
// disabled; duplicate delivery is then left to the exchange-side open-position
// uniqueness check.
func NewWebhookHandler(dispatcher SignalDispatcher, dedup domain.DedupGuard, dedupTTL time.Duration, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		dispatcher: dispatcher,
		dedup:      dedup,
		dedupTTL:   dedupTTL,
		logger:     logHandler(logger, "webhook"),
	}
}

// signalPayload mirrors the indicator's JSON. Several fields have two spellings
// across indicator versions; both are accepted.
type signalPayload struct {
	Ping bool `json:"ping"`

	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entryPrice"`
	Price      float64 `json:"price"`
	SL         float64 `json:"sl"`
	TP1        float64 `json:"tp1"`
	TP2        float64 `json:"tp2"`
	TP3        float64 `json:"tp3"`
	MainTP     float64 `json:"mainTp"`
	MainTPSnk  float64 `json:"main_tp"`
	ATR        float64 `json:"atr"`
	Leverage   int     `json:"leverage"`
	Strength   float64 `json:"strength"`
	Tier       string  `json:"tier"`
	Mode       string  `json:"mode"`

	Version          string `json:"version"`
	IndicatorVersion string `json:"_indicator_version"`

	TVTs   int64 `json:"tv_ts"`
	IsTest bool  `json:"is_test"`

	Timing struct {
		Session string `json:"session"`
	} `json:"timing"`
}

// Receive handles one alert delivery.
// POST /webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var p signalPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	// Connectivity probe from the indicator side.
	if p.Ping {
		writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
		return
	}

	sig, errMsg := p.toSignal(body)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if h.dedup != nil {
		sum := sha256.Sum256(body)
		key := "webhook:" + hex.EncodeToString(sum[:])
		fresh, err := h.dedup.Claim(r.Context(), key, h.dedupTTL)
		if err != nil {
			// Dedup is best effort: a Redis outage must not drop signals.
			h.logger.Warn("dedup claim failed, accepting signal", slog.Any("error", err))
		} else if !fresh {
			h.logger.Info("duplicate signal dropped",
				slog.String("symbol", sig.Symbol),
				slog.String("side", string(sig.Side)))
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	summary, err := h.dispatcher.Dispatch(r.Context(), sig)
	if err != nil {
		h.logger.Error("dispatch failed",
			slog.String("symbol", sig.Symbol),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "processed",
		"summary": summary,
	})
}

// toSignal validates the payload and normalizes the two-spelling fields. It
// returns a non-empty message when the payload is not actionable.
func (p *signalPayload) toSignal(raw []byte) (dispatch.Signal, string) {
	if p.Symbol == "" {
		return dispatch.Signal{}, "symbol is required"
	}
	side := domain.Side(p.Side)
	if side != domain.SideBuy && side != domain.SideSell {
		return dispatch.Signal{}, "side must be BUY or SELL"
	}

	entry := p.EntryPrice
	if entry == 0 {
		entry = p.Price
	}
	if entry <= 0 {
		return dispatch.Signal{}, "entry price must be positive"
	}
	if p.SL <= 0 {
		return dispatch.Signal{}, "sl must be positive"
	}

	mainTP := p.MainTP
	if mainTP == 0 {
		mainTP = p.MainTPSnk
	}
	version := p.IndicatorVersion
	if version == "" {
		version = p.Version
	}

	var tvTime time.Time
	if p.TVTs > 0 {
		tvTime = time.UnixMilli(p.TVTs).UTC()
	}

	return dispatch.Signal{
		Symbol:           p.Symbol,
		Side:             side,
		EntryPrice:       entry,
		SL:               p.SL,
		TP1:              p.TP1,
		TP2:              p.TP2,
		TP3:              p.TP3,
		MainTP:           mainTP,
		ATR:              p.ATR,
		Leverage:         p.Leverage,
		Strength:         p.Strength,
		Tier:             p.Tier,
		Mode:             p.Mode,
		IndicatorVersion: version,
		Session:          p.Timing.Session,
		TVTime:           tvTime,
		Raw:              raw,
		IsTest:           p.IsTest,
	}, ""
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpbot/internal/dispatch"
	"perpbot/internal/domain"
)

type fakeDispatcher struct {
	last    dispatch.Signal
	calls   int
	summary dispatch.Summary
	err     error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, sig dispatch.Signal) (dispatch.Summary, error) {
	f.calls++
	f.last = sig
	return f.summary, f.err
}

type fakeDedup struct {
	seen map[string]bool
	err  error
}

func (f *fakeDedup) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

var _ domain.DedupGuard = (*fakeDedup)(nil)

func postWebhook(h *WebhookHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Receive(rec, req)
	return rec
}

const validAlert = `{
	"symbol": "BINANCE:BTCUSDT.P",
	"side": "BUY",
	"price": 50000,
	"sl": 49000,
	"tp1": 51000,
	"tp2": 52000,
	"main_tp": 52000,
	"atr": 120.5,
	"leverage": 10,
	"strength": 0.82,
	"tier": "Premium",
	"mode": "trend",
	"_indicator_version": "v30",
	"tv_ts": 1756166400000,
	"timing": {"session": "London"}
}`

func TestWebhookPing(t *testing.T) {
	disp := &fakeDispatcher{}
	h := NewWebhookHandler(disp, nil, time.Minute, slog.New(slog.DiscardHandler))

	rec := postWebhook(h, `{"ping":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"pong":true}`, rec.Body.String())
	require.Zero(t, disp.calls)
}

func TestWebhookDispatchesNormalizedSignal(t *testing.T) {
	disp := &fakeDispatcher{summary: dispatch.Summary{Executed: 2, Ignored: 1}}
	h := NewWebhookHandler(disp, &fakeDedup{}, time.Minute, slog.New(slog.DiscardHandler))

	rec := postWebhook(h, validAlert)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, disp.calls)

	sig := disp.last
	// Prefix/suffix stripping happens in the dispatcher; the handler passes
	// the symbol through untouched.
	require.Equal(t, "BINANCE:BTCUSDT.P", sig.Symbol)
	require.Equal(t, domain.SideBuy, sig.Side)
	require.Equal(t, 50000.0, sig.EntryPrice)
	require.Equal(t, 52000.0, sig.MainTP)
	require.Equal(t, "v30", sig.IndicatorVersion)
	require.Equal(t, "London", sig.Session)
	require.Equal(t, time.UnixMilli(1756166400000).UTC(), sig.TVTime)
	require.JSONEq(t, validAlert, string(sig.Raw))
	require.Contains(t, rec.Body.String(), `"executed":2`)
}

func TestWebhookRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"missing symbol": `{"side":"BUY","price":100,"sl":99}`,
		"bad side":       `{"symbol":"BTCUSDT","side":"LONG","price":100,"sl":99}`,
		"no entry":       `{"symbol":"BTCUSDT","side":"BUY","sl":99}`,
		"no sl":          `{"symbol":"BTCUSDT","side":"BUY","price":100}`,
		"not json":       `nope`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			disp := &fakeDispatcher{}
			h := NewWebhookHandler(disp, nil, time.Minute, slog.New(slog.DiscardHandler))
			rec := postWebhook(h, body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Zero(t, disp.calls)
		})
	}
}

func TestWebhookDeduplicatesIdenticalBodies(t *testing.T) {
	disp := &fakeDispatcher{}
	h := NewWebhookHandler(disp, &fakeDedup{}, time.Minute, slog.New(slog.DiscardHandler))

	first := postWebhook(h, validAlert)
	second := postWebhook(h, validAlert)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	require.Contains(t, second.Body.String(), "duplicate")
	require.Equal(t, 1, disp.calls)
}

func TestWebhookAcceptsWhenDedupFails(t *testing.T) {
	disp := &fakeDispatcher{}
	h := NewWebhookHandler(disp, &fakeDedup{err: context.DeadlineExceeded}, time.Minute, slog.New(slog.DiscardHandler))

	rec := postWebhook(h, validAlert)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, disp.calls)
}

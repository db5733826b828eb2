package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
)

func TestNormalizeSymbol(t *testing.T) {
	require.Equal(t, "BTCUSDT", NormalizeSymbol("BINANCE:BTCUSDT.P"))
	require.Equal(t, "ETHUSDT", NormalizeSymbol("ethusdt.p"))
	require.Equal(t, "SOLUSDT", NormalizeSymbol(" SOLUSDT "))
}

func TestSessionAt(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 8, 26, hour, 30, 0, 0, time.UTC)
	}
	// London wins its whole window, including the Asia and New York overlaps.
	require.Equal(t, SessionLondon, SessionAt(at(7)))
	require.Equal(t, SessionLondon, SessionAt(at(12)))
	require.Equal(t, SessionLondon, SessionAt(at(15)))
	require.Equal(t, SessionNewYork, SessionAt(at(16)))
	require.Equal(t, SessionNewYork, SessionAt(at(20)))
	require.Equal(t, SessionAsia, SessionAt(at(0)))
	require.Equal(t, SessionAsia, SessionAt(at(6)))
	require.Equal(t, SessionSydney, SessionAt(at(21)))
	require.Equal(t, SessionSydney, SessionAt(at(23)))
}

func TestCheckFiltersOrder(t *testing.T) {
	now := time.Date(2026, 8, 26, 13, 0, 0, 0, time.UTC)
	alert := domain.Alert{
		Symbol:           "BTCUSDT",
		Tier:             "Quick",
		Strength:         0.4,
		IndicatorVersion: "v2",
	}
	pol := domain.Policy{PolicyFields: domain.PolicyFields{
		IndicatorVersionFilter:     []string{"v3"},
		FilterByTier:               true,
		ExcludedTiers:              []string{"Quick"},
		MinSignalStrengthEnabled:   true,
		MinSignalStrengthThreshold: 0.6,
	}}

	// Indicator version fires first even though tier and strength would
	// also fail.
	require.Contains(t, checkFilters(alert, pol, now), "indicator version")

	pol.IndicatorVersionFilter = nil
	require.Contains(t, checkFilters(alert, pol, now), "tier")

	pol.ExcludedTiers = nil
	pol.FilterByTier = false
	require.Contains(t, checkFilters(alert, pol, now), "strength")

	pol.MinSignalStrengthEnabled = false
	require.Empty(t, checkFilters(alert, pol, now))
}

func TestCheckFiltersSession(t *testing.T) {
	london := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	pol := domain.Policy{PolicyFields: domain.PolicyFields{
		SessionFilteringEnabled: true,
		AllowedSessions:         []string{SessionNewYork},
	}}

	require.Contains(t, checkFilters(domain.Alert{}, pol, london), "session")

	// An alert-supplied session beats the computed one.
	require.Empty(t, checkFilters(domain.Alert{Session: "New York"}, pol, london))
}

func TestInActiveWindowMidnightSpan(t *testing.T) {
	ranges := []domain.TimeRange{{Start: "22:00", End: "02:00"}}

	require.True(t, inActiveWindow(time.Date(2026, 8, 26, 23, 30, 0, 0, time.UTC), "UTC", ranges))
	require.True(t, inActiveWindow(time.Date(2026, 8, 26, 1, 0, 0, 0, time.UTC), "UTC", ranges))
	require.False(t, inActiveWindow(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC), "UTC", ranges))

	// The window is evaluated in the user's timezone: 23:30 Berlin is 21:30
	// UTC, still outside a UTC-clock reading but inside the local one.
	berlin := time.Date(2026, 8, 26, 21, 30, 0, 0, time.UTC)
	require.True(t, inActiveWindow(berlin, "Europe/Berlin", ranges))
}

// --- dispatcher fan-out ---

type fakeSettings struct {
	users []string
	modes map[string]bool // userID -> bot active
}

func (s *fakeSettings) User(_ context.Context, id string) (domain.UserSettings, error) {
	return domain.UserSettings{
		UserID:    id,
		MoneyMode: domain.ModeCustom,
		SLTPMode:  domain.ModeCustom,
		TierMode:  domain.ModeCustom,
		PolicyFields: domain.PolicyFields{
			BotActive: s.modes[id],
		},
	}, nil
}
func (s *fakeSettings) Admin(context.Context) (domain.UserSettings, error) {
	return domain.UserSettings{}, nil
}
func (s *fakeSettings) ActiveUserIDs(context.Context) ([]string, error) { return s.users, nil }
func (s *fakeSettings) SetBotActive(context.Context, string, bool) error {
	return nil
}

type fakeAlerts struct {
	mu       sync.Mutex
	statuses map[string]domain.AlertStatus
	reasons  map[string]string
}

func newFakeAlerts() *fakeAlerts {
	return &fakeAlerts{statuses: map[string]domain.AlertStatus{}, reasons: map[string]string{}}
}

func (s *fakeAlerts) Create(_ context.Context, a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[a.ID] = a.Status
	return nil
}
func (s *fakeAlerts) SetStatus(_ context.Context, id string, st domain.AlertStatus, msg string, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = st
	s.reasons[id] = msg
	return nil
}
func (s *fakeAlerts) GetByID(context.Context, string) (domain.Alert, error) {
	return domain.Alert{}, domain.ErrNotFound
}
func (s *fakeAlerts) ListRecent(context.Context, string, domain.ListOpts) ([]domain.Alert, error) {
	return nil, nil
}

type fakePositions struct {
	openCount int
}

func (s *fakePositions) Create(context.Context, domain.Position) error { return nil }
func (s *fakePositions) Update(context.Context, domain.Position) error { return nil }
func (s *fakePositions) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (s *fakePositions) GetOpen(context.Context, string, string, domain.Side) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (s *fakePositions) ListOpenByUser(context.Context, string) ([]domain.Position, error) {
	return nil, nil
}
func (s *fakePositions) CountOpenByUser(context.Context, string) (int, error) {
	return s.openCount, nil
}
func (s *fakePositions) MarkClosed(context.Context, string, domain.CloseReason, float64, float64, time.Time) error {
	return nil
}
func (s *fakePositions) ListClosedBefore(context.Context, time.Time, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (s *fakePositions) DeleteClosedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeBans struct{ banned map[string]bool }

func (s *fakeBans) Ban(context.Context, domain.BannedSymbol) error { return nil }
func (s *fakeBans) IsBanned(_ context.Context, _ string, symbol string, _ time.Time) (bool, error) {
	return s.banned[symbol], nil
}
func (s *fakeBans) Unban(context.Context, string, string) error { return nil }

type fakeMetrics struct{ realized float64 }

func (s *fakeMetrics) AddRealized(context.Context, string, time.Time, float64) error { return nil }
func (s *fakeMetrics) DailyRealized(context.Context, string, time.Time) (float64, error) {
	return s.realized, nil
}

type passResolver struct{ active map[string]bool }

func (r *passResolver) Resolve(_ context.Context, userID string) (domain.Policy, error) {
	return domain.Policy{UserID: userID, PolicyFields: domain.PolicyFields{BotActive: r.active[userID]}}, nil
}

type fakeOpener struct {
	mu     sync.Mutex
	opened []string
	err    error
}

func (o *fakeOpener) Open(_ context.Context, a domain.Alert, _ domain.Policy) (*domain.Position, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.mu.Lock()
	o.opened = append(o.opened, a.UserID)
	o.mu.Unlock()
	return &domain.Position{ID: "pos-" + a.UserID, Quantity: 1}, nil
}

type fakeEquity struct {
	equity float64
	err    error
}

func (s *fakeEquity) Equity(context.Context, string) (float64, error) { return s.equity, s.err }

func newTestDispatcher(settings *fakeSettings, resolver PolicyResolver, opener Opener) (*Dispatcher, *fakeAlerts) {
	alerts := newFakeAlerts()
	d := New(settings, alerts, &fakePositions{}, &fakeBans{banned: map[string]bool{}}, &fakeMetrics{},
		resolver, opener, &fakeEquity{equity: 10_000}, 10, slog.New(slog.DiscardHandler))
	return d, alerts
}

func TestDispatchFanOut(t *testing.T) {
	settings := &fakeSettings{users: []string{"u1", "u2", "u3"}}
	resolver := &passResolver{active: map[string]bool{"u1": true, "u2": false, "u3": true}}
	opener := &fakeOpener{}
	d, _ := newTestDispatcher(settings, resolver, opener)

	sum, err := d.Dispatch(context.Background(), Signal{
		Symbol: "BINANCE:BTCUSDT.P", Side: domain.SideBuy, EntryPrice: 100, SL: 98,
	})
	require.NoError(t, err)
	require.Equal(t, 2, sum.Executed)
	require.Equal(t, 1, sum.Ignored) // u2's bot is off
	require.Zero(t, sum.Errors)
	require.ElementsMatch(t, []string{"u1", "u3"}, opener.opened)
}

func TestDispatchOpenerErrorCounted(t *testing.T) {
	settings := &fakeSettings{users: []string{"u1"}}
	resolver := &passResolver{active: map[string]bool{"u1": true}}
	opener := &fakeOpener{err: errors.New("exchange down")}
	d, alerts := newTestDispatcher(settings, resolver, opener)

	sum, err := d.Dispatch(context.Background(), Signal{Symbol: "BTCUSDT", Side: domain.SideBuy})
	require.NoError(t, err)
	require.Equal(t, Summary{Errors: 1}, sum)

	for _, st := range alerts.statuses {
		require.Equal(t, domain.AlertError, st)
	}
}

func TestDispatchLimits(t *testing.T) {
	settings := &fakeSettings{users: []string{"u1"}}
	resolver := &passResolver{active: map[string]bool{"u1": true}}
	opener := &fakeOpener{}
	alerts := newFakeAlerts()

	d := New(settings, alerts, &fakePositions{openCount: 5},
		&fakeBans{banned: map[string]bool{}}, &fakeMetrics{},
		resolver, opener, &fakeEquity{equity: 10_000}, 10, slog.New(slog.DiscardHandler))

	// Cap of 5 already reached.
	cappedResolver := &cappedPolicy{inner: resolver, maxOpen: 5}
	d.resolver = cappedResolver
	sum, err := d.Dispatch(context.Background(), Signal{Symbol: "BTCUSDT", Side: domain.SideBuy})
	require.NoError(t, err)
	require.Equal(t, Summary{Ignored: 1}, sum)
	require.Empty(t, opener.opened)
}

func TestDispatchDailyLossPercent(t *testing.T) {
	settings := &fakeSettings{users: []string{"u1"}}
	resolver := &percentLossPolicy{
		inner:   &passResolver{active: map[string]bool{"u1": true}},
		percent: 5,
	}
	newDispatcher := func(realized, equity float64, opener Opener) (*Dispatcher, *fakeAlerts) {
		alerts := newFakeAlerts()
		d := New(settings, alerts, &fakePositions{},
			&fakeBans{banned: map[string]bool{}}, &fakeMetrics{realized: realized},
			resolver, opener, &fakeEquity{equity: equity}, 10, slog.New(slog.DiscardHandler))
		return d, alerts
	}
	signal := Signal{Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 100, SL: 98}

	// 600 lost against 10k equity breaches the 5% gate.
	opener := &fakeOpener{}
	d, alerts := newDispatcher(-600, 10_000, opener)
	sum, err := d.Dispatch(context.Background(), signal)
	require.NoError(t, err)
	require.Equal(t, Summary{Ignored: 1}, sum)
	require.Empty(t, opener.opened)
	for _, reason := range alerts.reasons {
		require.Contains(t, reason, "daily loss")
	}

	// 400 lost is under the threshold; the signal goes through.
	opener = &fakeOpener{}
	d, _ = newDispatcher(-400, 10_000, opener)
	sum, err = d.Dispatch(context.Background(), signal)
	require.NoError(t, err)
	require.Equal(t, Summary{Executed: 1}, sum)
}

type percentLossPolicy struct {
	inner   PolicyResolver
	percent float64
}

func (r *percentLossPolicy) Resolve(ctx context.Context, userID string) (domain.Policy, error) {
	p, err := r.inner.Resolve(ctx, userID)
	if err != nil {
		return p, err
	}
	p.LossLimitType = "percent"
	p.DailyLossPercent = r.percent
	return p, nil
}

type cappedPolicy struct {
	inner   PolicyResolver
	maxOpen int
}

func (r *cappedPolicy) Resolve(ctx context.Context, userID string) (domain.Policy, error) {
	p, err := r.inner.Resolve(ctx, userID)
	if err != nil {
		return p, err
	}
	p.MaxOpenPositions = r.maxOpen
	return p, nil
}

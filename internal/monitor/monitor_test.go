package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
	"perpbot/internal/trader"
)

// fakeExchange is an in-memory multi-symbol exchange for reconciliation
// scenarios.
type fakeExchange struct {
	mu         sync.Mutex
	positions  map[string]*domain.ExchangePosition
	planOrders []domain.PlanOrder
	tickers    map[string]domain.Ticker
	metas      map[string]domain.ContractMeta
	fills      []domain.Fill

	positionsErr error
	nextID       int
	apiCalls     int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		positions: map[string]*domain.ExchangePosition{},
		tickers: map[string]domain.Ticker{
			"BTCUSDT": {Symbol: "BTCUSDT", Last: 100, Bid: 99.9, Ask: 100.1},
			"ETHUSDT": {Symbol: "ETHUSDT", Last: 2000, Bid: 1999, Ask: 2001},
		},
		metas: map[string]domain.ContractMeta{
			"BTCUSDT": {Symbol: "BTCUSDT", PricePlaces: 2, VolumePlaces: 1, MinQty: 0.1, MaxLeverage: 100},
			"ETHUSDT": {Symbol: "ETHUSDT", PricePlaces: 2, VolumePlaces: 1, MinQty: 0.1, MaxLeverage: 100},
		},
	}
}

func (f *fakeExchange) orderID() string {
	f.nextID++
	return "ord-" + strconv.Itoa(f.nextID)
}

func (f *fakeExchange) Account(context.Context) (domain.AccountInfo, error) {
	return domain.AccountInfo{Available: 10_000}, nil
}

func (f *fakeExchange) Positions(context.Context) ([]domain.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiCalls++
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	var out []domain.ExchangePosition
	for _, p := range f.positions {
		if p.Total > 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeExchange) Position(_ context.Context, symbol string) (*domain.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiCalls++
	p, ok := f.positions[symbol]
	if !ok || p.Total == 0 {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeExchange) Ticker(_ context.Context, symbol string) (domain.Ticker, error) {
	return f.tickers[symbol], nil
}

func (f *fakeExchange) ContractMeta(_ context.Context, symbol string) (domain.ContractMeta, error) {
	return f.metas[symbol], nil
}

func (f *fakeExchange) PlaceMarket(_ context.Context, symbol string, side domain.TradeSide, size float64, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if side.IsClose() {
		if p, ok := f.positions[symbol]; ok {
			p.Total -= size
			if p.Total < 0 {
				p.Total = 0
			}
		}
	}
	return f.orderID(), nil
}

func (f *fakeExchange) PlaceMarketLimit(ctx context.Context, symbol string, side domain.TradeSide, size, _ float64, ro bool) (string, error) {
	return f.PlaceMarket(ctx, symbol, side, size, ro)
}

func (f *fakeExchange) PlaceBracket(_ context.Context, req domain.BracketReq) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.orderID()
	f.planOrders = append(f.planOrders, domain.PlanOrder{
		OrderID:      id,
		Symbol:       req.Symbol,
		PlanType:     req.PlanType,
		TriggerPrice: req.TriggerPrice,
		Size:         req.Size,
		TradeSide:    "close",
		HoldSide:     req.HoldSide,
		Status:       domain.PlanLive,
	})
	return id, nil
}

func (f *fakeExchange) CancelPlan(_ context.Context, _, orderID string, _ domain.PlanType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, o := range f.planOrders {
		if o.OrderID == orderID {
			f.planOrders = append(f.planOrders[:i], f.planOrders[i+1:]...)
			return nil
		}
	}
	return errors.New("order not found")
}

func (f *fakeExchange) ModifyPlan(_ context.Context, _, orderID string, _ domain.PlanType, trigger float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.planOrders {
		if f.planOrders[i].OrderID == orderID {
			f.planOrders[i].TriggerPrice = trigger
			return nil
		}
	}
	return errors.New("order not found")
}

func (f *fakeExchange) FlashClose(_ context.Context, symbol string, _ domain.HoldSide, size float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.positions[symbol]; ok && p.Total > 0 {
		if size <= 0 || size >= p.Total {
			p.Total = 0
		} else {
			p.Total -= size
		}
		return true, nil
	}
	return false, nil
}

func (f *fakeExchange) ListPlanOrders(_ context.Context, symbol string, planType domain.PlanType) ([]domain.PlanOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PlanOrder
	for _, o := range f.planOrders {
		if o.Symbol != symbol {
			continue
		}
		isSL := o.PlanType == domain.PlanPosLoss || o.PlanType == domain.PlanPosProfit
		wantSL := planType == domain.PlanProfitLoss || planType == domain.PlanPosLoss || planType == domain.PlanPosProfit
		if isSL == wantSL {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeExchange) FillHistory(context.Context, string, time.Time, time.Time, int) ([]domain.Fill, error) {
	return f.fills, nil
}

func (f *fakeExchange) PositionHistory(context.Context, string, time.Time, time.Time, string) ([]domain.HistoricalPosition, string, error) {
	return nil, "", nil
}

func (f *fakeExchange) SetLeverage(context.Context, string, domain.HoldSide, int) error { return nil }

func (f *fakeExchange) Batch(ctx context.Context, ops []domain.BatchOp) map[string]domain.BatchResult {
	out := make(map[string]domain.BatchResult, len(ops))
	for _, op := range ops {
		id, err := f.PlaceBracket(ctx, op.Bracket)
		out[op.ID] = domain.BatchResult{OrderID: id, Err: err}
	}
	return out
}

// --- in-memory stores ---

type memPositions struct {
	mu   sync.Mutex
	rows map[string]*domain.Position
}

func newMemPositions() *memPositions { return &memPositions{rows: map[string]*domain.Position{}} }

func (s *memPositions) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.Status == domain.PositionOpen && r.UserID == p.UserID && r.Symbol == p.Symbol && r.Side == p.Side {
			return domain.ErrDuplicatePosition
		}
	}
	cp := p
	s.rows[p.ID] = &cp
	return nil
}

func (s *memPositions) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := p
	s.rows[p.ID] = &cp
	return nil
}

func (s *memPositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *r, nil
}

func (s *memPositions) GetOpen(_ context.Context, userID, symbol string, side domain.Side) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.Status == domain.PositionOpen && r.UserID == userID && r.Symbol == symbol && r.Side == side {
			return *r, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *memPositions) ListOpenByUser(_ context.Context, userID string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, r := range s.rows {
		if r.Status == domain.PositionOpen && r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memPositions) CountOpenByUser(ctx context.Context, userID string) (int, error) {
	rows, _ := s.ListOpenByUser(ctx, userID)
	return len(rows), nil
}

func (s *memPositions) MarkClosed(_ context.Context, id string, reason domain.CloseReason, closePrice, pnl float64, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status == domain.PositionClosed {
		return domain.ErrPositionClosed
	}
	r.Status = domain.PositionClosed
	r.CloseReason = reason
	r.ClosePrice = closePrice
	r.RealizedPnL = pnl
	r.ClosedAt = &closedAt
	return nil
}

func (s *memPositions) ListClosedBefore(context.Context, time.Time, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (s *memPositions) DeleteClosedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memLocks struct {
	mu   sync.Mutex
	rows map[string]domain.MonitorLock
}

func newMemLocks() *memLocks { return &memLocks{rows: map[string]domain.MonitorLock{}} }

func (s *memLocks) DeleteExpired(_ context.Context, lockType string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.rows[lockType]; ok && l.ExpiresAt.Before(now) {
		delete(s.rows, lockType)
	}
	return nil
}

func (s *memLocks) TryInsert(_ context.Context, lock domain.MonitorLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[lock.LockType]; ok {
		return nil
	}
	s.rows[lock.LockType] = lock
	return nil
}

func (s *memLocks) Holder(_ context.Context, lockType string) (domain.MonitorLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rows[lockType]
	if !ok {
		return domain.MonitorLock{}, domain.ErrNotFound
	}
	return l, nil
}

func (s *memLocks) Release(_ context.Context, lockType, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.rows[lockType]; ok && l.InstanceID == instanceID {
		delete(s.rows, lockType)
	}
	return nil
}

type memSettings struct{ users []string }

func (s *memSettings) User(_ context.Context, id string) (domain.UserSettings, error) {
	return domain.UserSettings{UserID: id}, nil
}
func (s *memSettings) Admin(context.Context) (domain.UserSettings, error) {
	return domain.UserSettings{}, nil
}
func (s *memSettings) ActiveUserIDs(context.Context) ([]string, error)  { return s.users, nil }
func (s *memSettings) SetBotActive(context.Context, string, bool) error { return nil }

type memMLogs struct {
	mu   sync.Mutex
	rows []domain.MonitoringLog
}

func (s *memMLogs) Insert(_ context.Context, l domain.MonitoringLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, l)
	return nil
}
func (s *memMLogs) ListBefore(context.Context, time.Time, domain.ListOpts) ([]domain.MonitoringLog, error) {
	return nil, nil
}
func (s *memMLogs) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memMetrics struct {
	mu  sync.Mutex
	pnl map[string]float64
}

func (s *memMetrics) AddRealized(_ context.Context, userID string, _ time.Time, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pnl == nil {
		s.pnl = map[string]float64{}
	}
	s.pnl[userID] += pnl
	return nil
}
func (s *memMetrics) DailyRealized(_ context.Context, userID string, _ time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pnl[userID], nil
}

type fixedFactory struct{ ex domain.Exchange }

func (f *fixedFactory) ForUser(context.Context, string) (domain.Exchange, error) { return f.ex, nil }

type staticResolver struct{ pol domain.Policy }

func (r *staticResolver) Resolve(_ context.Context, userID string) (domain.Policy, error) {
	p := r.pol
	p.UserID = userID
	return p, nil
}

type passCache struct{}

func (passCache) Get(context.Context, string) (domain.ContractMeta, error) {
	return domain.ContractMeta{}, domain.ErrNotFound
}
func (passCache) Set(context.Context, domain.ContractMeta) error { return nil }

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fixture struct {
	mon       *Monitor
	ex        *fakeExchange
	positions *memPositions
	locks     *memLocks
	mlogs     *memMLogs
}

func newFixture(instanceID string, ex *fakeExchange, positions *memPositions, locks *memLocks) *fixture {
	mlogs := &memMLogs{}
	mon := New(Config{
		InstanceID: instanceID,
		LeaseTTL:   120 * time.Second,
		Locks:      locks,
		Settings:   &memSettings{users: []string{"u1"}},
		Positions:  positions,
		Logs:       mlogs,
		Metrics:    &memMetrics{},
		Factory:    &fixedFactory{ex: ex},
		Resolver: &staticResolver{pol: domain.Policy{PolicyFields: domain.PolicyFields{
			BotActive:          true,
			PositionSizingType: domain.SizingFixedUSDT,
			CalculatorType:     domain.CalcSimplePercent,
			SLMethod:           domain.SLPercentEntry,
			SimpleSLPercent:    2,
			SimpleTPPercent:    2,
			SimpleTP2Percent:   4,
			TPLevels:           2,
			TP1ClosePercent:    60,
			TP2ClosePercent:    40,
			DefaultLeverage:    10,
		}}},
		Contracts: passCache{},
		Closer:    trader.NewCloser(discard()),
		Logger:    discard(),
	})
	mon.sleep = func(time.Duration) {}
	return &fixture{mon: mon, ex: ex, positions: positions, locks: locks, mlogs: mlogs}
}

// trackedPosition seeds a healthy open BTC long with its bracket live on the
// fake exchange.
func trackedPosition(ex *fakeExchange, positions *memPositions, snap domain.SettingsSnapshot) *domain.Position {
	ex.mu.Lock()
	ex.positions["BTCUSDT"] = &domain.ExchangePosition{
		Symbol: "BTCUSDT", HoldSide: domain.HoldLong, Total: 1, AvgEntry: 100, Leverage: 10,
	}
	ex.planOrders = append(ex.planOrders,
		domain.PlanOrder{OrderID: "sl-1", Symbol: "BTCUSDT", PlanType: domain.PlanPosLoss, TriggerPrice: 98, Size: 1, TradeSide: "close", HoldSide: domain.HoldLong, Status: domain.PlanLive},
		domain.PlanOrder{OrderID: "tp-1", Symbol: "BTCUSDT", PlanType: domain.PlanNormal, TriggerPrice: 103, Size: 0.6, TradeSide: "close", HoldSide: domain.HoldLong, Status: domain.PlanLive},
		domain.PlanOrder{OrderID: "tp-2", Symbol: "BTCUSDT", PlanType: domain.PlanNormal, TriggerPrice: 105, Size: 0.4, TradeSide: "close", HoldSide: domain.HoldLong, Status: domain.PlanLive},
	)
	ex.mu.Unlock()

	pos := &domain.Position{
		ID: "p1", UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideBuy,
		EntryPrice: 100, Quantity: 1, Leverage: 10,
		SLPrice: 98, SLOrderID: "sl-1",
		TPs: [3]domain.TPLeg{
			{Price: 103, Quantity: 0.6, OrderID: "tp-1"},
			{Price: 105, Quantity: 0.4, OrderID: "tp-2"},
		},
		TPLevels:  2,
		Status:    domain.PositionOpen,
		Meta:      domain.PositionMeta{Snapshot: snap},
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	_ = positions.Create(context.Background(), *pos)
	return pos
}

func defaultSnapshot() domain.SettingsSnapshot {
	return domain.SettingsSnapshot{
		CalculatorType:  domain.CalcRiskReward,
		SLMethod:        domain.SLPercentEntry,
		SimpleSLPercent: 2,
		TPLevels:        2,
		TP1RRRatio:      1.5,
		TP2RRRatio:      2.5,
		TP1ClosePercent: 60,
		TP2ClosePercent: 40,
		AlertSL:         98,
	}
}

func TestCycleHealthyPositionUntouched(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	trackedPosition(ex, positions, defaultSnapshot())
	fx := newFixture("i1", ex, positions, newMemLocks())

	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Zero(t, report.Resynced)
	require.Zero(t, report.Closed)

	stored, _ := positions.GetByID(context.Background(), "p1")
	require.Equal(t, domain.PositionOpen, stored.Status)
	require.Zero(t, stored.Meta.ResyncCount)
	require.Len(t, ex.planOrders, 3)
}

func TestLeaseContention(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	trackedPosition(ex, positions, defaultSnapshot())
	locks := newMemLocks()

	// Another instance already holds an unexpired lease.
	require.NoError(t, locks.TryInsert(context.Background(), domain.MonitorLock{
		LockType:   LockTypeMonitor,
		InstanceID: "other",
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(time.Minute),
	}))

	fx := newFixture("i2", ex, positions, locks)
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Equal(t, "Another instance holds the lock", report.Reason)
	require.Zero(t, ex.apiCalls) // no exchange traffic while skipped

	// The other holder's lease survives.
	holder, err := locks.Holder(context.Background(), LockTypeMonitor)
	require.NoError(t, err)
	require.Equal(t, "other", holder.InstanceID)
}

func TestLeaseExpiredIsRecycled(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	locks := newMemLocks()
	require.NoError(t, locks.TryInsert(context.Background(), domain.MonitorLock{
		LockType:   LockTypeMonitor,
		InstanceID: "dead",
		ExpiresAt:  time.Now().UTC().Add(-time.Minute),
	}))

	fx := newFixture("i1", ex, positions, locks)
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.False(t, report.Skipped)
}

func TestPartialCloseBreakevenRewrite(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	snap := defaultSnapshot()
	snap.SLToBreakeven = true
	snap.BreakevenTriggerTP = 1
	snap.FeeAwareBreakeven = true
	trackedPosition(ex, positions, snap)

	// TP1 filled on the exchange: quantity 1.0 -> 0.4, TP1 order gone.
	ex.mu.Lock()
	ex.positions["BTCUSDT"].Total = 0.4
	for i, o := range ex.planOrders {
		if o.OrderID == "tp-1" {
			ex.planOrders = append(ex.planOrders[:i], ex.planOrders[i+1:]...)
			break
		}
	}
	ex.mu.Unlock()

	fx := newFixture("i1", ex, positions, newMemLocks())
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)

	stored, _ := positions.GetByID(context.Background(), "p1")
	require.True(t, stored.TPs[0].Filled)
	require.Equal(t, 0.4, stored.Quantity)
	// Fee-aware breakeven for a BUY at entry 100.
	require.InDelta(t, 100.12, stored.SLPrice, 1e-9)
	require.NotEqual(t, "sl-1", stored.SLOrderID)

	// The old stop was cancelled and the new one is live at breakeven.
	slOrders, _ := ex.ListPlanOrders(context.Background(), "BTCUSDT", domain.PlanProfitLoss)
	require.Len(t, slOrders, 1)
	require.InDelta(t, 100.12, slOrders[0].TriggerPrice, 1e-9)
}

func TestStaleSLTriggersDelayedClose(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	pos := trackedPosition(ex, positions, defaultSnapshot())

	// The recorded stop order vanished; a drifted one sits at 97.5 and the
	// price at 97.8 has already passed the expected 98 level.
	ex.mu.Lock()
	for i := range ex.planOrders {
		if ex.planOrders[i].OrderID == "sl-1" {
			ex.planOrders[i].OrderID = "sl-drifted"
			ex.planOrders[i].TriggerPrice = 97.5
		}
	}
	ex.tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: 97.8, Bid: 97.7, Ask: 97.9}
	ex.mu.Unlock()

	fx := newFixture("i1", ex, positions, newMemLocks())
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Closed)

	stored, _ := positions.GetByID(context.Background(), pos.ID)
	require.Equal(t, domain.PositionClosed, stored.Status)
	require.Equal(t, domain.CloseSLHitDelayed, stored.CloseReason)
	// The book was flattened, not re-armed with an unreachable trigger.
	require.Zero(t, ex.positions["BTCUSDT"].Total)
}

func TestStaleSLReplacedWhenNotPassed(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	pos := trackedPosition(ex, positions, defaultSnapshot())

	ex.mu.Lock()
	for i := range ex.planOrders {
		if ex.planOrders[i].OrderID == "sl-1" {
			ex.planOrders[i].OrderID = "sl-drifted"
			ex.planOrders[i].TriggerPrice = 97.5
		}
	}
	// Price comfortably above the stop: replace, don't close.
	ex.tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: 101, Bid: 100.9, Ask: 101.1}
	ex.mu.Unlock()

	fx := newFixture("i1", ex, positions, newMemLocks())
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Resynced)

	stored, _ := positions.GetByID(context.Background(), pos.ID)
	require.Equal(t, domain.PositionOpen, stored.Status)
	require.Equal(t, 98.0, stored.SLPrice)
	require.Equal(t, 1, stored.Meta.ResyncCount)
	require.NotNil(t, stored.Meta.LastResyncAt)

	slOrders, _ := ex.ListPlanOrders(context.Background(), "BTCUSDT", domain.PlanProfitLoss)
	require.Len(t, slOrders, 1)
	require.Equal(t, 98.0, slOrders[0].TriggerPrice)
}

func TestResyncCooldownBoundary(t *testing.T) {
	driftSL := func(ex *fakeExchange) {
		ex.mu.Lock()
		for i := range ex.planOrders {
			if ex.planOrders[i].PlanType == domain.PlanPosLoss {
				ex.planOrders[i].OrderID = "sl-drifted"
				ex.planOrders[i].TriggerPrice = 97.5
			}
		}
		ex.tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: 101, Bid: 100.9, Ask: 101.1}
		ex.mu.Unlock()
	}

	run := func(sinceResync time.Duration) int {
		ex := newFakeExchange()
		positions := newMemPositions()
		pos := trackedPosition(ex, positions, defaultSnapshot())
		driftSL(ex)

		last := time.Now().UTC().Add(-sinceResync)
		pos.Meta.LastResyncAt = &last
		pos.Meta.ResyncCount = 1
		require.NoError(t, positions.Update(context.Background(), *pos))

		fx := newFixture("i1", ex, positions, newMemLocks())
		_, err := fx.mon.RunCycle(context.Background())
		require.NoError(t, err)
		stored, _ := positions.GetByID(context.Background(), pos.ID)
		return stored.Meta.ResyncCount
	}

	// 4:59 since the last resync: still cooling down.
	require.Equal(t, 1, run(4*time.Minute+59*time.Second))
	// 5:01 since: the resync proceeds.
	require.Equal(t, 2, run(5*time.Minute+1*time.Second))
}

func TestOrphanRecovery(t *testing.T) {
	ex := newFakeExchange()
	ex.positions["ETHUSDT"] = &domain.ExchangePosition{
		Symbol: "ETHUSDT", HoldSide: domain.HoldLong, Total: 0.5, AvgEntry: 2000, Leverage: 20,
	}
	positions := newMemPositions()
	fx := newFixture("i1", ex, positions, newMemLocks())

	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Orphans)

	open, _ := positions.ListOpenByUser(context.Background(), "u1")
	require.Len(t, open, 1)
	pos := open[0]
	require.True(t, pos.Meta.Recovered)
	require.Equal(t, 2000.0, pos.EntryPrice)
	require.Equal(t, 0.5, pos.Quantity)
	require.Equal(t, domain.SideBuy, pos.Side)

	// With no live brackets, SL and TPs were placed from current policy.
	require.NotEmpty(t, pos.SLOrderID)
	slOrders, _ := ex.ListPlanOrders(context.Background(), "ETHUSDT", domain.PlanProfitLoss)
	require.Len(t, slOrders, 1)
}

func TestOrphanRecoveryLostRace(t *testing.T) {
	ex := newFakeExchange()
	ex.positions["ETHUSDT"] = &domain.ExchangePosition{
		Symbol: "ETHUSDT", HoldSide: domain.HoldLong, Total: 0.5, AvgEntry: 2000, Leverage: 20,
	}
	positions := newMemPositions()

	// Simulate the concurrent reconciler having already inserted the row.
	require.NoError(t, positions.Create(context.Background(), domain.Position{
		ID: "winner", UserID: "u1", Symbol: "ETHUSDT", Side: domain.SideBuy,
		EntryPrice: 2000, Quantity: 0.5, Status: domain.PositionOpen,
	}))

	fx := newFixture("i1", ex, positions, newMemLocks())
	report := CycleReport{}
	fx.mon.recoverOrphan(context.Background(), ex, "u1", *ex.positions["ETHUSDT"], &report)
	require.Zero(t, report.Orphans)

	n, _ := positions.CountOpenByUser(context.Background(), "u1")
	require.Equal(t, 1, n)
}

func TestDBOnlyPositionFinalized(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	pos := trackedPosition(ex, positions, defaultSnapshot())

	// Exchange closed everything: position and orders are gone, close fills
	// show the stop executed.
	ex.mu.Lock()
	delete(ex.positions, "BTCUSDT")
	ex.planOrders = nil
	ex.fills = []domain.Fill{{
		Symbol: "BTCUSDT", TradeSide: domain.TradeCloseLong,
		Price: 98, Size: 1, Time: time.Now().UTC(),
	}}
	ex.mu.Unlock()

	fx := newFixture("i1", ex, positions, newMemLocks())
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Closed)

	stored, _ := positions.GetByID(context.Background(), pos.ID)
	require.Equal(t, domain.PositionClosed, stored.Status)
	require.Equal(t, domain.CloseSLHit, stored.CloseReason)
	require.Equal(t, 98.0, stored.ClosePrice)
	require.InDelta(t, -2.0, stored.RealizedPnL, 1e-9)
}

func TestSkipUserOnListingFailure(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	pos := trackedPosition(ex, positions, defaultSnapshot())
	ex.positionsErr = fmt.Errorf("exchange 502")

	fx := newFixture("i1", ex, positions, newMemLocks())
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Errors)
	require.Zero(t, report.Checked)

	// Nothing was closed off the failed read.
	stored, _ := positions.GetByID(context.Background(), pos.ID)
	require.Equal(t, domain.PositionOpen, stored.Status)
}

func TestOrphanOrderCleanup(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	trackedPosition(ex, positions, defaultSnapshot())

	// A leftover TP from a long-closed position on the same symbol.
	ex.mu.Lock()
	ex.planOrders = append(ex.planOrders, domain.PlanOrder{
		OrderID: "stale-42", Symbol: "BTCUSDT", PlanType: domain.PlanNormal,
		TriggerPrice: 120, Size: 0.3, TradeSide: "close", HoldSide: domain.HoldLong, Status: domain.PlanLive,
	})
	ex.mu.Unlock()

	fx := newFixture("i1", ex, positions, newMemLocks())
	_, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)

	for _, o := range ex.planOrders {
		require.NotEqual(t, "stale-42", o.OrderID)
	}
	// Owned orders survive.
	require.Len(t, ex.planOrders, 3)
}

func TestOrphanCleanupSparesEntryOrders(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	trackedPosition(ex, positions, defaultSnapshot())

	// The user parked their own entry trigger on the same symbol. It is not
	// ours to cancel even though no position records it.
	ex.mu.Lock()
	ex.planOrders = append(ex.planOrders, domain.PlanOrder{
		OrderID: "manual-entry-1", Symbol: "BTCUSDT", PlanType: domain.PlanNormal,
		TriggerPrice: 95, Size: 2, TradeSide: "open", HoldSide: domain.HoldLong, Status: domain.PlanLive,
	})
	ex.mu.Unlock()

	fx := newFixture("i1", ex, positions, newMemLocks())
	_, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, ex.planOrders, 4)
	var ids []string
	for _, o := range ex.planOrders {
		ids = append(ids, o.OrderID)
	}
	require.Contains(t, ids, "manual-entry-1")
}

func TestFinalizeSweepsUnrecordedCloseOrders(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	pos := trackedPosition(ex, positions, defaultSnapshot())

	// Exchange closed the position; a stop order from a prior failed cancel
	// is still sitting there under an id the DB never saw. An open-side
	// trigger on the same book must survive the sweep.
	ex.mu.Lock()
	delete(ex.positions, "BTCUSDT")
	ex.planOrders = []domain.PlanOrder{
		{OrderID: "stray-sl", Symbol: "BTCUSDT", PlanType: domain.PlanPosLoss, TriggerPrice: 97, Size: 1, TradeSide: "close", HoldSide: domain.HoldLong, Status: domain.PlanLive},
		{OrderID: "entry-keep", Symbol: "BTCUSDT", PlanType: domain.PlanNormal, TriggerPrice: 95, Size: 2, TradeSide: "open", HoldSide: domain.HoldLong, Status: domain.PlanLive},
	}
	ex.fills = []domain.Fill{{
		Symbol: "BTCUSDT", TradeSide: domain.TradeCloseLong,
		Price: 98, Size: 1, Time: time.Now().UTC(),
	}}
	ex.mu.Unlock()

	fx := newFixture("i1", ex, positions, newMemLocks())
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Closed)

	stored, _ := positions.GetByID(context.Background(), pos.ID)
	require.Equal(t, domain.PositionClosed, stored.Status)

	require.Len(t, ex.planOrders, 1)
	require.Equal(t, "entry-keep", ex.planOrders[0].OrderID)
}

func TestPartialCloseAmbiguousDeltaMatchesNearestTP(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	pos := trackedPosition(ex, positions, defaultSnapshot())

	// Equal leg sizes: a 0.5 drop fits either TP. The mark at 104.6 sits
	// next to the 105 trigger, so that is the leg that fired.
	pos.TPs[0].Quantity = 0.5
	pos.TPs[1].Quantity = 0.5
	require.NoError(t, positions.Update(context.Background(), *pos))

	ex.mu.Lock()
	ex.positions["BTCUSDT"].Total = 0.5
	for i := len(ex.planOrders) - 1; i >= 0; i-- {
		switch ex.planOrders[i].OrderID {
		case "tp-1":
			ex.planOrders[i].Size = 0.5
		case "tp-2":
			ex.planOrders = append(ex.planOrders[:i], ex.planOrders[i+1:]...)
		}
	}
	ex.tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: 104.6, Bid: 104.5, Ask: 104.7}
	ex.mu.Unlock()

	fx := newFixture("i1", ex, positions, newMemLocks())
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Zero(t, report.Resynced)

	stored, _ := positions.GetByID(context.Background(), pos.ID)
	require.False(t, stored.TPs[0].Filled)
	require.True(t, stored.TPs[1].Filled)
	require.Equal(t, 0.5, stored.Quantity)
}

func TestHealthyCheckUsesListingRow(t *testing.T) {
	ex := newFakeExchange()
	positions := newMemPositions()
	trackedPosition(ex, positions, defaultSnapshot())

	fx := newFixture("i1", ex, positions, newMemLocks())
	report, err := fx.mon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)

	// One listing covers the whole healthy pass; the row from it satisfies
	// verification without a per-symbol re-read.
	require.Equal(t, 1, ex.apiCalls)
}

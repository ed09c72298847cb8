package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
	"stablearb/internal/domain/service"
)

type stubConfig struct {
	cfg model.Config
	err error
}

func (s *stubConfig) Trading() (model.Config, error) { return s.cfg, s.err }

type stubMarkets struct {
	quotes map[string]port.Quote
}

func (s *stubMarkets) CurrentPrices(ctx context.Context) (map[string]port.Quote, error) {
	out := make(map[string]port.Quote, len(s.quotes))
	for k, v := range s.quotes {
		out[k] = v
	}
	return out, nil
}

type stubRepo struct {
	mu       sync.Mutex
	opps     map[string]*model.Opportunity
	executed map[string]bool
	trades   int
}

func newStubRepo() *stubRepo {
	return &stubRepo{opps: make(map[string]*model.Opportunity), executed: make(map[string]bool)}
}

func (r *stubRepo) SaveTrade(ctx context.Context, t *model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades++
	return nil
}

func (r *stubRepo) UpdateTrade(ctx context.Context, t *model.Trade) error { return nil }

func (r *stubRepo) SaveOpportunity(ctx context.Context, o *model.Opportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.opps[o.ID] = &cp
	return nil
}

func (r *stubRepo) MarkOpportunityExecuted(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed[id] = true
	return nil
}

func (r *stubRepo) UpsertDailyVolume(ctx context.Context, dv *model.DailyVolume) error { return nil }
func (r *stubRepo) GetDailyVolume(ctx context.Context, date string) (*model.DailyVolume, error) {
	return nil, nil
}

func (r *stubRepo) VolumeStats(ctx context.Context, days int) ([]model.DailyVolume, error) {
	return []model.DailyVolume{{Date: "2026-03-01", TotalVolumeUSD: 42, TradeCount: 3}}, nil
}
func (r *stubRepo) SaveBreaker(ctx context.Context, b *model.CircuitBreaker) error { return nil }

func (r *stubRepo) UpdateBreaker(ctx context.Context, b *model.CircuitBreaker) error { return nil }

func (r *stubRepo) Ping(ctx context.Context) error { return nil }

func (r *stubRepo) Close() error { return nil }

type fillGateway struct {
	mu     sync.Mutex
	nextID int
}

func (g *fillGateway) CreateOrder(ctx context.Context, pair string, ordType port.OrderType, side string, amount, price float64) (port.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	return port.Order{ID: fmt.Sprintf("ord-%d", g.nextID), Status: port.OrderClosed, Price: price, Timestamp: time.Now()}, nil
}

func (g *fillGateway) GetOrderStatus(ctx context.Context, id, pair string) (port.OrderStatus, error) {
	return port.OrderClosed, nil
}

func (g *fillGateway) CancelOrder(ctx context.Context, id, pair string) error { return nil }

func testConfig() model.Config {
	return model.Config{
		SpreadThreshold:       0.003,
		TradeAmount:           100,
		DailyMaxVolume:        5000,
		RiskBuffer:            0.1,
		MaxPendingOrders:      3,
		MaxDailyLoss:          100,
		VolatilityMultiplier:  1.0,
		CircuitBreakerEnabled: true,
		SlippageTolerance:     0.001,
		TakerFeeRate:          0.0006,
	}
}

func newTestEngine(cfgStore port.ConfigStore, repo port.Repository) (*Engine, *service.Ledger, *service.Tracker) {
	ledger := service.NewLedger(map[string]float64{"XRP": 1000, "USDT": 500, "USDC": 500})
	book := service.NewPriceBook(time.Hour)
	tracker := service.NewTracker(repo)
	executor := service.NewCoordinator(ledger, &fillGateway{}, repo)
	governor := service.NewGovernor(ledger, book, tracker, executor)

	markets := &stubMarkets{quotes: map[string]port.Quote{
		"XRP/USDT": {Pair: "XRP/USDT", Price: 0.530, Volume24h: 50000},
		"XRP/USDC": {Pair: "XRP/USDC", Price: 0.520, Volume24h: 50000},
	}}

	eng := New(Deps{
		Config:   cfgStore,
		Markets:  markets,
		Repo:     repo,
		Ledger:   ledger,
		Book:     book,
		Detector: service.NewDetector("XRP/USDT", "XRP/USDC"),
		Governor: governor,
		Executor: executor,
		Tracker:  tracker,
		QuoteA:   "USDT",
		QuoteB:   "USDC",
	})
	return eng, ledger, tracker
}

func TestIterateExecutesOpportunity(t *testing.T) {
	repo := newStubRepo()
	eng, ledger, tracker := newTestEngine(&stubConfig{cfg: testConfig()}, repo)

	if backoff := eng.iterate(context.Background()); backoff {
		t.Fatal("healthy iteration should not back off")
	}

	repo.mu.Lock()
	if len(repo.opps) != 1 {
		repo.mu.Unlock()
		t.Fatalf("recorded %d opportunities, want 1", len(repo.opps))
	}
	var oppID string
	for id := range repo.opps {
		oppID = id
	}
	executed := repo.executed[oppID]
	repo.mu.Unlock()
	if !executed {
		t.Fatal("opportunity should be marked executed after a fill")
	}

	if day := tracker.Today(); day.TradeCount != 1 || day.TotalVolumeUSD <= 0 {
		t.Fatalf("daily record = %+v, want one tracked trade", day)
	}
	if err := ledger.CheckConsistency(); err != nil {
		t.Fatalf("ledger inconsistent after iteration: %v", err)
	}
}

func TestIterateBacksOffWithoutConfig(t *testing.T) {
	repo := newStubRepo()
	eng, _, _ := newTestEngine(&stubConfig{err: errors.New("file gone")}, repo)

	if backoff := eng.iterate(context.Background()); !backoff {
		t.Fatal("missing config should trigger backoff")
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.opps) != 0 {
		t.Fatal("no trading activity should happen without config")
	}
}

func TestIterateRespectsBreaker(t *testing.T) {
	repo := newStubRepo()
	eng, _, tracker := newTestEngine(&stubConfig{cfg: testConfig()}, repo)
	tracker.ActivateBreaker(context.Background(), model.BreakerEmergencyStop, "operator stop", 0, 0)

	if backoff := eng.iterate(context.Background()); backoff {
		t.Fatal("a breaker is not an iteration error")
	}

	// The opportunity is still observed and audited, just not traded.
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.opps) != 1 {
		t.Fatalf("recorded %d opportunities, want 1", len(repo.opps))
	}
	if repo.trades != 0 {
		t.Fatalf("persisted %d trades, want 0 while the breaker is active", repo.trades)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	repo := newStubRepo()
	eng, _, _ := newTestEngine(&stubConfig{cfg: testConfig()}, repo)

	ctx := context.Background()
	eng.Start(ctx)
	eng.Start(ctx) // second start is a no-op
	if !eng.Running() {
		t.Fatal("engine should report running")
	}

	time.Sleep(50 * time.Millisecond)
	eng.Stop()
	eng.Stop() // second stop is a no-op
	if eng.Running() {
		t.Fatal("engine should report stopped")
	}
}

func TestSnapshotReflectsActivity(t *testing.T) {
	repo := newStubRepo()
	eng, _, _ := newTestEngine(&stubConfig{cfg: testConfig()}, repo)

	if backoff := eng.iterate(context.Background()); backoff {
		t.Fatal("healthy iteration should not back off")
	}

	st := eng.Snapshot(context.Background())
	if st.Running {
		t.Fatal("engine was never started")
	}
	if st.PendingCount != 0 {
		t.Fatalf("pending = %d, want 0 after fills", st.PendingCount)
	}
	if len(st.Trades) != 2 {
		t.Fatalf("trades = %d, want both legs recorded", len(st.Trades))
	}
	if st.Today.TradeCount != 1 {
		t.Fatalf("today = %+v, want one tracked trade", st.Today)
	}
	if len(st.Balances) != 3 {
		t.Fatalf("balances = %d currencies, want 3", len(st.Balances))
	}
	if len(st.History) != 1 || st.History[0].TotalVolumeUSD != 42 {
		t.Fatalf("history = %+v, want the repository's daily records", st.History)
	}
}

func TestEmergencyStopLatchesBreaker(t *testing.T) {
	repo := newStubRepo()
	eng, _, tracker := newTestEngine(&stubConfig{cfg: testConfig()}, repo)

	eng.EmergencyStop(context.Background(), "test trigger")

	allowed, active := tracker.CheckBreakers(context.Background())
	if allowed {
		t.Fatal("trading must be blocked after an emergency stop")
	}
	if len(active) != 1 || active[0].Type != model.BreakerEmergencyStop {
		t.Fatalf("active = %+v, want one emergency_stop", active)
	}
}

func TestRebalanceQuotes(t *testing.T) {
	repo := newStubRepo()
	eng, ledger, _ := newTestEngine(&stubConfig{cfg: testConfig()}, repo)

	// Skew the split well past the deadband.
	if err := ledger.Apply("USDT", 300, 0); err != nil {
		t.Fatalf("setup apply failed: %v", err)
	}
	if err := ledger.Apply("USDC", -300, 0); err != nil {
		t.Fatalf("setup apply failed: %v", err)
	}

	eng.rebalanceQuotes()

	usdt, usdc := ledger.Get("USDT").Free, ledger.Get("USDC").Free
	if usdt != 500 || usdc != 500 {
		t.Fatalf("after rebalance: USDT=%f USDC=%f, want 500/500", usdt, usdc)
	}
}

func TestRebalanceRespectsDeadband(t *testing.T) {
	repo := newStubRepo()
	eng, ledger, _ := newTestEngine(&stubConfig{cfg: testConfig()}, repo)

	// 4% skew sits inside the 5% deadband.
	if err := ledger.Apply("USDT", 40, 0); err != nil {
		t.Fatalf("setup apply failed: %v", err)
	}
	if err := ledger.Apply("USDC", -40, 0); err != nil {
		t.Fatalf("setup apply failed: %v", err)
	}

	eng.rebalanceQuotes()

	if usdt := ledger.Get("USDT").Free; usdt != 540 {
		t.Fatalf("USDT = %f, small skew must be left alone", usdt)
	}
}

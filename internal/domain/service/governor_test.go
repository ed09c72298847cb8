package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
)

type fakeActivity struct {
	pending int
	last    time.Time
}

func (f *fakeActivity) PendingCount() int         { return f.pending }
func (f *fakeActivity) LastTradeStart() time.Time { return f.last }

func governorConfig() model.Config {
	return model.Config{
		SpreadThreshold:       0.003,
		TradeAmount:           100,
		DailyMaxVolume:        5000,
		RiskBuffer:            0.1,
		MaxPendingOrders:      3,
		MaxDailyLoss:          100,
		VolatilityMultiplier:  1.0,
		CircuitBreakerEnabled: true,
	}
}

func testOpportunity() *model.Opportunity {
	return &model.Opportunity{
		ID:        "opp-1",
		SellPair:  "XRP/USDT",
		BuyPair:   "XRP/USDC",
		SellPrice: 0.530,
		BuyPrice:  0.520,
		Spread:    0.010,
		SpreadPct: 1.923,
		Amount:    100,
	}
}

func newTestGovernor(activity *fakeActivity) (*Governor, *Ledger, *PriceBook, *Tracker) {
	ledger := NewLedger(map[string]float64{"XRP": 1000, "USDT": 500, "USDC": 500})
	book := NewPriceBook(time.Hour)
	tracker := NewTracker(newMemRepo())
	g := NewGovernor(ledger, book, tracker, activity)
	return g, ledger, book, tracker
}

func TestEvaluateAllows(t *testing.T) {
	g, _, _, _ := newTestGovernor(&fakeActivity{})

	d := g.Evaluate(context.Background(), testOpportunity(), governorConfig())
	if !d.Allowed {
		t.Fatalf("expected approval, got %q", d.Reason)
	}
	// The spread bonus pushes the amount up, then the configured trade
	// amount clamps it back down.
	if d.AdjustedAmount != 100 {
		t.Fatalf("adjusted amount = %f, want 100", d.AdjustedAmount)
	}
}

func TestEvaluateBreakerGate(t *testing.T) {
	g, _, _, tracker := newTestGovernor(&fakeActivity{})
	tracker.ActivateBreaker(context.Background(), model.BreakerEmergencyStop, "operator stop", 0, 0)

	d := g.Evaluate(context.Background(), testOpportunity(), governorConfig())
	if d.Allowed || !strings.Contains(d.Reason, "circuit breaker") {
		t.Fatalf("expected breaker rejection, got %+v", d)
	}
}

func TestEvaluateNoHeadroom(t *testing.T) {
	g, _, _, tracker := newTestGovernor(&fakeActivity{})
	cfg := governorConfig()
	cfg.CircuitBreakerEnabled = false
	tracker.TrackTradeVolume(context.Background(), 5000, 0, cfg)

	d := g.Evaluate(context.Background(), testOpportunity(), cfg)
	if d.Allowed || !strings.Contains(d.Reason, "no safe trade amount") {
		t.Fatalf("expected sizing rejection, got %+v", d)
	}
}

func TestEvaluateInsufficientQuote(t *testing.T) {
	activity := &fakeActivity{}
	ledger := NewLedger(map[string]float64{"XRP": 1000, "USDT": 50, "USDC": 50})
	g := NewGovernor(ledger, NewPriceBook(time.Hour), NewTracker(newMemRepo()), activity)

	d := g.Evaluate(context.Background(), testOpportunity(), governorConfig())
	if d.Allowed || !strings.Contains(d.Reason, "insufficient quote balance") {
		t.Fatalf("expected quote balance rejection, got %+v", d)
	}
}

func TestEvaluatePendingGate(t *testing.T) {
	g, _, _, _ := newTestGovernor(&fakeActivity{pending: 3})

	d := g.Evaluate(context.Background(), testOpportunity(), governorConfig())
	if d.Allowed || !strings.Contains(d.Reason, "too many pending orders") {
		t.Fatalf("expected pending rejection, got %+v", d)
	}
}

func TestEvaluateVolatilityGuard(t *testing.T) {
	g, _, book, _ := newTestGovernor(&fakeActivity{})

	// Six samples spanning nearly 4% inside the guard window.
	for _, p := range []float64{0.520, 0.525, 0.530, 0.535, 0.540, 0.522} {
		book.Update(port.Quote{Pair: "XRP/USDT", Price: p})
	}

	d := g.Evaluate(context.Background(), testOpportunity(), governorConfig())
	if d.Allowed || !strings.Contains(d.Reason, "high price volatility") {
		t.Fatalf("expected volatility rejection, got %+v", d)
	}
}

func TestEvaluateStaleSpread(t *testing.T) {
	g, _, book, _ := newTestGovernor(&fakeActivity{})

	// The spread has collapsed since detection.
	book.Update(port.Quote{Pair: "XRP/USDT", Price: 0.520})
	book.Update(port.Quote{Pair: "XRP/USDC", Price: 0.520})

	d := g.Evaluate(context.Background(), testOpportunity(), governorConfig())
	if d.Allowed || !strings.Contains(d.Reason, "spread fell below threshold") {
		t.Fatalf("expected stale spread rejection, got %+v", d)
	}
}

func TestEvaluateAbsurdSpread(t *testing.T) {
	g, _, _, _ := newTestGovernor(&fakeActivity{})
	opp := testOpportunity()
	opp.SpreadPct = 6.0

	d := g.Evaluate(context.Background(), opp, governorConfig())
	if d.Allowed || !strings.Contains(d.Reason, "spread too large") {
		t.Fatalf("expected data sanity rejection, got %+v", d)
	}
}

func TestEvaluateThrottle(t *testing.T) {
	g, _, _, _ := newTestGovernor(&fakeActivity{last: time.Now().Add(-10 * time.Second)})

	d := g.Evaluate(context.Background(), testOpportunity(), governorConfig())
	if d.Allowed || !strings.Contains(d.Reason, "throttled") {
		t.Fatalf("expected throttle rejection, got %+v", d)
	}
}

func TestMaxSafeAmount(t *testing.T) {
	g, _, _, tracker := newTestGovernor(&fakeActivity{})
	cfg := governorConfig()
	cfg.CircuitBreakerEnabled = false

	// Empty day: the configured trade amount is the binding limit.
	if got := g.MaxSafeAmount("XRP", cfg); got != 100 {
		t.Fatalf("max safe = %f, want 100", got)
	}

	// 4950 traded leaves 50 of daily headroom, below the trade amount.
	tracker.TrackTradeVolume(context.Background(), 4950, 0, cfg)
	if got := g.MaxSafeAmount("XRP", cfg); got != 50 {
		t.Fatalf("max safe = %f, want 50", got)
	}

	// Over the cap the floor is zero, never negative.
	tracker.TrackTradeVolume(context.Background(), 100, 0, cfg)
	if got := g.MaxSafeAmount("XRP", cfg); got != 0 {
		t.Fatalf("max safe = %f, want 0", got)
	}
}

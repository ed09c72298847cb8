package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
	"stablearb/internal/domain/service"
)

const (
	loopInterval   = 5 * time.Second
	errorBackoff   = 10 * time.Second
	reportInterval = 10 * time.Minute
	largeLossUSD   = 50.0
	rebalanceSkew  = 0.05

	statusHistoryDays = 7
)

// Deps are the engine's collaborators, wired at startup.
type Deps struct {
	Config   port.ConfigStore
	Markets  port.MarketData
	Repo     port.Repository
	Ledger   *service.Ledger
	Book     *service.PriceBook
	Detector *service.Detector
	Governor *service.Governor
	Executor *service.Coordinator
	Tracker  *service.Tracker

	// Quote currencies kept near a 50/50 split by the rebalancer.
	QuoteA, QuoteB string
}

// Engine drives the poll, detect, risk-check, execute, sweep, rebalance
// cycle. A single background goroutine owns the loop; Start and Stop are
// idempotent.
type Engine struct {
	deps Deps

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Start launches the control loop. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		log.Warn().Msg("engine already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(loopCtx)
	log.Info().Msg("arbitrage engine started")
}

// Stop halts the loop before its next iteration and cancels all pending
// trades. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mu.Unlock()

	<-done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.deps.Executor.CancelPending(ctx)
	log.Info().Msg("arbitrage engine stopped")
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status is a point-in-time operational snapshot for reporting.
type Status struct {
	Running      bool                `json:"running"`
	PendingCount int                 `json:"pending_count"`
	Balances     []model.Balance     `json:"balances"`
	Today        model.DailyVolume   `json:"today"`
	History      []model.DailyVolume `json:"history,omitempty"`
	Trades       []model.Trade       `json:"trades"`
}

// Snapshot gathers the current engine status. The volume history is
// best effort: an unreachable audit store leaves it empty.
func (e *Engine) Snapshot(ctx context.Context) Status {
	st := Status{
		Running:      e.Running(),
		PendingCount: e.deps.Executor.PendingCount(),
		Balances:     e.deps.Ledger.All(),
		Today:        e.deps.Tracker.Today(),
		Trades:       e.deps.Executor.Trades(),
	}
	if e.deps.Repo != nil {
		history, err := e.deps.Repo.VolumeStats(ctx, statusHistoryDays)
		if err != nil {
			log.Warn().Err(err).Msg("volume history unavailable for status")
		} else {
			st.History = history
		}
	}
	return st
}

// EmergencyStop latches the emergency_stop breaker and cancels every
// pending order immediately. The loop keeps running but the breaker blocks
// all trading until cleared.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) {
	log.Error().Str("reason", reason).Msg("EMERGENCY STOP ACTIVATED")
	e.deps.Tracker.ActivateBreaker(ctx, model.BreakerEmergencyStop, reason, 0, 0)
	e.deps.Executor.CancelPending(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	report := time.NewTicker(reportInterval)
	defer report.Stop()
	for {
		backoff := e.iterate(ctx)
		wait := loopInterval
		if backoff {
			wait = errorBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-report.C:
			e.reportStatus(ctx)
		case <-time.After(wait):
		}
	}
}

// reportStatus logs the operational snapshot with the recent volume totals.
func (e *Engine) reportStatus(ctx context.Context) {
	st := e.Snapshot(ctx)
	var volume, pnl float64
	for _, dv := range st.History {
		volume += dv.TotalVolumeUSD
		pnl += dv.ProfitLoss
	}
	log.Info().
		Int("pending", st.PendingCount).
		Int("trades_today", st.Today.TradeCount).
		Float64("volume_today", st.Today.TotalVolumeUSD).
		Int("history_days", len(st.History)).
		Float64("history_volume", volume).
		Float64("history_pnl", pnl).
		Msg("engine status")
}

// iterate runs one cycle and reports whether the loop should back off.
// Errors never escape; a panic latches the system_error breaker.
func (e *Engine) iterate(ctx context.Context) (backoff bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("engine iteration panicked")
			e.deps.Tracker.ActivateBreaker(ctx, model.BreakerSystemError,
				fmt.Sprintf("engine panic: %v", r), 0, 0)
			backoff = true
		}
	}()

	cfg, err := e.deps.Config.Trading()
	if err != nil {
		log.Error().Err(err).Msg("trading configuration unavailable")
		return true
	}

	if err := e.healthCheck(ctx); err != nil {
		log.Error().Err(err).Msg("health check failed")
		return true
	}

	prices, err := e.deps.Markets.CurrentPrices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("market snapshot unavailable")
		return true
	}
	for _, q := range prices {
		e.deps.Book.Update(q)
	}

	if opp := e.deps.Detector.Detect(e.deps.Book.Snapshot(), cfg); opp != nil {
		log.Info().Float64("spread_pct", opp.SpreadPct).
			Str("sell_pair", opp.SellPair).Str("buy_pair", opp.BuyPair).
			Msg("arbitrage opportunity detected")
		if err := e.deps.Repo.SaveOpportunity(ctx, opp); err != nil {
			log.Error().Err(err).Msg("opportunity audit write failed")
		}
		e.executeOpportunity(ctx, opp, cfg)
	}

	e.deps.Executor.SweepTimeouts(ctx)
	e.rebalanceQuotes()
	return false
}

func (e *Engine) executeOpportunity(ctx context.Context, opp *model.Opportunity, cfg model.Config) {
	decision := e.deps.Governor.Evaluate(ctx, opp, cfg)
	if !decision.Allowed {
		log.Warn().Str("reason", decision.Reason).Msg("trade blocked by risk check")
		return
	}
	if decision.AdjustedAmount != opp.Amount {
		log.Info().Float64("from", opp.Amount).Float64("to", decision.AdjustedAmount).
			Msg("position size adjusted for volatility")
		opp.Amount = decision.AdjustedAmount
	}

	result := e.deps.Executor.Execute(ctx, opp, cfg)
	if result == nil {
		e.deps.Tracker.ActivateBreaker(ctx, model.BreakerExecutionFailure,
			"atomic trade execution failed", 0, 0)
		return
	}

	e.deps.Tracker.TrackTradeVolume(ctx, result.TradeValueUSD, result.ProfitLoss, cfg)
	opp.Executed = true
	if err := e.deps.Repo.MarkOpportunityExecuted(ctx, opp.ID); err != nil {
		log.Error().Err(err).Msg("opportunity executed-flag write failed")
	}

	if result.ProfitLoss < -largeLossUSD {
		e.deps.Tracker.ActivateBreaker(ctx, model.BreakerLargeLoss,
			fmt.Sprintf("large single trade loss: %.2f", -result.ProfitLoss),
			-result.ProfitLoss, largeLossUSD)
	}
}

// healthCheck verifies the audit store is reachable and the ledger is
// internally consistent. Inconsistencies are surfaced, never auto-healed.
func (e *Engine) healthCheck(ctx context.Context) error {
	if e.deps.Repo != nil {
		if err := e.deps.Repo.Ping(ctx); err != nil {
			return fmt.Errorf("audit store unreachable: %w", err)
		}
	}
	return e.deps.Ledger.CheckConsistency()
}

// rebalanceQuotes nudges the two quote currencies back toward a 50/50
// split once the skew exceeds the deadband.
func (e *Engine) rebalanceQuotes() {
	a := e.deps.Ledger.Get(e.deps.QuoteA).Free
	b := e.deps.Ledger.Get(e.deps.QuoteB).Free
	total := a + b
	if total <= 0 {
		return
	}
	diff := total/2 - a
	if abs(diff)/total <= rebalanceSkew {
		return
	}
	from, to := e.deps.QuoteB, e.deps.QuoteA
	if diff < 0 {
		from, to = e.deps.QuoteA, e.deps.QuoteB
	}
	amount := abs(diff)
	if err := e.deps.Ledger.Apply(from, -amount, 0); err != nil {
		log.Warn().Err(err).Msg("rebalance skipped")
		return
	}
	_ = e.deps.Ledger.Apply(to, amount, 0)
	log.Info().Str("from", from).Str("to", to).Float64("amount", amount).
		Msg("rebalanced quote currencies")
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

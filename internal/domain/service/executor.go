package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
)

const (
	// Shared deadline for joining both legs of an atomic execution.
	defaultExecTimeout = 10 * time.Second
	// Pending trades older than this are swept to a terminal status.
	defaultOrderTimeout = 30 * time.Second
	// Fill-confirmation polling cadence against the gateway.
	defaultPollInterval = 100 * time.Millisecond
)

// lockInfo remembers the balance a leg is holding so rollback and the
// timeout sweep can release exactly what was taken.
type lockInfo struct {
	currency string
	amount   float64
}

// Coordinator executes both legs of an arbitrage trade as one atomic unit:
// concurrent dispatch, a shared deadline, and best-effort rollback with
// unconditional lock release on partial failure. It is the only component
// that mutates the ledger during trading.
type Coordinator struct {
	ledger  *Ledger
	gateway port.OrderGateway
	repo    port.Repository

	mu        sync.Mutex
	trades    map[string]*model.Trade
	locks     map[string]lockInfo
	lastStart time.Time

	execTimeout  time.Duration
	orderTimeout time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewCoordinator builds an executor over the given ledger, gateway and
// audit repository.
func NewCoordinator(ledger *Ledger, gateway port.OrderGateway, repo port.Repository) *Coordinator {
	return &Coordinator{
		ledger:       ledger,
		gateway:      gateway,
		repo:         repo,
		trades:       make(map[string]*model.Trade),
		locks:        make(map[string]lockInfo),
		execTimeout:  defaultExecTimeout,
		orderTimeout: defaultOrderTimeout,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// PendingCount reports the number of in-flight trade legs.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.trades {
		if t.Status == model.TradePending {
			n++
		}
	}
	return n
}

// LastTradeStart is when the most recent execution was dispatched.
func (c *Coordinator) LastTradeStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStart
}

// Trades returns a snapshot of every tracked trade leg.
func (c *Coordinator) Trades() []model.Trade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Trade, 0, len(c.trades))
	for _, t := range c.trades {
		out = append(out, *t)
	}
	return out
}

// transition moves a trade to a terminal status exactly once. A second
// transition is rejected, keeping terminal trades immutable.
func (c *Coordinator) transition(t *model.Trade, to model.TradeStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Status.Terminal() {
		return fmt.Errorf("%s -> %s: %w", t.Status, to, model.ErrTerminalTrade)
	}
	t.Status = to
	if to == model.TradeCompleted {
		t.CompletedAt = c.now().UTC()
	}
	return nil
}

// Execute runs the paired sell+buy atomically. It returns nil whenever the
// trade is rejected, rolled back or times out; leg errors never escape as
// raw errors. A non-nil result means both legs completed and the ledger
// reflects both fills.
func (c *Coordinator) Execute(ctx context.Context, opp *model.Opportunity, cfg model.Config) *model.ExecutionResult {
	if pending := c.PendingCount(); pending >= cfg.MaxPendingOrders {
		log.Warn().Int("pending", pending).Int("max", cfg.MaxPendingOrders).
			Msg("pending order limit reached, execution rejected")
		return nil
	}

	amount := opp.Amount
	// Recompute profitability from the opportunity's current numbers.
	sellGross := amount * opp.SellPrice
	buyGross := amount * opp.BuyPrice
	net := (sellGross - sellGross*cfg.TakerFeeRate) - (buyGross + buyGross*cfg.TakerFeeRate)
	if net <= 0 {
		log.Warn().Float64("net", net).Msg("not profitable after fees, execution aborted")
		return nil
	}

	// Pre-validate both legs before locking anything.
	base, _ := splitPair(opp.SellPair)
	_, buyQuote := splitPair(opp.BuyPair)
	if c.ledger.Get(base).Free < amount {
		log.Error().Str("currency", base).Float64("need", amount).
			Msg("insufficient base balance for atomic trade")
		return nil
	}
	buyRequired := buyGross * (1 + cfg.SlippageTolerance + cfg.TakerFeeRate)
	if c.ledger.Get(buyQuote).Free < buyRequired {
		log.Error().Str("currency", buyQuote).Float64("need", buyRequired).
			Msg("insufficient quote balance for atomic trade")
		return nil
	}

	c.mu.Lock()
	c.lastStart = c.now()
	c.mu.Unlock()

	log.Info().Str("sell_pair", opp.SellPair).Str("buy_pair", opp.BuyPair).
		Float64("amount", amount).Float64("spread_pct", opp.SpreadPct).
		Msg("dispatching atomic arbitrage trade")

	execCtx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	var sellTrade, buyTrade *model.Trade
	g, legCtx := errgroup.WithContext(execCtx)
	g.Go(func() error {
		t, err := c.executeLeg(legCtx, model.SideSell, opp.SellPair, amount, opp.SellPrice, cfg)
		sellTrade = t
		return err
	})
	g.Go(func() error {
		t, err := c.executeLeg(legCtx, model.SideBuy, opp.BuyPair, amount, opp.BuyPrice, cfg)
		buyTrade = t
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("atomic execution failed, rolling back")
		c.rollback(sellTrade, buyTrade)
		return nil
	}
	if sellTrade == nil || buyTrade == nil ||
		sellTrade.Status != model.TradeCompleted || buyTrade.Status != model.TradeCompleted {
		log.Error().Msg("atomic execution incomplete, rolling back")
		c.rollback(sellTrade, buyTrade)
		return nil
	}

	// Realized P&L from actual fills, split across both records.
	sellFee := sellTrade.TotalValue * cfg.TakerFeeRate
	buyFee := buyTrade.TotalValue * cfg.TakerFeeRate
	realized := (sellTrade.TotalValue - sellFee) - (buyTrade.TotalValue + buyFee)
	sellTrade.ProfitLoss = realized / 2
	buyTrade.ProfitLoss = realized / 2
	c.persist(ctx, sellTrade)
	c.persist(ctx, buyTrade)

	slip := model.Slippage{
		Sell: (opp.SellPrice - sellTrade.Price) / opp.SellPrice,
		Buy:  (buyTrade.Price - opp.BuyPrice) / opp.BuyPrice,
	}
	slip.Total = slip.Sell + slip.Buy

	log.Info().Float64("pnl", realized).
		Float64("sell_slippage", slip.Sell).Float64("buy_slippage", slip.Buy).
		Msg("atomic arbitrage completed")

	return &model.ExecutionResult{
		SellTrade:     sellTrade,
		BuyTrade:      buyTrade,
		ProfitLoss:    realized,
		Slippage:      slip,
		TradeValueUSD: sellTrade.TotalValue,
	}
}

// executeLeg runs one side: lock balance, record a pending trade, submit a
// slippage-bounded limit order, await the fill and settle. On any failure
// the trade is marked failed and the lock released before returning.
func (c *Coordinator) executeLeg(ctx context.Context, side model.TradeSide, pair string, amount, expectedPrice float64, cfg model.Config) (*model.Trade, error) {
	base, quote := splitPair(pair)

	// The buy lock covers the worst-case fill at the slippage ceiling plus
	// fees, so settlement can never spend past the lock.
	var lockCur string
	var lockAmt float64
	if side == model.SideSell {
		lockCur, lockAmt = base, amount
	} else {
		lockCur, lockAmt = quote, amount*expectedPrice*(1+cfg.SlippageTolerance+cfg.TakerFeeRate)
	}
	if err := c.ledger.Lock(lockCur, lockAmt); err != nil {
		return nil, err
	}

	trade := &model.Trade{
		ID:         uuid.NewString(),
		Side:       side,
		Pair:       pair,
		Amount:     amount,
		Price:      expectedPrice,
		TotalValue: amount * expectedPrice,
		Status:     model.TradePending,
		CreatedAt:  c.now().UTC(),
	}
	c.mu.Lock()
	c.trades[trade.ID] = trade
	c.locks[trade.ID] = lockInfo{currency: lockCur, amount: lockAmt}
	c.mu.Unlock()
	c.persist(ctx, trade)

	// Limit order with a slippage band: floor below the expected sell
	// price, ceiling above the expected buy price.
	limitPrice := expectedPrice * (1 - cfg.SlippageTolerance)
	if side == model.SideBuy {
		limitPrice = expectedPrice * (1 + cfg.SlippageTolerance)
	}
	order, err := c.gateway.CreateOrder(ctx, pair, port.OrderTypeLimit, string(side), amount, limitPrice)
	if err != nil {
		c.failLeg(trade)
		return trade, fmt.Errorf("%s leg order: %w", side, err)
	}

	c.mu.Lock()
	trade.OrderRef = order.ID
	if order.Price > 0 {
		trade.Price = order.Price
		trade.TotalValue = amount * order.Price
	}
	c.mu.Unlock()

	status := order.Status
	for status != port.OrderClosed {
		if status == port.OrderCancelled || status == port.OrderRejected || status == port.OrderExpired {
			c.failLeg(trade)
			return trade, fmt.Errorf("%s leg order %s: %s", side, order.ID, status)
		}
		select {
		case <-ctx.Done():
			c.failLeg(trade)
			return trade, fmt.Errorf("%s leg: %w", side, ctx.Err())
		case <-time.After(c.pollInterval):
		}
		status, err = c.gateway.GetOrderStatus(ctx, order.ID, pair)
		if err != nil {
			c.failLeg(trade)
			return trade, fmt.Errorf("%s leg status: %w", side, err)
		}
	}

	if err := c.settleFill(trade); err != nil {
		return trade, err
	}
	c.persist(ctx, trade)
	log.Info().Str("side", string(side)).Str("pair", pair).
		Float64("amount", amount).Float64("price", trade.Price).
		Msg("leg filled")
	return trade, nil
}

// settleFill consumes the leg's lock and applies the fill deltas, all under
// the per-currency sections. The lock record is only removed after the
// deltas apply, so a failed settlement stays releasable by rollback and the
// timeout sweep.
func (c *Coordinator) settleFill(trade *model.Trade) error {
	c.mu.Lock()
	li, held := c.locks[trade.ID]
	c.mu.Unlock()
	if !held {
		return fmt.Errorf("no lock held for trade %s", trade.ID)
	}

	base, quote := splitPair(trade.Pair)
	var err error
	if trade.Side == model.SideSell {
		// Consume the locked base, credit the quote proceeds.
		if err = c.ledger.Apply(base, 0, -li.amount); err == nil {
			err = c.ledger.Apply(quote, trade.TotalValue, 0)
		}
	} else {
		// Consume the lock, refund the unspent buffer, credit the base.
		if err = c.ledger.Apply(quote, li.amount-trade.TotalValue, -li.amount); err == nil {
			err = c.ledger.Apply(base, trade.Amount, 0)
		}
	}
	if err != nil {
		log.Error().Err(err).Str("trade", trade.ID).Msg("settlement ledger apply failed")
		return err
	}

	c.mu.Lock()
	delete(c.locks, trade.ID)
	c.mu.Unlock()
	return c.transition(trade, model.TradeCompleted)
}

// failLeg marks a leg failed and releases its lock.
func (c *Coordinator) failLeg(trade *model.Trade) {
	if err := c.transition(trade, model.TradeFailed); err != nil {
		return
	}
	c.releaseLock(trade.ID)
	c.persist(context.Background(), trade)
}

// releaseLock unconditionally returns whatever balance the leg still holds.
func (c *Coordinator) releaseLock(tradeID string) {
	c.mu.Lock()
	li, held := c.locks[tradeID]
	delete(c.locks, tradeID)
	c.mu.Unlock()
	if held {
		c.ledger.Unlock(li.currency, li.amount)
	}
}

// rollback is best-effort: cancel both legs at the gateway (tolerating
// already-filled and unknown orders), then reconcile from each leg's final
// observed status, releasing any lock still held by a non-completed leg.
func (c *Coordinator) rollback(trades ...*model.Trade) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, t := range trades {
		if t == nil {
			continue
		}
		if t.OrderRef != "" && t.Status != model.TradeCompleted {
			if err := c.gateway.CancelOrder(ctx, t.OrderRef, t.Pair); err != nil {
				log.Debug().Err(err).Str("order", t.OrderRef).Msg("rollback cancel ignored")
			}
		}
		if t.Status == model.TradePending {
			// The leg never reached its own failure path; close it out.
			if err := c.transition(t, model.TradeCancelled); err == nil {
				c.persist(ctx, t)
			}
		}
		if t.Status != model.TradeCompleted {
			c.releaseLock(t.ID)
		}
	}
	log.Warn().Msg("atomic execution rolled back")
}

// SweepTimeouts moves any trade pending past the timeout window to a
// terminal status: completed when the gateway reports the order closed on
// recheck, timeout otherwise, releasing the lock for genuine non-fills.
func (c *Coordinator) SweepTimeouts(ctx context.Context) {
	cutoff := c.now().UTC().Add(-c.orderTimeout)

	c.mu.Lock()
	var stale []*model.Trade
	for _, t := range c.trades {
		if t.Status == model.TradePending && t.CreatedAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	c.mu.Unlock()

	for _, t := range stale {
		log.Warn().Str("trade", t.ID).Str("order", t.OrderRef).Msg("order timeout detected")
		if t.OrderRef != "" {
			if status, err := c.gateway.GetOrderStatus(ctx, t.OrderRef, t.Pair); err == nil && status == port.OrderClosed {
				if err := c.settleFill(t); err == nil {
					c.persist(ctx, t)
					continue
				}
			}
		}
		if err := c.transition(t, model.TradeTimeout); err != nil {
			continue
		}
		c.releaseLock(t.ID)
		c.persist(ctx, t)
	}
}

// CancelPending cancels every in-flight trade: best-effort gateway cancel
// plus unconditional local unlock. Used by stop and the emergency stop.
func (c *Coordinator) CancelPending(ctx context.Context) int {
	c.mu.Lock()
	var pending []*model.Trade
	for _, t := range c.trades {
		if t.Status == model.TradePending {
			pending = append(pending, t)
		}
	}
	c.mu.Unlock()

	for _, t := range pending {
		if t.OrderRef != "" {
			if err := c.gateway.CancelOrder(ctx, t.OrderRef, t.Pair); err != nil {
				log.Debug().Err(err).Str("order", t.OrderRef).Msg("cancel ignored")
			}
		}
		if err := c.transition(t, model.TradeCancelled); err != nil {
			continue
		}
		c.releaseLock(t.ID)
		c.persist(ctx, t)
	}
	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("cancelled pending orders")
	}
	return len(pending)
}

// persist is a best-effort audit write; the in-memory book is authoritative.
func (c *Coordinator) persist(ctx context.Context, t *model.Trade) {
	if c.repo == nil {
		return
	}
	c.mu.Lock()
	snapshot := *t
	c.mu.Unlock()
	var err error
	if snapshot.Status == model.TradePending && snapshot.OrderRef == "" {
		err = c.repo.SaveTrade(ctx, &snapshot)
	} else {
		err = c.repo.UpdateTrade(ctx, &snapshot)
	}
	if err != nil {
		log.Error().Err(err).Str("trade", snapshot.ID).Msg("trade audit write failed")
	}
}

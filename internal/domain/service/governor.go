package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"stablearb/internal/domain/model"
)

const (
	// Volatility factor window and normalization: ~1.5% dispersion over 30
	// minutes is treated as normal (factor 1.0).
	volatilityWindow   = 30 * time.Minute
	normalVolatility   = 0.015
	minVolatilityClamp = 0.5
	maxVolatilityClamp = 3.0

	// Short-horizon guard: reject when (max-min)/min over the last 5
	// minutes exceeds 2%.
	guardWindow      = 5 * time.Minute
	guardMaxMovement = 0.02
	minGuardSamples  = 5
	minFactorSamples = 5

	// Spreads above 5% are treated as bad data, not opportunity.
	maxSaneSpreadPct = 5.0

	// At most one trade start per throttle interval.
	tradeThrottle = 30 * time.Second
)

// TradeActivity is the governor's read-only view of in-flight execution.
type TradeActivity interface {
	PendingCount() int
	LastTradeStart() time.Time
}

// Decision is the outcome of a pre-trade risk evaluation.
type Decision struct {
	Allowed        bool
	Reason         string
	AdjustedAmount float64
}

// Governor runs the ordered pre-trade safety gates and owns risk-adjusted
// position sizing. It only reads the ledger; the execution coordinator is
// the sole mutator.
type Governor struct {
	ledger   *Ledger
	book     *PriceBook
	tracker  *Tracker
	activity TradeActivity
	now      func() time.Time
}

// NewGovernor wires the governor's read-only collaborators.
func NewGovernor(ledger *Ledger, book *PriceBook, tracker *Tracker, activity TradeActivity) *Governor {
	return &Governor{
		ledger:   ledger,
		book:     book,
		tracker:  tracker,
		activity: activity,
		now:      time.Now,
	}
}

func reject(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Evaluate runs the gate chain against the opportunity. The first failing
// gate short-circuits the rest. On success the returned amount is the
// volatility- and spread-scaled position clamped to MaxSafeAmount, the
// single authoritative ceiling.
func (g *Governor) Evaluate(ctx context.Context, opp *model.Opportunity, cfg model.Config) Decision {
	// 1. Circuit breakers, checked fresh every time.
	if allowed, active := g.tracker.CheckBreakers(ctx); !allowed {
		types := make([]string, 0, len(active))
		for _, b := range active {
			types = append(types, b.Type)
		}
		return reject(fmt.Sprintf("circuit breaker(s) active: %s", strings.Join(types, ",")))
	}

	// 2. Volatility-adjusted sizing.
	amount := g.volatilityAdjustedAmount(opp, cfg)
	if amount <= 0 {
		return reject("no safe trade amount available")
	}

	// 3. Daily volume cap.
	tradeUSD := amount * opp.SellPrice
	if !g.tracker.CheckDailyVolumeLimit(tradeUSD, cfg) {
		return reject(fmt.Sprintf("daily volume limit: %.2f + %.2f > %.2f",
			g.tracker.TodayVolumeUSD(), tradeUSD, cfg.DailyMaxVolume))
	}

	// 4. Balance safety margins.
	base, _ := splitPair(opp.SellPair)
	requiredBase := amount * (1 + cfg.RiskBuffer)
	if free := g.ledger.Get(base).Free; free < requiredBase {
		return reject(fmt.Sprintf("insufficient %s with safety margin: %.4f < %.4f",
			base, free, requiredBase))
	}
	_, sellQuote := splitPair(opp.SellPair)
	_, buyQuote := splitPair(opp.BuyPair)
	requiredQuote := amount * opp.BuyPrice * (1 + cfg.RiskBuffer)
	if g.ledger.Get(sellQuote).Free < requiredQuote && g.ledger.Get(buyQuote).Free < requiredQuote {
		return reject(fmt.Sprintf("insufficient quote balance with safety margin: need %.4f", requiredQuote))
	}

	// 5. Pending orders cap.
	if pending := g.activity.PendingCount(); pending >= cfg.MaxPendingOrders {
		return reject(fmt.Sprintf("too many pending orders: %d >= %d", pending, cfg.MaxPendingOrders))
	}

	// 6. Short-horizon volatility guard.
	for _, pair := range []string{opp.SellPair, opp.BuyPair} {
		if v, ok := g.recentMovement(pair); ok && v > guardMaxMovement {
			return reject(fmt.Sprintf("high price volatility on %s: %.4f", pair, v))
		}
	}

	// 7. Spread sanity against the freshest quotes.
	spreadPct := g.currentSpreadPct(opp)
	if spreadPct < cfg.SpreadThreshold*100 {
		return reject(fmt.Sprintf("spread fell below threshold: %.4f%% < %.4f%%",
			spreadPct, cfg.SpreadThreshold*100))
	}
	if spreadPct > maxSaneSpreadPct {
		return reject(fmt.Sprintf("spread too large, possible data error: %.4f%%", spreadPct))
	}

	// 8. Frequency throttle.
	if last := g.activity.LastTradeStart(); !last.IsZero() && g.now().Sub(last) < tradeThrottle {
		return reject(fmt.Sprintf("trade started %.0fs ago, throttled to one per %s",
			g.now().Sub(last).Seconds(), tradeThrottle))
	}

	return Decision{Allowed: true, Reason: "all risk checks passed", AdjustedAmount: amount}
}

// MaxSafeAmount is the single authoritative position ceiling: free base
// asset less the risk buffer, remaining daily volume headroom and the
// configured trade amount, floored at zero.
func (g *Governor) MaxSafeAmount(baseCurrency string, cfg model.Config) float64 {
	maxBase := g.ledger.Get(baseCurrency).Free * (1 - cfg.RiskBuffer)
	remaining := cfg.DailyMaxVolume - g.tracker.TodayVolumeUSD()
	safe := maxBase
	if remaining < safe {
		safe = remaining
	}
	if cfg.TradeAmount < safe {
		safe = cfg.TradeAmount
	}
	if safe < 0 {
		return 0
	}
	return safe
}

// volatilityAdjustedAmount scales the detector's base amount by the
// volatility factor and spread bonus, then clamps to MaxSafeAmount.
func (g *Governor) volatilityAdjustedAmount(opp *model.Opportunity, cfg model.Config) float64 {
	amount := opp.Amount
	if amount <= 0 {
		amount = cfg.TradeAmount
	}

	factor := g.volatilityFactor(opp.SellPair, opp.BuyPair)
	if cfg.VolatilityMultiplier > 0 {
		factor *= cfg.VolatilityMultiplier
	}
	switch {
	case factor > 1.5:
		amount *= 0.5
	case factor > 1.2:
		amount *= 0.75
	case factor < 0.5:
		amount *= 1.25
	}

	if opp.SpreadPct > 0.5 {
		bonus := 1 + opp.SpreadPct/100
		if bonus > 1.5 {
			bonus = 1.5
		}
		amount *= bonus
	}

	base, _ := splitPair(opp.SellPair)
	maxSafe := g.MaxSafeAmount(base, cfg)
	if amount > maxSafe {
		amount = maxSafe
	}
	log.Debug().Float64("factor", factor).Float64("amount", amount).
		Float64("max_safe", maxSafe).Msg("position sized")
	if amount < 0 {
		return 0
	}
	return amount
}

// volatilityFactor is the coefficient of variation over the 30-minute
// window, averaged across both pairs and normalized so ~1.5% dispersion
// maps to 1.0. Insufficient history means normal volatility.
func (g *Governor) volatilityFactor(pairs ...string) float64 {
	var factors []float64
	for _, pair := range pairs {
		prices := g.book.Window(pair, volatilityWindow)
		if len(prices) < minFactorSamples {
			continue
		}
		minP, maxP, sum := prices[0], prices[0], 0.0
		for _, p := range prices {
			if p < minP {
				minP = p
			}
			if p > maxP {
				maxP = p
			}
			sum += p
		}
		avg := sum / float64(len(prices))
		if avg > 0 {
			factors = append(factors, (maxP-minP)/avg)
		}
	}
	if len(factors) == 0 {
		return 1.0
	}
	total := 0.0
	for _, f := range factors {
		total += f
	}
	factor := (total / float64(len(factors))) / normalVolatility
	if factor < minVolatilityClamp {
		return minVolatilityClamp
	}
	if factor > maxVolatilityClamp {
		return maxVolatilityClamp
	}
	return factor
}

// recentMovement returns (max-min)/min over the guard window. ok is false
// when there are too few samples to judge.
func (g *Governor) recentMovement(pair string) (float64, bool) {
	prices := g.book.Window(pair, guardWindow)
	if len(prices) < minGuardSamples {
		return 0, false
	}
	minP, maxP := prices[0], prices[0]
	for _, p := range prices {
		if p < minP {
			minP = p
		}
		if p > maxP {
			maxP = p
		}
	}
	if minP <= 0 {
		return 0, false
	}
	return (maxP - minP) / minP, true
}

// currentSpreadPct recomputes the spread from the freshest quotes, falling
// back to the detected value when either quote is gone.
func (g *Governor) currentSpreadPct(opp *model.Opportunity) float64 {
	sell, okS := g.book.Latest(opp.SellPair)
	buy, okB := g.book.Latest(opp.BuyPair)
	if !okS || !okB || buy.Price <= 0 {
		return opp.SpreadPct
	}
	return (sell.Price - buy.Price) / buy.Price * 100
}

// splitPair breaks "XRP/USDT" into base and quote currencies.
func splitPair(pair string) (base, quote string) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 {
		return pair, ""
	}
	return parts[0], parts[1]
}

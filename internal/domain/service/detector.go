package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
)

const (
	// Floor below which a spread cannot beat fees even in the best case.
	minProfitableSpreadPct = 0.08
	// Minimum 24h volume per pair to consider the book liquid enough.
	minVolume24h = 1000.0
	// Baseline spread for position scaling: a spread of 0.3% earns the
	// configured base amount, larger spreads scale up to 2x.
	spreadScaleBaselinePct = 0.3
	maxSpreadMultiplier    = 2.0
	// Absolute profit floor in quote-currency units.
	minProfitUSD = 0.10
)

// Detector identifies directional spreads between the two pairs quoting the
// same base asset.
type Detector struct {
	pairA string
	pairB string
}

// NewDetector watches the two given pairs, e.g. XRP/USDT and XRP/USDC.
func NewDetector(pairA, pairB string) *Detector {
	return &Detector{pairA: pairA, pairB: pairB}
}

// Detect computes the spread from the latest quotes and returns an
// opportunity when it clears the threshold, liquidity and profit floors.
// Missing quotes mean no opportunity, never an error. The returned
// opportunity's amount is a base amount; the risk governor owns the final
// ceiling.
func (d *Detector) Detect(prices map[string]port.Quote, cfg model.Config) *model.Opportunity {
	qa, okA := prices[d.pairA]
	qb, okB := prices[d.pairB]
	if !okA || !okB {
		return nil
	}

	// Higher-priced pair is the sell side.
	sell, buy := qa, qb
	if qb.Price > qa.Price {
		sell, buy = qb, qa
	}
	if buy.Price <= 0 {
		return nil
	}

	spread := sell.Price - buy.Price
	spreadPct := spread / buy.Price * 100

	threshold := cfg.SpreadThreshold * 100
	if threshold < minProfitableSpreadPct {
		threshold = minProfitableSpreadPct
	}
	if spreadPct < threshold {
		return nil
	}

	if sell.Volume24h < minVolume24h || buy.Volume24h < minVolume24h {
		log.Debug().Str("sell_pair", sell.Pair).Str("buy_pair", buy.Pair).
			Float64("sell_volume", sell.Volume24h).Float64("buy_volume", buy.Volume24h).
			Msg("insufficient liquidity for spread")
		return nil
	}

	// Reward larger spreads with larger positions, capped at 2x base.
	multiplier := spreadPct / spreadScaleBaselinePct
	if multiplier > maxSpreadMultiplier {
		multiplier = maxSpreadMultiplier
	}
	amount := cfg.TradeAmount * multiplier
	if amount <= 0 {
		return nil
	}

	gross := amount * spread
	fees := amount * (sell.Price + buy.Price) * cfg.TakerFeeRate
	net := gross - fees
	if net < minProfitUSD {
		log.Debug().Float64("net_profit", net).Msg("estimated profit below floor")
		return nil
	}

	return &model.Opportunity{
		ID:              uuid.NewString(),
		SellPair:        sell.Pair,
		BuyPair:         buy.Pair,
		SellPrice:       sell.Price,
		BuyPrice:        buy.Price,
		Spread:          spread,
		SpreadPct:       spreadPct,
		Amount:          amount,
		GrossProfit:     gross,
		EstimatedFees:   fees,
		EstimatedProfit: net,
		SellVolume24h:   sell.Volume24h,
		BuyVolume24h:    buy.Volume24h,
		DetectedAt:      time.Now().UTC(),
	}
}

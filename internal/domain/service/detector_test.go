package service

import (
	"math"
	"testing"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
)

func detectorConfig() model.Config {
	return model.Config{
		SpreadThreshold: 0.003,
		TradeAmount:     100,
		TakerFeeRate:    0.0006,
	}
}

func quotes(priceA, priceB, volume float64) map[string]port.Quote {
	return map[string]port.Quote{
		"XRP/USDT": {Pair: "XRP/USDT", Price: priceA, Volume24h: volume},
		"XRP/USDC": {Pair: "XRP/USDC", Price: priceB, Volume24h: volume},
	}
}

func TestDetectBelowThreshold(t *testing.T) {
	d := NewDetector("XRP/USDT", "XRP/USDC")

	// 0.13% spread against a 0.3% threshold.
	if opp := d.Detect(quotes(0.5241, 0.5234, 50000), detectorConfig()); opp != nil {
		t.Fatalf("expected no opportunity, got %+v", opp)
	}
}

func TestDetectDirectionalSpread(t *testing.T) {
	d := NewDetector("XRP/USDT", "XRP/USDC")

	opp := d.Detect(quotes(0.530, 0.520, 50000), detectorConfig())
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if opp.SellPair != "XRP/USDT" || opp.BuyPair != "XRP/USDC" {
		t.Fatalf("sell=%s buy=%s, want sell on the higher-priced pair", opp.SellPair, opp.BuyPair)
	}
	wantPct := (0.530 - 0.520) / 0.520 * 100
	if math.Abs(opp.SpreadPct-wantPct) > 1e-9 {
		t.Fatalf("spread pct = %f, want %f", opp.SpreadPct, wantPct)
	}
	// 1.92% spread maxes out the 2x position multiplier.
	if opp.Amount != 200 {
		t.Fatalf("amount = %f, want 200", opp.Amount)
	}
	if opp.EstimatedProfit <= 0 {
		t.Fatalf("estimated profit = %f, want > 0", opp.EstimatedProfit)
	}
	if opp.ID == "" || opp.DetectedAt.IsZero() {
		t.Fatal("opportunity must carry an id and detection time")
	}
}

func TestDetectDirectionFlips(t *testing.T) {
	d := NewDetector("XRP/USDT", "XRP/USDC")

	opp := d.Detect(quotes(0.520, 0.530, 50000), detectorConfig())
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if opp.SellPair != "XRP/USDC" || opp.BuyPair != "XRP/USDT" {
		t.Fatalf("sell=%s buy=%s, direction should follow the higher price", opp.SellPair, opp.BuyPair)
	}
}

func TestDetectThresholdFloor(t *testing.T) {
	d := NewDetector("XRP/USDT", "XRP/USDC")
	cfg := detectorConfig()
	cfg.SpreadThreshold = 0.0001 // 0.01%, below the profitable floor

	// 0.05% spread clears the configured threshold but not the floor.
	if opp := d.Detect(quotes(0.52026, 0.52, 50000), cfg); opp != nil {
		t.Fatalf("spread below fee floor must be rejected, got %+v", opp)
	}
}

func TestDetectIlliquidMarket(t *testing.T) {
	d := NewDetector("XRP/USDT", "XRP/USDC")

	if opp := d.Detect(quotes(0.530, 0.520, 500), detectorConfig()); opp != nil {
		t.Fatalf("thin market must be rejected, got %+v", opp)
	}
}

func TestDetectProfitFloor(t *testing.T) {
	d := NewDetector("XRP/USDT", "XRP/USDC")
	cfg := detectorConfig()
	cfg.TradeAmount = 1 // net profit on a 1-unit trade is well under $0.10

	if opp := d.Detect(quotes(0.530, 0.520, 50000), cfg); opp != nil {
		t.Fatalf("sub-floor profit must be rejected, got %+v", opp)
	}
}

func TestDetectMissingQuote(t *testing.T) {
	d := NewDetector("XRP/USDT", "XRP/USDC")

	prices := map[string]port.Quote{
		"XRP/USDT": {Pair: "XRP/USDT", Price: 0.53, Volume24h: 50000},
	}
	if opp := d.Detect(prices, detectorConfig()); opp != nil {
		t.Fatalf("missing quote must yield nil, got %+v", opp)
	}
}

package model

import "time"

// TradeSide is the direction of a single leg.
type TradeSide string

const (
	SideSell TradeSide = "sell"
	SideBuy  TradeSide = "buy"
)

// TradeStatus is the lifecycle state of a trade leg. A trade is created
// pending and transitions exactly once to a terminal status.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
	TradeCancelled TradeStatus = "cancelled"
	TradeTimeout   TradeStatus = "timeout"
)

// Terminal reports whether s is a final status.
func (s TradeStatus) Terminal() bool {
	return s != TradePending && s != ""
}

// Balance is a per-currency wallet entry. Free and Locked never go negative.
type Balance struct {
	Currency string  `json:"currency"`
	Free     float64 `json:"free"`
	Locked   float64 `json:"locked"`
}

// Total returns free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// Trade is one leg of a paired arbitrage trade.
type Trade struct {
	ID          string      `json:"id"`
	Side        TradeSide   `json:"side"`
	Pair        string      `json:"pair"`
	Amount      float64     `json:"amount"`
	Price       float64     `json:"price"`
	TotalValue  float64     `json:"total_value"`
	Status      TradeStatus `json:"status"`
	OrderRef    string      `json:"order_ref,omitempty"`
	ProfitLoss  float64     `json:"profit_loss"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// Opportunity is a detected directional spread between the two pairs.
// Immutable once emitted by the detector; Executed flips at most once.
type Opportunity struct {
	ID              string    `json:"id"`
	SellPair        string    `json:"sell_pair"`
	BuyPair         string    `json:"buy_pair"`
	SellPrice       float64   `json:"sell_price"`
	BuyPrice        float64   `json:"buy_price"`
	Spread          float64   `json:"spread"`
	SpreadPct       float64   `json:"spread_pct"` // percent, (high-low)/low*100
	Amount          float64   `json:"amount"`
	GrossProfit     float64   `json:"gross_profit"`
	EstimatedFees   float64   `json:"estimated_fees"`
	EstimatedProfit float64   `json:"estimated_profit"`
	SellVolume24h   float64   `json:"sell_volume_24h"`
	BuyVolume24h    float64   `json:"buy_volume_24h"`
	Executed        bool      `json:"executed"`
	DetectedAt      time.Time `json:"detected_at"`
}

// DailyVolume aggregates a calendar day of trading. One record per date.
type DailyVolume struct {
	Date           string  `json:"date"` // YYYY-MM-DD (UTC)
	TotalVolumeUSD float64 `json:"total_volume_usd"`
	TradeCount     int     `json:"trade_count"`
	ProfitLoss     float64 `json:"profit_loss"`
}

// Circuit breaker types produced across the system.
const (
	BreakerDailyLoss        = "daily_loss"
	BreakerLargeLoss        = "large_loss"
	BreakerExecutionFailure = "execution_failure"
	BreakerSystemError      = "system_error"
	BreakerEmergencyStop    = "emergency_stop"
)

// CircuitBreaker is a latched safety flag blocking trading until cleared.
// At most one active instance per type exists at any instant.
type CircuitBreaker struct {
	Type              string    `json:"type"`
	Active            bool      `json:"active"`
	Reason            string    `json:"reason"`
	TriggerValue      float64   `json:"trigger_value"`
	ThresholdValue    float64   `json:"threshold_value"`
	ActivatedAt       time.Time `json:"activated_at"`
	ResetAt           time.Time `json:"reset_at,omitempty"`
	AutoReset         bool      `json:"auto_reset"`
	ResetAfterMinutes int       `json:"reset_after_minutes"`
}

// Config holds the hot-reloadable trading parameters.
type Config struct {
	SpreadThreshold       float64 `toml:"spread_threshold"` // fraction, e.g. 0.003
	TradeAmount           float64 `toml:"trade_amount"`     // base-asset units
	DailyMaxVolume        float64 `toml:"daily_max_volume"` // USD
	RiskBuffer            float64 `toml:"risk_buffer"`      // fraction, e.g. 0.1
	MaxPendingOrders      int     `toml:"max_pending_orders"`
	MaxDailyLoss          float64 `toml:"max_daily_loss"` // USD
	VolatilityMultiplier  float64 `toml:"volatility_multiplier"`
	CircuitBreakerEnabled bool    `toml:"circuit_breaker_enabled"`
	SlippageTolerance     float64 `toml:"slippage_tolerance"` // fraction, e.g. 0.001
	TakerFeeRate          float64 `toml:"taker_fee_rate"`     // fraction, e.g. 0.0006
}

// ExecutionResult is the outcome of a successful atomic execution.
type ExecutionResult struct {
	SellTrade     *Trade   `json:"sell_trade"`
	BuyTrade      *Trade   `json:"buy_trade"`
	ProfitLoss    float64  `json:"profit_loss"`
	Slippage      Slippage `json:"slippage"`
	TradeValueUSD float64  `json:"trade_value_usd"`
}

// Slippage compares expected against actually executed prices per leg.
type Slippage struct {
	Sell  float64 `json:"sell"`
	Buy   float64 `json:"buy"`
	Total float64 `json:"total"`
}

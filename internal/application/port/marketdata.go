package port

import "context"

// Quote is the latest market state for one pair.
type Quote struct {
	Pair      string  `json:"pair"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Volume24h float64 `json:"volume_24h"`
	Ts        int64   `json:"ts_ms"` // unix ms
}

// MarketData provides the latest price and volume per pair. A pair absent
// from the returned map means no data, which callers treat as no
// opportunity rather than an error.
type MarketData interface {
	CurrentPrices(ctx context.Context) (map[string]Quote, error)
}

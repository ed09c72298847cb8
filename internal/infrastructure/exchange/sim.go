package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"stablearb/internal/application/port"
)

// Sim is an in-memory exchange double serving both the market-data and
// order-gateway ports. Quotes follow a small random walk around the seeded
// mid prices so the two pairs drift apart occasionally; limit orders fill
// immediately at the limit price. Deterministic for a fixed seed.
type Sim struct {
	mu     sync.Mutex
	rng    *rand.Rand
	quotes map[string]port.Quote
	orders map[string]port.Order

	// walk step as a fraction of price per poll
	stepPct float64
}

// NewSim seeds a simulated exchange with mid prices and 24h volumes per
// pair.
func NewSim(seed int64, prices map[string]float64, volume24h float64) *Sim {
	s := &Sim{
		rng:     rand.New(rand.NewSource(seed)),
		quotes:  make(map[string]port.Quote),
		orders:  make(map[string]port.Order),
		stepPct: 0.001,
	}
	for pair, mid := range prices {
		s.quotes[pair] = port.Quote{
			Pair:      pair,
			Price:     mid,
			Bid:       mid * 0.9995,
			Ask:       mid * 1.0005,
			Volume24h: volume24h,
			Ts:        time.Now().UnixMilli(),
		}
	}
	return s
}

// CurrentPrices advances the walk one step and returns the fresh snapshot.
func (s *Sim) CurrentPrices(ctx context.Context) (map[string]port.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]port.Quote, len(s.quotes))
	for pair, q := range s.quotes {
		drift := 1 + (s.rng.Float64()-0.5)*2*s.stepPct
		q.Price *= drift
		q.Bid = q.Price * 0.9995
		q.Ask = q.Price * 1.0005
		q.Ts = time.Now().UnixMilli()
		s.quotes[pair] = q
		out[pair] = q
	}
	return out, nil
}

// CreateOrder fills limit orders immediately at the limit price and market
// orders at the current mid.
func (s *Sim) CreateOrder(ctx context.Context, pair string, ordType port.OrderType, side string, amount, price float64) (port.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount <= 0 {
		return port.Order{}, &port.OrderError{Pair: pair, Side: side, Reason: "amount must be positive"}
	}
	fill := price
	if ordType == port.OrderTypeMarket || fill <= 0 {
		q, ok := s.quotes[pair]
		if !ok {
			return port.Order{}, &port.OrderError{Pair: pair, Side: side, Reason: "unknown pair"}
		}
		fill = q.Price
	}
	o := port.Order{
		ID:        uuid.NewString(),
		Status:    port.OrderClosed,
		Price:     fill,
		Timestamp: time.Now().UTC(),
	}
	s.orders[o.ID] = o
	return o, nil
}

func (s *Sim) GetOrderStatus(ctx context.Context, id, pair string) (port.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return o.Status, nil
	}
	// unknown orders read as expired rather than erroring
	return port.OrderExpired, nil
}

// CancelOrder tolerates already-filled and unknown orders silently.
func (s *Sim) CancelOrder(ctx context.Context, id, pair string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok && o.Status == port.OrderPending {
		o.Status = port.OrderCancelled
		s.orders[id] = o
	}
	return nil
}

var (
	_ port.MarketData   = (*Sim)(nil)
	_ port.OrderGateway = (*Sim)(nil)
)

package service

import (
	"sync"
	"time"

	"stablearb/internal/application/port"
)

// pricePoint is one timestamped sample in a pair's history.
type pricePoint struct {
	price float64
	at    time.Time
}

// PriceBook holds the latest snapshot per pair plus a bounded rolling
// history used for the volatility windows. Writers are the market feed and
// the engine's poll; readers (detector, governor) never block on I/O.
type PriceBook struct {
	mu      sync.RWMutex
	latest  map[string]port.Quote
	history map[string][]pricePoint
	keep    time.Duration
	now     func() time.Time
}

// NewPriceBook retains history for the given window (at least the 30-minute
// volatility lookback).
func NewPriceBook(keep time.Duration) *PriceBook {
	if keep <= 0 {
		keep = 30 * time.Minute
	}
	return &PriceBook{
		latest:  make(map[string]port.Quote),
		history: make(map[string][]pricePoint),
		keep:    keep,
		now:     time.Now,
	}
}

// Update records a fresh quote for a pair, appending it to the history and
// dropping samples older than the retention window.
func (pb *PriceBook) Update(q port.Quote) {
	if q.Price <= 0 {
		return
	}
	now := pb.now()
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.latest[q.Pair] = q

	h := append(pb.history[q.Pair], pricePoint{price: q.Price, at: now})
	cutoff := now.Add(-pb.keep)
	i := 0
	for i < len(h) && h[i].at.Before(cutoff) {
		i++
	}
	pb.history[q.Pair] = h[i:]
}

// Latest returns the freshest quote for a pair.
func (pb *PriceBook) Latest(pair string) (port.Quote, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	q, ok := pb.latest[pair]
	return q, ok
}

// Snapshot returns the latest quote for every known pair.
func (pb *PriceBook) Snapshot() map[string]port.Quote {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make(map[string]port.Quote, len(pb.latest))
	for k, v := range pb.latest {
		out[k] = v
	}
	return out
}

// Window returns the prices sampled for pair within the trailing duration.
func (pb *PriceBook) Window(pair string, d time.Duration) []float64 {
	cutoff := pb.now().Add(-d)
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	var out []float64
	for _, p := range pb.history[pair] {
		if !p.at.Before(cutoff) {
			out = append(out, p.price)
		}
	}
	return out
}

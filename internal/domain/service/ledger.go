package service

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"stablearb/internal/domain/model"
)

// Ledger tracks per-currency free/locked balances. Every mutation for a
// given currency runs under that currency's mutex, so concurrent legs
// touching the same currency cannot lose updates.
type Ledger struct {
	mu       sync.RWMutex // guards the maps themselves
	locks    map[string]*sync.Mutex
	balances map[string]*model.Balance
}

// NewLedger seeds the ledger with the given free balances.
func NewLedger(initial map[string]float64) *Ledger {
	l := &Ledger{
		locks:    make(map[string]*sync.Mutex),
		balances: make(map[string]*model.Balance),
	}
	for cur, free := range initial {
		l.balances[cur] = &model.Balance{Currency: cur, Free: free}
		l.locks[cur] = &sync.Mutex{}
	}
	return l
}

// entry returns the balance and its mutex, creating both for an unknown
// currency.
func (l *Ledger) entry(currency string) (*model.Balance, *sync.Mutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[currency]
	if !ok {
		b = &model.Balance{Currency: currency}
		l.balances[currency] = b
		l.locks[currency] = &sync.Mutex{}
	}
	return b, l.locks[currency]
}

// Get returns a snapshot of one currency's balance.
func (l *Ledger) Get(currency string) model.Balance {
	b, mu := l.entry(currency)
	mu.Lock()
	defer mu.Unlock()
	return *b
}

// All returns a snapshot of every balance.
func (l *Ledger) All() []model.Balance {
	l.mu.RLock()
	currencies := make([]string, 0, len(l.balances))
	for cur := range l.balances {
		currencies = append(currencies, cur)
	}
	l.mu.RUnlock()

	out := make([]model.Balance, 0, len(currencies))
	for _, cur := range currencies {
		out = append(out, l.Get(cur))
	}
	return out
}

// Lock moves amount from free to locked, failing fast when free is short.
func (l *Ledger) Lock(currency string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("lock %s: negative amount %f", currency, amount)
	}
	b, mu := l.entry(currency)
	mu.Lock()
	defer mu.Unlock()
	if b.Free < amount {
		return fmt.Errorf("lock %.8f %s (free %.8f): %w", amount, currency, b.Free, model.ErrInsufficientBalance)
	}
	b.Free -= amount
	b.Locked += amount
	return nil
}

// Unlock moves amount back from locked to free. Unlocking more than is
// locked clamps to the locked total so the invariant holds.
func (l *Ledger) Unlock(currency string, amount float64) {
	b, mu := l.entry(currency)
	mu.Lock()
	defer mu.Unlock()
	if amount > b.Locked {
		log.Warn().Str("currency", currency).
			Float64("amount", amount).Float64("locked", b.Locked).
			Msg("unlock clamped to locked balance")
		amount = b.Locked
	}
	b.Locked -= amount
	b.Free += amount
}

// Apply atomically adjusts free and locked by the given deltas, rejecting
// any result that would go negative.
func (l *Ledger) Apply(currency string, dFree, dLocked float64) error {
	b, mu := l.entry(currency)
	mu.Lock()
	defer mu.Unlock()
	newFree := b.Free + dFree
	newLocked := b.Locked + dLocked
	if newFree < 0 || newLocked < 0 {
		return fmt.Errorf("apply %s (dFree %.8f, dLocked %.8f): %w",
			currency, dFree, dLocked, model.ErrInsufficientBalance)
	}
	b.Free = newFree
	b.Locked = newLocked
	return nil
}

// CheckConsistency verifies the ledger invariants for every currency. A
// violation is a data inconsistency surfaced via the health check; it is
// never auto-healed.
func (l *Ledger) CheckConsistency() error {
	for _, b := range l.All() {
		if b.Free < 0 || b.Locked < 0 || b.Locked > b.Total() {
			return fmt.Errorf("%s free=%.8f locked=%.8f: %w",
				b.Currency, b.Free, b.Locked, model.ErrDataInconsistency)
		}
	}
	return nil
}

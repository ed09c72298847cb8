package service

import (
	"errors"
	"sync"
	"testing"

	"stablearb/internal/domain/model"
)

func TestLedgerLockUnlock(t *testing.T) {
	l := NewLedger(map[string]float64{"XRP": 100})

	if err := l.Lock("XRP", 40); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	b := l.Get("XRP")
	if b.Free != 60 || b.Locked != 40 {
		t.Fatalf("after lock: free=%f locked=%f", b.Free, b.Locked)
	}

	l.Unlock("XRP", 40)
	b = l.Get("XRP")
	if b.Free != 100 || b.Locked != 0 {
		t.Fatalf("after unlock: free=%f locked=%f", b.Free, b.Locked)
	}
}

func TestLedgerLockInsufficient(t *testing.T) {
	l := NewLedger(map[string]float64{"USDT": 10})

	err := l.Lock("USDT", 11)
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	b := l.Get("USDT")
	if b.Free != 10 || b.Locked != 0 {
		t.Fatalf("failed lock must not mutate: free=%f locked=%f", b.Free, b.Locked)
	}
}

func TestLedgerUnlockClampsToLocked(t *testing.T) {
	l := NewLedger(map[string]float64{"XRP": 100})
	if err := l.Lock("XRP", 20); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	l.Unlock("XRP", 50)
	b := l.Get("XRP")
	if b.Free != 100 || b.Locked != 0 {
		t.Fatalf("over-unlock must clamp: free=%f locked=%f", b.Free, b.Locked)
	}
}

func TestLedgerApplyRejectsNegative(t *testing.T) {
	l := NewLedger(map[string]float64{"USDC": 5})

	if err := l.Apply("USDC", -10, 0); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := l.Apply("USDC", 0, -1); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance for locked, got %v", err)
	}
	if b := l.Get("USDC"); b.Free != 5 || b.Locked != 0 {
		t.Fatalf("failed apply must not mutate: free=%f locked=%f", b.Free, b.Locked)
	}

	if err := l.Apply("USDC", 3, 0); err != nil {
		t.Fatalf("valid apply failed: %v", err)
	}
	if b := l.Get("USDC"); b.Free != 8 {
		t.Fatalf("free=%f, want 8", b.Free)
	}
}

func TestLedgerUnknownCurrency(t *testing.T) {
	l := NewLedger(nil)
	b := l.Get("BTC")
	if b.Free != 0 || b.Locked != 0 {
		t.Fatalf("unknown currency should be zero: %+v", b)
	}
	if err := l.Lock("BTC", 1); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestLedgerConcurrentMutations(t *testing.T) {
	l := NewLedger(map[string]float64{"XRP": 1000})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Lock("XRP", 1); err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			l.Unlock("XRP", 1)
		}()
	}
	wg.Wait()

	b := l.Get("XRP")
	if b.Free != 1000 || b.Locked != 0 {
		t.Fatalf("after concurrent lock/unlock: free=%f locked=%f", b.Free, b.Locked)
	}
	if err := l.CheckConsistency(); err != nil {
		t.Fatalf("consistency check failed: %v", err)
	}
}

func TestLedgerConsistencyViolation(t *testing.T) {
	l := NewLedger(map[string]float64{"XRP": 10})
	if err := l.CheckConsistency(); err != nil {
		t.Fatalf("fresh ledger should be consistent: %v", err)
	}

	// Reach in and corrupt the balance the way a bug would.
	b, mu := l.entry("XRP")
	mu.Lock()
	b.Free = -1
	mu.Unlock()

	if err := l.CheckConsistency(); !errors.Is(err, model.ErrDataInconsistency) {
		t.Fatalf("expected ErrDataInconsistency, got %v", err)
	}
}

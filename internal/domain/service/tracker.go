package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
)

// defaultBreakerResetMinutes is the auto-reset window for a new breaker.
const defaultBreakerResetMinutes = 60

// Tracker aggregates daily volume and P&L and owns the circuit-breaker
// state machine. It is the only writer of breaker state; the risk governor
// reads it fresh on every check.
type Tracker struct {
	mu       sync.Mutex
	days     map[string]*model.DailyVolume
	breakers map[string]*model.CircuitBreaker

	repo port.Repository
	now  func() time.Time
}

// NewTracker persists volume and breaker records through repo best-effort.
func NewTracker(repo port.Repository) *Tracker {
	return &Tracker{
		days:     make(map[string]*model.DailyVolume),
		breakers: make(map[string]*model.CircuitBreaker),
		repo:     repo,
		now:      time.Now,
	}
}

func (t *Tracker) today() string {
	return t.now().UTC().Format("2006-01-02")
}

// TrackTradeVolume upserts today's record with the trade's USD value and
// realized P&L, then evaluates the daily-loss breaker.
func (t *Tracker) TrackTradeVolume(ctx context.Context, usdValue, pnl float64, cfg model.Config) *model.DailyVolume {
	t.mu.Lock()
	date := t.today()
	dv, ok := t.days[date]
	if !ok {
		dv = &model.DailyVolume{Date: date}
		t.days[date] = dv
	}
	dv.TotalVolumeUSD += usdValue
	dv.TradeCount++
	dv.ProfitLoss += pnl
	snapshot := *dv
	t.mu.Unlock()

	if t.repo != nil {
		if err := t.repo.UpsertDailyVolume(ctx, &snapshot); err != nil {
			log.Error().Err(err).Msg("persist daily volume failed")
		}
	}

	log.Info().Float64("usd", usdValue).Float64("pnl", pnl).
		Float64("today_volume", snapshot.TotalVolumeUSD).
		Int("today_trades", snapshot.TradeCount).
		Msg("trade volume tracked")

	if cfg.CircuitBreakerEnabled && snapshot.ProfitLoss < -cfg.MaxDailyLoss {
		t.ActivateBreaker(ctx, model.BreakerDailyLoss,
			"daily loss threshold exceeded",
			-snapshot.ProfitLoss, cfg.MaxDailyLoss)
	}
	return &snapshot
}

// TodayVolumeUSD returns the USD volume traded so far today.
func (t *Tracker) TodayVolumeUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dv, ok := t.days[t.today()]; ok {
		return dv.TotalVolumeUSD
	}
	return 0
}

// Today returns a copy of today's aggregate record.
func (t *Tracker) Today() model.DailyVolume {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dv, ok := t.days[t.today()]; ok {
		return *dv
	}
	return model.DailyVolume{Date: t.today()}
}

// CheckDailyVolumeLimit reports whether adding the proposed USD value would
// exceed the configured daily cap.
func (t *Tracker) CheckDailyVolumeLimit(proposedUSD float64, cfg model.Config) bool {
	return t.TodayVolumeUSD()+proposedUSD <= cfg.DailyMaxVolume
}

// ActivateBreaker latches a breaker of the given type. A no-op when one of
// that type is already active, keeping at most one active instance per type.
func (t *Tracker) ActivateBreaker(ctx context.Context, breakerType, reason string, triggerValue, thresholdValue float64) *model.CircuitBreaker {
	t.mu.Lock()
	if b, ok := t.breakers[breakerType]; ok && b.Active {
		t.mu.Unlock()
		log.Warn().Str("type", breakerType).Msg("circuit breaker already active")
		return b
	}
	b := &model.CircuitBreaker{
		Type:              breakerType,
		Active:            true,
		Reason:            reason,
		TriggerValue:      triggerValue,
		ThresholdValue:    thresholdValue,
		ActivatedAt:       t.now().UTC(),
		AutoReset:         true,
		ResetAfterMinutes: defaultBreakerResetMinutes,
	}
	t.breakers[breakerType] = b
	snapshot := *b
	t.mu.Unlock()

	if t.repo != nil {
		if err := t.repo.SaveBreaker(ctx, &snapshot); err != nil {
			log.Error().Err(err).Msg("persist circuit breaker failed")
		}
	}
	log.Error().Str("type", breakerType).Str("reason", reason).
		Float64("trigger", triggerValue).Float64("threshold", thresholdValue).
		Msg("CIRCUIT BREAKER ACTIVATED")
	return b
}

// CheckBreakers expires any active auto-reset breaker whose window has
// elapsed and reports whether trading is allowed. Breakers expire
// mid-session, so callers must never cache this result.
func (t *Tracker) CheckBreakers(ctx context.Context) (allowed bool, active []model.CircuitBreaker) {
	now := t.now().UTC()
	var expired []model.CircuitBreaker

	t.mu.Lock()
	for _, b := range t.breakers {
		if !b.Active {
			continue
		}
		if b.AutoReset {
			resetAt := b.ActivatedAt.Add(time.Duration(b.ResetAfterMinutes) * time.Minute)
			if !now.Before(resetAt) {
				b.Active = false
				b.ResetAt = now
				expired = append(expired, *b)
				continue
			}
		}
		active = append(active, *b)
	}
	t.mu.Unlock()

	for i := range expired {
		log.Info().Str("type", expired[i].Type).Msg("circuit breaker auto-reset")
		if t.repo != nil {
			if err := t.repo.UpdateBreaker(ctx, &expired[i]); err != nil {
				log.Error().Err(err).Msg("persist breaker reset failed")
			}
		}
	}
	return len(active) == 0, active
}

// ManualReset force-deactivates a breaker by type. Resetting an inactive
// type returns ErrBreakerNotActive rather than panicking.
func (t *Tracker) ManualReset(ctx context.Context, breakerType string) error {
	t.mu.Lock()
	b, ok := t.breakers[breakerType]
	if !ok || !b.Active {
		t.mu.Unlock()
		return model.ErrBreakerNotActive
	}
	b.Active = false
	b.ResetAt = t.now().UTC()
	snapshot := *b
	t.mu.Unlock()

	if t.repo != nil {
		if err := t.repo.UpdateBreaker(ctx, &snapshot); err != nil {
			log.Error().Err(err).Msg("persist breaker reset failed")
		}
	}
	log.Info().Str("type", breakerType).Msg("circuit breaker manually reset")
	return nil
}

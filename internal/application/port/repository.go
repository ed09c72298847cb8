package port

import (
	"context"

	"stablearb/internal/domain/model"
)

// Repository is the audit sink for trades, opportunities, daily volume and
// circuit breakers. The domain operates on in-memory state; persistence is
// for reporting and is not required for core correctness.
type Repository interface {
	SaveTrade(ctx context.Context, t *model.Trade) error
	UpdateTrade(ctx context.Context, t *model.Trade) error

	SaveOpportunity(ctx context.Context, o *model.Opportunity) error
	MarkOpportunityExecuted(ctx context.Context, id string) error

	UpsertDailyVolume(ctx context.Context, dv *model.DailyVolume) error
	GetDailyVolume(ctx context.Context, date string) (*model.DailyVolume, error)
	VolumeStats(ctx context.Context, days int) ([]model.DailyVolume, error)

	SaveBreaker(ctx context.Context, b *model.CircuitBreaker) error
	UpdateBreaker(ctx context.Context, b *model.CircuitBreaker) error

	Ping(ctx context.Context) error
	Close() error
}

// ConfigStore yields the current trading configuration snapshot.
type ConfigStore interface {
	Trading() (model.Config, error)
}

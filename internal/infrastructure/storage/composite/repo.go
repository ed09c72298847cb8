package composite

import (
	"context"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
)

// Repo fans every audit write out to all configured backends. The first
// backend is the primary: reads and Ping are answered by it alone.
type Repo struct {
	repos []port.Repository
}

func New(repos ...port.Repository) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.Repository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

func (r *Repo) each(fn func(port.Repository) error) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := fn(repo); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) SaveTrade(ctx context.Context, t *model.Trade) error {
	return r.each(func(p port.Repository) error { return p.SaveTrade(ctx, t) })
}

func (r *Repo) UpdateTrade(ctx context.Context, t *model.Trade) error {
	return r.each(func(p port.Repository) error { return p.UpdateTrade(ctx, t) })
}

func (r *Repo) SaveOpportunity(ctx context.Context, o *model.Opportunity) error {
	return r.each(func(p port.Repository) error { return p.SaveOpportunity(ctx, o) })
}

func (r *Repo) MarkOpportunityExecuted(ctx context.Context, id string) error {
	return r.each(func(p port.Repository) error { return p.MarkOpportunityExecuted(ctx, id) })
}

func (r *Repo) UpsertDailyVolume(ctx context.Context, dv *model.DailyVolume) error {
	return r.each(func(p port.Repository) error { return p.UpsertDailyVolume(ctx, dv) })
}

func (r *Repo) GetDailyVolume(ctx context.Context, date string) (*model.DailyVolume, error) {
	if len(r.repos) == 0 {
		return &model.DailyVolume{Date: date}, nil
	}
	return r.repos[0].GetDailyVolume(ctx, date)
}

func (r *Repo) VolumeStats(ctx context.Context, days int) ([]model.DailyVolume, error) {
	if len(r.repos) == 0 {
		return nil, nil
	}
	return r.repos[0].VolumeStats(ctx, days)
}

func (r *Repo) SaveBreaker(ctx context.Context, b *model.CircuitBreaker) error {
	return r.each(func(p port.Repository) error { return p.SaveBreaker(ctx, b) })
}

func (r *Repo) UpdateBreaker(ctx context.Context, b *model.CircuitBreaker) error {
	return r.each(func(p port.Repository) error { return p.UpdateBreaker(ctx, b) })
}

func (r *Repo) Ping(ctx context.Context) error {
	if len(r.repos) == 0 {
		return nil
	}
	return r.repos[0].Ping(ctx)
}

func (r *Repo) Close() error {
	return r.each(func(p port.Repository) error { return p.Close() })
}

var _ port.Repository = (*Repo)(nil)

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
)

// Repo publishes live trading state to redis: completed trades go to a
// stream plus pub/sub for downstream consumers, breaker and daily-volume
// state land in hashes. Historical queries stay on sqlite.
type Repo struct {
	rdb         *redis.Client
	prefix      string
	tradeStream string
	tradeChan   string
	keyVolume   string
	keyBreakers string
}

func New(rdb *redis.Client, prefix string) *Repo {
	return &Repo{
		rdb:         rdb,
		prefix:      prefix,
		tradeStream: prefix + ":trades",
		tradeChan:   prefix + ":trades:pub",
		keyVolume:   prefix + ":daily_volume",
		keyBreakers: prefix + ":breakers",
	}
}

func (r *Repo) Close() error { return r.rdb.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Repo) SaveTrade(ctx context.Context, t *model.Trade) error {
	// only terminal trades are published
	return nil
}

func (r *Repo) UpdateTrade(ctx context.Context, t *model.Trade) error {
	if !t.Status.Terminal() {
		return nil
	}
	b, _ := json.Marshal(t)

	// Stream for durable consumers, pub/sub for live dashboards.
	_, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.tradeStream,
		Values: map[string]any{
			"id":      t.ID,
			"status":  string(t.Status),
			"payload": string(b),
		},
	}).Result()
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.tradeChan, string(b)).Err()
}

func (r *Repo) SaveOpportunity(ctx context.Context, o *model.Opportunity) error {
	return nil
}

func (r *Repo) MarkOpportunityExecuted(ctx context.Context, id string) error {
	return nil
}

func (r *Repo) UpsertDailyVolume(ctx context.Context, dv *model.DailyVolume) error {
	b, _ := json.Marshal(dv)
	return r.rdb.HSet(ctx, r.keyVolume, dv.Date, string(b)).Err()
}

func (r *Repo) GetDailyVolume(ctx context.Context, date string) (*model.DailyVolume, error) {
	raw, err := r.rdb.HGet(ctx, r.keyVolume, date).Result()
	if err == redis.Nil {
		return &model.DailyVolume{Date: date}, nil
	}
	if err != nil {
		return nil, err
	}
	var dv model.DailyVolume
	if err := json.Unmarshal([]byte(raw), &dv); err != nil {
		return nil, fmt.Errorf("decode daily volume %s: %w", date, err)
	}
	return &dv, nil
}

func (r *Repo) VolumeStats(ctx context.Context, days int) ([]model.DailyVolume, error) {
	raw, err := r.rdb.HGetAll(ctx, r.keyVolume).Result()
	if err != nil {
		return nil, err
	}
	// Dates are ISO strings, so lexicographic order is chronological.
	dates := make([]string, 0, len(raw))
	for d := range raw {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if len(dates) > days {
		dates = dates[:days]
	}
	stats := make([]model.DailyVolume, 0, len(dates))
	for _, d := range dates {
		var dv model.DailyVolume
		if err := json.Unmarshal([]byte(raw[d]), &dv); err != nil {
			return nil, fmt.Errorf("decode daily volume %s: %w", d, err)
		}
		stats = append(stats, dv)
	}
	return stats, nil
}

func (r *Repo) SaveBreaker(ctx context.Context, b *model.CircuitBreaker) error {
	raw, _ := json.Marshal(b)
	return r.rdb.HSet(ctx, r.keyBreakers, b.Type, string(raw)).Err()
}

func (r *Repo) UpdateBreaker(ctx context.Context, b *model.CircuitBreaker) error {
	return r.SaveBreaker(ctx, b)
}

var _ port.Repository = (*Repo)(nil)

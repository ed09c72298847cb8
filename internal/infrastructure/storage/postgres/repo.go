package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"stablearb/internal/application/port"
	"stablearb/internal/domain/model"
)

// Repo mirrors the trade and daily-volume audit tables into postgres for
// reporting alongside the primary sqlite store.
type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  side TEXT NOT NULL,
  pair TEXT NOT NULL,
  amount DOUBLE PRECISION NOT NULL,
  price DOUBLE PRECISION NOT NULL,
  total_value DOUBLE PRECISION NOT NULL,
  status TEXT NOT NULL,
  order_ref TEXT,
  profit_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  completed_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

CREATE TABLE IF NOT EXISTS daily_volume (
  trade_date TEXT PRIMARY KEY,
  total_volume_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
  trade_count INTEGER NOT NULL DEFAULT 0,
  profit_loss DOUBLE PRECISION NOT NULL DEFAULT 0
);
`)
	return err
}

func (r *Repo) SaveTrade(ctx context.Context, t *model.Trade) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades(id, side, pair, amount, price, total_value, status, order_ref, profit_loss, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, string(t.Side), t.Pair, t.Amount, t.Price, t.TotalValue, string(t.Status), t.OrderRef, t.ProfitLoss, t.CreatedAt.UnixMilli())
	return err
}

func (r *Repo) UpdateTrade(ctx context.Context, t *model.Trade) error {
	var completed sql.NullInt64
	if !t.CompletedAt.IsZero() {
		completed = sql.NullInt64{Int64: t.CompletedAt.UnixMilli(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades(id, side, pair, amount, price, total_value, status, order_ref, profit_loss, created_at, completed_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		price=EXCLUDED.price, total_value=EXCLUDED.total_value, status=EXCLUDED.status,
		order_ref=EXCLUDED.order_ref, profit_loss=EXCLUDED.profit_loss, completed_at=EXCLUDED.completed_at
	`, t.ID, string(t.Side), t.Pair, t.Amount, t.Price, t.TotalValue, string(t.Status), t.OrderRef, t.ProfitLoss, t.CreatedAt.UnixMilli(), completed)
	return err
}

func (r *Repo) SaveOpportunity(ctx context.Context, o *model.Opportunity) error {
	// only trades and daily volume are mirrored here
	return nil
}

func (r *Repo) MarkOpportunityExecuted(ctx context.Context, id string) error {
	return nil
}

func (r *Repo) UpsertDailyVolume(ctx context.Context, dv *model.DailyVolume) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_volume(trade_date, total_volume_usd, trade_count, profit_loss)
		VALUES($1, $2, $3, $4)
		ON CONFLICT (trade_date) DO UPDATE SET
		total_volume_usd=EXCLUDED.total_volume_usd, trade_count=EXCLUDED.trade_count, profit_loss=EXCLUDED.profit_loss
	`, dv.Date, dv.TotalVolumeUSD, dv.TradeCount, dv.ProfitLoss)
	return err
}

func (r *Repo) GetDailyVolume(ctx context.Context, date string) (*model.DailyVolume, error) {
	dv := &model.DailyVolume{Date: date}
	err := r.db.QueryRowContext(ctx,
		`SELECT total_volume_usd, trade_count, profit_loss FROM daily_volume WHERE trade_date=$1`, date).
		Scan(&dv.TotalVolumeUSD, &dv.TradeCount, &dv.ProfitLoss)
	if err == sql.ErrNoRows {
		return dv, nil
	}
	if err != nil {
		return nil, err
	}
	return dv, nil
}

func (r *Repo) VolumeStats(ctx context.Context, days int) ([]model.DailyVolume, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT trade_date, total_volume_usd, trade_count, profit_loss
		FROM daily_volume ORDER BY trade_date DESC LIMIT $1
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []model.DailyVolume
	for rows.Next() {
		var dv model.DailyVolume
		if err := rows.Scan(&dv.Date, &dv.TotalVolumeUSD, &dv.TradeCount, &dv.ProfitLoss); err != nil {
			return nil, err
		}
		stats = append(stats, dv)
	}
	return stats, rows.Err()
}

func (r *Repo) SaveBreaker(ctx context.Context, b *model.CircuitBreaker) error {
	return nil
}

func (r *Repo) UpdateBreaker(ctx context.Context, b *model.CircuitBreaker) error {
	return nil
}

var _ port.Repository = (*Repo)(nil)

package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"stablearb/internal/domain/model"
)

// Repo is the primary audit store: trades, opportunities, daily volume and
// circuit breakers land here.
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
  amount REAL NOT NULL,
  price REAL NOT NULL,
  total_value REAL NOT NULL,
  status TEXT NOT NULL,
  order_ref TEXT,
  profit_loss REAL NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);

CREATE TABLE IF NOT EXISTS opportunities (
  id TEXT PRIMARY KEY,
  sell_pair TEXT NOT NULL,
  buy_pair TEXT NOT NULL,
  sell_price REAL NOT NULL,
  buy_price REAL NOT NULL,
  spread REAL NOT NULL,
  spread_pct REAL NOT NULL,
  amount REAL NOT NULL,
  estimated_profit REAL NOT NULL,
  executed INTEGER NOT NULL DEFAULT 0,
  detected_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opps_detected ON opportunities(detected_at);

CREATE TABLE IF NOT EXISTS daily_volume (
  trade_date TEXT PRIMARY KEY,
  total_volume_usd REAL NOT NULL DEFAULT 0,
  trade_count INTEGER NOT NULL DEFAULT 0,
  profit_loss REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS circuit_breakers (
  breaker_type TEXT PRIMARY KEY,
  active INTEGER NOT NULL,
  reason TEXT,
  trigger_value REAL,
  threshold_value REAL,
  activated_at INTEGER,
  reset_at INTEGER,
  auto_reset INTEGER NOT NULL DEFAULT 1,
  reset_after_minutes INTEGER NOT NULL DEFAULT 60
);
`)
	return err
}

func (r *Repo) SaveTrade(ctx context.Context, t *model.Trade) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades(id, side, pair, amount, price, total_value, status, order_ref, profit_loss, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
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
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		price=excluded.price, total_value=excluded.total_value, status=excluded.status,
		order_ref=excluded.order_ref, profit_loss=excluded.profit_loss, completed_at=excluded.completed_at
	`, t.ID, string(t.Side), t.Pair, t.Amount, t.Price, t.TotalValue, string(t.Status), t.OrderRef, t.ProfitLoss, t.CreatedAt.UnixMilli(), completed)
	return err
}

func (r *Repo) SaveOpportunity(ctx context.Context, o *model.Opportunity) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO opportunities(id, sell_pair, buy_pair, sell_price, buy_price, spread, spread_pct, amount, estimated_profit, executed, detected_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, o.ID, o.SellPair, o.BuyPair, o.SellPrice, o.BuyPrice, o.Spread, o.SpreadPct, o.Amount, o.EstimatedProfit, o.DetectedAt.UnixMilli())
	return err
}

func (r *Repo) MarkOpportunityExecuted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE opportunities SET executed=1 WHERE id=?`, id)
	return err
}

func (r *Repo) UpsertDailyVolume(ctx context.Context, dv *model.DailyVolume) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_volume(trade_date, total_volume_usd, trade_count, profit_loss)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(trade_date) DO UPDATE SET
		total_volume_usd=excluded.total_volume_usd, trade_count=excluded.trade_count, profit_loss=excluded.profit_loss
	`, dv.Date, dv.TotalVolumeUSD, dv.TradeCount, dv.ProfitLoss)
	return err
}

func (r *Repo) GetDailyVolume(ctx context.Context, date string) (*model.DailyVolume, error) {
	dv := &model.DailyVolume{Date: date}
	err := r.db.QueryRowContext(ctx,
		`SELECT total_volume_usd, trade_count, profit_loss FROM daily_volume WHERE trade_date=?`, date).
		Scan(&dv.TotalVolumeUSD, &dv.TradeCount, &dv.ProfitLoss)
	if err == sql.ErrNoRows {
		return dv, nil
	}
	if err != nil {
		return nil, err
	}
	return dv, nil
}

// VolumeStats returns the most recent daily records for reporting.
func (r *Repo) VolumeStats(ctx context.Context, days int) ([]model.DailyVolume, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT trade_date, total_volume_usd, trade_count, profit_loss
		FROM daily_volume ORDER BY trade_date DESC LIMIT ?`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyVolume
	for rows.Next() {
		var dv model.DailyVolume
		if err := rows.Scan(&dv.Date, &dv.TotalVolumeUSD, &dv.TradeCount, &dv.ProfitLoss); err != nil {
			return nil, err
		}
		out = append(out, dv)
	}
	return out, rows.Err()
}

func (r *Repo) SaveBreaker(ctx context.Context, b *model.CircuitBreaker) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO circuit_breakers(breaker_type, active, reason, trigger_value, threshold_value, activated_at, auto_reset, reset_after_minutes)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(breaker_type) DO UPDATE SET
		active=excluded.active, reason=excluded.reason, trigger_value=excluded.trigger_value,
		threshold_value=excluded.threshold_value, activated_at=excluded.activated_at,
		reset_at=NULL, auto_reset=excluded.auto_reset, reset_after_minutes=excluded.reset_after_minutes
	`, b.Type, boolToInt(b.Active), b.Reason, b.TriggerValue, b.ThresholdValue, b.ActivatedAt.UnixMilli(), boolToInt(b.AutoReset), b.ResetAfterMinutes)
	return err
}

func (r *Repo) UpdateBreaker(ctx context.Context, b *model.CircuitBreaker) error {
	var resetAt sql.NullInt64
	if !b.ResetAt.IsZero() {
		resetAt = sql.NullInt64{Int64: b.ResetAt.UnixMilli(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE circuit_breakers SET active=?, reset_at=? WHERE breaker_type=?
	`, boolToInt(b.Active), resetAt, b.Type)
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

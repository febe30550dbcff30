// Package store persists reconciliation records and serves the fine bar series.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thetopham/tradingview-bot/internal/market"
	"github.com/thetopham/tradingview-bot/internal/reconcile"
)

// Config holds DB connection details.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	PoolMax  int
}

// Postgres backs the durable record store and the bar source with one pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Postgres, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// poolConfig builds the pool configuration up front; the pool snapshots its
// config at construction, so limits set afterwards are ignored.
func poolConfig(cfg Config) (*pgxpool.Config, error) {
	url := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.PoolMax > 0 {
		pcfg.MaxConns = int32(cfg.PoolMax)
	}
	return pcfg, nil
}

const upsertRecordSQL = `
INSERT INTO reconciliation_records
  (correlation_id, account, account_id, symbol, action, side, size,
   venue_order_id, entry_price, exit_price, realized_pnl, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (correlation_id) DO UPDATE
SET venue_order_id = EXCLUDED.venue_order_id,
    entry_price    = EXCLUDED.entry_price,
    exit_price     = EXCLUDED.exit_price,
    realized_pnl   = EXCLUDED.realized_pnl,
    status         = EXCLUDED.status,
    updated_at     = EXCLUDED.updated_at;
`

// Upsert writes a record keyed by correlation id. An existing row is updated
// in place, so retried writes converge instead of erroring.
func (p *Postgres) Upsert(ctx context.Context, rec reconcile.Record) error {
	_, err := p.pool.Exec(ctx, upsertRecordSQL,
		rec.CorrelationID, rec.Account, rec.AccountID, rec.Symbol,
		string(rec.Action), string(rec.Side), rec.Size,
		rec.VenueOrderID, rec.EntryPrice, rec.ExitPrice, rec.RealizedPnL,
		string(rec.Status), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

const recentBarsSQL = `
SELECT ts, o, h, l, c, v
FROM bars_1m
WHERE symbol = $1 AND ts >= $2
ORDER BY ts DESC
LIMIT $3;
`

// FetchRecentBars returns fine bars in ascending timestamp order. Gaps in the
// series are returned as gaps; nothing is interpolated.
func (p *Postgres) FetchRecentBars(ctx context.Context, symbol string, since time.Time, limit int) ([]market.Bar, error) {
	rows, err := p.pool.Query(ctx, recentBarsSQL, symbol, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []market.Bar
	for rows.Next() {
		var b market.Bar
		if err := rows.Scan(&b.Ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bars: %w", err)
	}

	// Newest-first from the index, oldest-first for the aggregator.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

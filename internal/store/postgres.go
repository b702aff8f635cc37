package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"binance-trader/pkg/types"
)

// Decimal columns are TEXT so no precision is lost in transit; the daily
// rollup addition happens in SQL through numeric casts.
const pgSchema = `
CREATE TABLE IF NOT EXISTS fills (
	symbol          TEXT        NOT NULL,
	trade_id        BIGINT      NOT NULL,
	order_id        BIGINT      NOT NULL DEFAULT 0,
	client_order_id TEXT        NOT NULL DEFAULT '',
	side            TEXT        NOT NULL,
	price           TEXT        NOT NULL,
	qty             TEXT        NOT NULL,
	fee             TEXT        NOT NULL DEFAULT '0',
	fee_asset       TEXT        NOT NULL DEFAULT '',
	strategy        TEXT        NOT NULL DEFAULT '',
	ts              TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, trade_id)
);

CREATE TABLE IF NOT EXISTS positions (
	symbol         TEXT        PRIMARY KEY,
	size           TEXT        NOT NULL,
	entry_price    TEXT        NOT NULL,
	mark_price     TEXT        NOT NULL DEFAULT '0',
	realized_pnl   TEXT        NOT NULL DEFAULT '0',
	unrealized_pnl TEXT        NOT NULL DEFAULT '0',
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_pnl (
	day    DATE NOT NULL,
	symbol TEXT NOT NULL,
	pnl    TEXT NOT NULL,
	PRIMARY KEY (day, symbol)
);`

// PostgresStore persists through a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgresStore connects, pings, and applies the schema.
func OpenPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger.With("component", "store")}
	s.logger.Info("postgres store connected")
	return s, nil
}

// RecordFill inserts the fill; a (symbol, trade id) it has already seen is
// a no-op.
func (s *PostgresStore) RecordFill(ctx context.Context, f types.Fill) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fills (symbol, trade_id, order_id, client_order_id, side,
		                   price, qty, fee, fee_asset, strategy, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (symbol, trade_id) DO NOTHING`,
		f.Symbol, f.TradeID, f.OrderID, f.ClientOrderID, string(f.Side),
		f.Price.String(), f.Qty.String(), f.Fee.String(), f.FeeAsset,
		f.Strategy, f.Timestamp)
	if err != nil {
		return fmt.Errorf("record fill %s/%d: %w", f.Symbol, f.TradeID, err)
	}
	return nil
}

// UpsertPosition replaces the row for the symbol.
func (s *PostgresStore) UpsertPosition(ctx context.Context, p types.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (symbol, size, entry_price, mark_price,
		                       realized_pnl, unrealized_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			size           = EXCLUDED.size,
			entry_price    = EXCLUDED.entry_price,
			mark_price     = EXCLUDED.mark_price,
			realized_pnl   = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			updated_at     = EXCLUDED.updated_at`,
		p.Symbol, p.Size.String(), p.EntryPrice.String(), p.MarkPrice.String(),
		p.RealizedPnl.String(), p.UnrealizedPnl.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// UpsertDailyPnl adds the delta into the (day, symbol) bucket.
func (s *PostgresStore) UpsertDailyPnl(ctx context.Context, date, symbol string, delta decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_pnl (day, symbol, pnl)
		VALUES ($1, $2, $3)
		ON CONFLICT (day, symbol) DO UPDATE SET
			pnl = ((daily_pnl.pnl)::numeric + (EXCLUDED.pnl)::numeric)::text`,
		date, symbol, delta.String())
	if err != nil {
		return fmt.Errorf("upsert daily pnl %s/%s: %w", date, symbol, err)
	}
	return nil
}

// LoadRecentFills returns up to limit of the newest fills, oldest first.
// A non-positive limit loads everything.
func (s *PostgresStore) LoadRecentFills(ctx context.Context, limit int) ([]types.Fill, error) {
	q := `SELECT symbol, trade_id, order_id, client_order_id, side,
	             price, qty, fee, fee_asset, strategy, ts
	      FROM fills ORDER BY ts DESC, trade_id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var f types.Fill
		var side, price, qty, fee string
		if err := rows.Scan(&f.Symbol, &f.TradeID, &f.OrderID, &f.ClientOrderID,
			&side, &price, &qty, &fee, &f.FeeAsset, &f.Strategy, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = types.Side(side)
		if f.Price, err = pgDecimal("price", price); err != nil {
			return nil, err
		}
		if f.Qty, err = pgDecimal("qty", qty); err != nil {
			return nil, err
		}
		if f.Fee, err = pgDecimal("fee", fee); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}

	// Newest-first from the query; the accountant replays oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LoadPositions returns every stored position.
func (s *PostgresStore) LoadPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, size, entry_price, mark_price,
		       realized_pnl, unrealized_pnl, updated_at
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var size, entry, mark, realized, unrealized string
		if err := rows.Scan(&p.Symbol, &size, &entry, &mark,
			&realized, &unrealized, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.Size, err = pgDecimal("size", size); err != nil {
			return nil, err
		}
		if p.EntryPrice, err = pgDecimal("entry_price", entry); err != nil {
			return nil, err
		}
		if p.MarkPrice, err = pgDecimal("mark_price", mark); err != nil {
			return nil, err
		}
		if p.RealizedPnl, err = pgDecimal("realized_pnl", realized); err != nil {
			return nil, err
		}
		if p.UnrealizedPnl, err = pgDecimal("unrealized_pnl", unrealized); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgDecimal(field, v string) (decimal.Decimal, error) {
	dec, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s %q: %w", field, v, err)
	}
	return dec, nil
}

// Package postgres persists trades to a PostgreSQL table and serves ranged
// historical queries from it.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	market      TEXT             NOT NULL,
	ts          BIGINT           NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	size        DOUBLE PRECISION NOT NULL,
	side        SMALLINT         NOT NULL,
	liquidation BOOLEAN          NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS trades_ts_idx ON trades (ts);
CREATE INDEX IF NOT EXISTS trades_market_ts_idx ON trades (market, ts);
`

// Storage writes flushed batches into the trades table.
type Storage struct {
	logger  zerolog.Logger
	dsn     string
	timeout time.Duration

	db *sqlx.DB
}

// New creates a postgres storage for the given DSN. Connect must be called
// before use.
func New(logger zerolog.Logger, dsn string) *Storage {
	return &Storage{
		logger:  logger.With().Str("component", "storage_postgres").Logger(),
		dsn:     dsn,
		timeout: 10 * time.Second,
	}
}

// Name implements persistence.Storage.
func (s *Storage) Name() string { return "postgres" }

// Format implements persistence.Storage.
func (s *Storage) Format() persistence.Format { return persistence.FormatTrade }

// Connect opens the pool and ensures the schema exists.
func (s *Storage) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to ensure trades schema: %w", err)
	}

	s.db = db
	s.logger.Info().Msg("Postgres storage connected")
	return nil
}

// Save inserts the batch atomically inside one transaction.
func (s *Storage) Save(ctx context.Context, batch []types.Trade, _ bool) error {
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(batch)/1000+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (market, ts, price, size, side, liquidation)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range batch {
		_, err = stmt.ExecContext(ctx,
			t.PairKey(), t.Timestamp, t.Price, t.Size, int16(t.Side), t.Liquidation)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return fmt.Errorf("duplicate trade in batch: %w", err)
			}
			return fmt.Errorf("failed to insert trade in batch: %w", err)
		}
	}

	return tx.Commit()
}

// Fetch returns trades with from <= ts < to ordered by timestamp, optionally
// restricted to the given markets.
func (s *Storage) Fetch(ctx context.Context, q persistence.Query) (*persistence.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT market, ts, price, size, side, liquidation
		FROM trades
		WHERE ts >= $1 AND ts < $2`
	args := []interface{}{q.From, q.To}
	if len(q.Markets) > 0 {
		query += ` AND market = ANY($3)`
		args = append(args, pq.Array(q.Markets))
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var (
			market      string
			ts          int64
			price, size float64
			side        int16
			liquidation bool
		)
		if err := rows.Scan(&market, &ts, &price, &size, &side, &liquidation); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		exchange, pair, err := types.SplitPairKey(market)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored market: %w", err)
		}
		out = append(out, types.Trade{
			Exchange:    exchange,
			Pair:        pair,
			Timestamp:   ts,
			Price:       price,
			Size:        size,
			Side:        types.Side(side),
			Liquidation: liquidation,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trades: %w", err)
	}

	if len(out) == 0 {
		return nil, nil
	}
	return &persistence.Result{Format: persistence.FormatTrade, Trades: out}, nil
}

// Close releases the pool.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

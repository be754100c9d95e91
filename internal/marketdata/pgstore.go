package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// PostgresStore is the persisted-state-layout Store: one table per
// instrument, each with a SQL unique constraint on (timestamp) — the
// database, not a Go mutex, arbitrates concurrent upserts to the same row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and ensures one table per known
// instrument exists. Table names are derived from the closed instrument
// enumeration, never from caller input, so no identifier is built from
// untrusted data.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("marketdata: connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	for _, inst := range types.AllInstruments() {
		if err := s.ensureTable(ctx, inst); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresStore) tableName(instrument types.Instrument) string {
	switch instrument {
	case types.BTC:
		return "market_data_btc"
	case types.ETH:
		return "market_data_eth"
	default:
		return "market_data_unknown"
	}
}

func (s *PostgresStore) ensureTable(ctx context.Context, instrument types.Instrument) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp TIMESTAMPTZ NOT NULL,
		open NUMERIC(18,8) NOT NULL,
		high NUMERIC(18,8) NOT NULL,
		low NUMERIC(18,8) NOT NULL,
		close NUMERIC(18,8) NOT NULL,
		volume NUMERIC(24,8) NOT NULL,
		currency TEXT NOT NULL,
		CONSTRAINT %s_timestamp_unique UNIQUE (timestamp)
	)`, s.tableName(instrument), s.tableName(instrument))
	_, err := s.pool.Exec(ctx, ddl)
	if err != nil {
		return &types.PersistenceFailureError{Op: "marketdata.ensureTable", Err: err}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) UpsertAll(ctx context.Context, instrument types.Instrument, bars []types.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &types.PersistenceFailureError{Op: "marketdata.upsertAll.begin", Err: err}
	}
	defer tx.Rollback(ctx)

	table := s.tableName(instrument)
	added := 0
	for _, bar := range bars {
		var inserted bool
		err := tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %s (timestamp, open, high, low, close, volume, currency)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (timestamp) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume, currency = EXCLUDED.currency
			RETURNING (xmax = 0)`, table),
			bar.Timestamp, bar.Open.Amount, bar.High.Amount, bar.Low.Amount,
			bar.Close.Amount, bar.Volume, bar.Open.Currency).Scan(&inserted)
		if err != nil {
			return added, &types.PersistenceFailureError{Op: "marketdata.upsertAll.exec", Err: err}
		}
		if inserted {
			added++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &types.PersistenceFailureError{Op: "marketdata.upsertAll.commit", Err: err}
	}
	return added, nil
}

func (s *PostgresStore) FindByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]types.Bar, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT timestamp, open, high, low, close, volume, currency FROM %s
		 WHERE timestamp >= $1 AND timestamp <= $2 ORDER BY timestamp ASC`, s.tableName(instrument)),
		r.From, r.To)
	if err != nil {
		return nil, &types.PersistenceFailureError{Op: "marketdata.findByRange", Err: err}
	}
	defer rows.Close()

	var out []types.Bar
	for rows.Next() {
		var ts time.Time
		var open, high, low, close, volume decimal.Decimal
		var currency string
		if err := rows.Scan(&ts, &open, &high, &low, &close, &volume, &currency); err != nil {
			return nil, &types.PersistenceFailureError{Op: "marketdata.findByRange.scan", Err: err}
		}
		out = append(out, types.Bar{
			Open:      types.Price{Amount: open, Currency: currency},
			High:      types.Price{Amount: high, Currency: currency},
			Low:       types.Price{Amount: low, Currency: currency},
			Close:     types.Price{Amount: close, Currency: currency},
			Volume:    volume,
			Timestamp: ts,
		})
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindTimestampsByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT timestamp FROM %s WHERE timestamp >= $1 AND timestamp <= $2 ORDER BY timestamp ASC`,
		s.tableName(instrument)), r.From, r.To)
	if err != nil {
		return nil, &types.PersistenceFailureError{Op: "marketdata.findTimestampsByRange", Err: err}
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, &types.PersistenceFailureError{Op: "marketdata.findTimestampsByRange.scan", Err: err}
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Latest(ctx context.Context, instrument types.Instrument) (types.Bar, bool, error) {
	return s.edge(ctx, instrument, "DESC")
}

func (s *PostgresStore) Earliest(ctx context.Context, instrument types.Instrument) (types.Bar, bool, error) {
	return s.edge(ctx, instrument, "ASC")
}

func (s *PostgresStore) edge(ctx context.Context, instrument types.Instrument, order string) (types.Bar, bool, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT timestamp, open, high, low, close, volume, currency FROM %s ORDER BY timestamp %s LIMIT 1`,
		s.tableName(instrument), order))

	var ts time.Time
	var open, high, low, close, volume decimal.Decimal
	var currency string
	if err := row.Scan(&ts, &open, &high, &low, &close, &volume, &currency); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Bar{}, false, nil
		}
		return types.Bar{}, false, &types.PersistenceFailureError{Op: "marketdata.edge", Err: err}
	}
	return types.Bar{
		Open:      types.Price{Amount: open, Currency: currency},
		High:      types.Price{Amount: high, Currency: currency},
		Low:       types.Price{Amount: low, Currency: currency},
		Close:     types.Price{Amount: close, Currency: currency},
		Volume:    volume,
		Timestamp: ts,
	}, true, nil
}

func (s *PostgresStore) CountByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE timestamp >= $1 AND timestamp <= $2`, s.tableName(instrument)),
		r.From, r.To).Scan(&count)
	if err != nil {
		return 0, &types.PersistenceFailureError{Op: "marketdata.countByRange", Err: err}
	}
	return count, nil
}

func (s *PostgresStore) HasRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) (bool, error) {
	days := r.Days()
	if len(days) == 0 {
		return true, nil
	}
	timestamps, err := s.FindTimestampsByRange(ctx, instrument, r)
	if err != nil {
		return false, err
	}
	have := make(map[time.Time]struct{}, len(timestamps))
	for _, ts := range timestamps {
		have[ts] = struct{}{}
	}
	for _, day := range days {
		if _, ok := have[day]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context, instrument types.Instrument) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, s.tableName(instrument)))
	if err != nil {
		return &types.PersistenceFailureError{Op: "marketdata.deleteAll", Err: err}
	}
	return nil
}

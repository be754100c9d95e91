package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// PostgresStore is C8's persisted-state-layout Store: one table per
// instrument, unique on (forecastDate, modelVersion) — the same "SQL
// constraint, not a Go mutex" arbitration C1's store uses, carried
// here since forecast upserts share the exact same concurrency shape.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and ensures one table per known
// instrument exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("forecast: connect postgres: %w", err)
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

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) tableName(instrument types.Instrument) string {
	switch instrument {
	case types.BTC:
		return "forecasts_btc"
	case types.ETH:
		return "forecasts_eth"
	default:
		return "forecasts_unknown"
	}
}

func (s *PostgresStore) ensureTable(ctx context.Context, instrument types.Instrument) error {
	table := s.tableName(instrument)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		forecast_date TIMESTAMPTZ NOT NULL,
		model_version TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		expected_return NUMERIC(24,8) NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		predicted_diff_oc NUMERIC(24,8) NOT NULL,
		predicted_oc NUMERIC(24,8) NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT %s_date_version_unique UNIQUE (forecast_date, model_version)
	)`, table, table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return &types.PersistenceFailureError{Op: "forecast.ensureTable", Err: err}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, result Result) error {
	table := s.tableName(result.Instrument)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (forecast_date, model_version, execution_id, expected_return,
			confidence, status, predicted_diff_oc, predicted_oc, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (forecast_date, model_version) DO UPDATE SET
			execution_id = EXCLUDED.execution_id,
			expected_return = EXCLUDED.expected_return,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			predicted_diff_oc = EXCLUDED.predicted_diff_oc,
			predicted_oc = EXCLUDED.predicted_oc,
			error_message = EXCLUDED.error_message`, table),
		dayKey(result.ForecastDate), result.ModelVersion, result.ExecutionID, result.ExpectedReturn,
		result.Confidence, string(result.Status), result.PredictedDiffOC, result.PredictedOC,
		result.ErrorMessage, nowOrCreated(result.CreatedAt))
	if err != nil {
		return &types.PersistenceFailureError{Op: "forecast.upsert", Err: err}
	}
	return nil
}

func nowOrCreated(createdAt time.Time) time.Time {
	if createdAt.IsZero() {
		return time.Now().UTC()
	}
	return createdAt
}

func (s *PostgresStore) FindByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]Result, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT forecast_date, model_version, execution_id, expected_return, confidence,
			status, predicted_diff_oc, predicted_oc, error_message, created_at
		FROM %s WHERE forecast_date >= $1 AND forecast_date <= $2 ORDER BY forecast_date ASC`,
		s.tableName(instrument)), r.From, r.To)
	if err != nil {
		return nil, &types.PersistenceFailureError{Op: "forecast.findByRange", Err: err}
	}
	defer rows.Close()
	return scanResults(rows, instrument)
}

func (s *PostgresStore) FindByModelVersion(ctx context.Context, instrument types.Instrument, version string) ([]Result, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT forecast_date, model_version, execution_id, expected_return, confidence,
			status, predicted_diff_oc, predicted_oc, error_message, created_at
		FROM %s WHERE model_version = $1 ORDER BY forecast_date ASC`, s.tableName(instrument)), version)
	if err != nil {
		return nil, &types.PersistenceFailureError{Op: "forecast.findByModelVersion", Err: err}
	}
	defer rows.Close()
	return scanResults(rows, instrument)
}

func (s *PostgresStore) FindByExecutionID(ctx context.Context, executionID string) ([]Result, error) {
	var out []Result
	for _, inst := range types.AllInstruments() {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT forecast_date, model_version, execution_id, expected_return, confidence,
				status, predicted_diff_oc, predicted_oc, error_message, created_at
			FROM %s WHERE execution_id = $1 ORDER BY forecast_date ASC`, s.tableName(inst)), executionID)
		if err != nil {
			return nil, &types.PersistenceFailureError{Op: "forecast.findByExecutionID", Err: err}
		}
		results, err := scanResults(rows, inst)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

func (s *PostgresStore) LatestOverall(ctx context.Context, instrument types.Instrument) (Result, bool, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT forecast_date, model_version, execution_id, expected_return, confidence,
			status, predicted_diff_oc, predicted_oc, error_message, created_at
		FROM %s ORDER BY forecast_date DESC LIMIT 1`, s.tableName(instrument)))
	result, err := scanOne(row, instrument)
	if err != nil {
		return Result{}, false, nil
	}
	return result, true, nil
}

func (s *PostgresStore) Exists(ctx context.Context, instrument types.Instrument, forecastDate time.Time, modelVersion string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE forecast_date = $1 AND model_version = $2)`,
		s.tableName(instrument)), dayKey(forecastDate), modelVersion).Scan(&exists)
	if err != nil {
		return false, &types.PersistenceFailureError{Op: "forecast.exists", Err: err}
	}
	return exists, nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, instrument types.Instrument, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE forecast_date < $1`, s.tableName(instrument)), dayKey(cutoff))
	if err != nil {
		return 0, &types.PersistenceFailureError{Op: "forecast.deleteOlderThan", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

// pgxRows is the subset of pgx.Rows scanResults needs, narrowed so it can
// also accept a single pgx.Row via the scanOne adapter below.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanResults(rows pgxRows, instrument types.Instrument) ([]Result, error) {
	var out []Result
	for rows.Next() {
		res, err := scanRow(rows, instrument)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanRow(rows pgxRows, instrument types.Instrument) (Result, error) {
	var res Result
	var status string
	var expectedReturn, predictedDiffOC, predictedOC decimal.Decimal
	if err := rows.Scan(&res.ForecastDate, &res.ModelVersion, &res.ExecutionID, &expectedReturn,
		&res.Confidence, &status, &predictedDiffOC, &predictedOC, &res.ErrorMessage, &res.CreatedAt); err != nil {
		return Result{}, &types.PersistenceFailureError{Op: "forecast.scan", Err: err}
	}
	res.Instrument = instrument
	res.Status = Status(status)
	res.ExpectedReturn = expectedReturn
	res.PredictedDiffOC = predictedDiffOC
	res.PredictedOC = predictedOC
	return res, nil
}

// pgxRow is the single-row counterpart of pgxRows (pgx.Row has no Next/Err).
type pgxRow interface {
	Scan(dest ...any) error
}

func scanOne(row pgxRow, instrument types.Instrument) (Result, error) {
	var res Result
	var status string
	var expectedReturn, predictedDiffOC, predictedOC decimal.Decimal
	if err := row.Scan(&res.ForecastDate, &res.ModelVersion, &res.ExecutionID, &expectedReturn,
		&res.Confidence, &status, &predictedDiffOC, &predictedOC, &res.ErrorMessage, &res.CreatedAt); err != nil {
		return Result{}, err
	}
	res.Instrument = instrument
	res.Status = Status(status)
	res.ExpectedReturn = expectedReturn
	res.PredictedDiffOC = predictedDiffOC
	res.PredictedOC = predictedOC
	return res, nil
}

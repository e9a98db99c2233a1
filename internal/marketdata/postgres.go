package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/model"
)

// PostgresSource serves bars from PostgreSQL. Prices are stored as NUMERIC
// and round-tripped through text for exact decimal precision.
//
// Expected schema:
//
//	bars(instrument TEXT, time TIMESTAMPTZ, open NUMERIC, high NUMERIC,
//	     low NUMERIC, close NUMERIC, volume NUMERIC, oi NUMERIC)
//	instruments(id TEXT PRIMARY KEY, type TEXT)
//	trading_dates(time TIMESTAMPTZ PRIMARY KEY)
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a PostgreSQL-backed bar source.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) GetBar(ctx context.Context, instrument string, dt time.Time) (model.Bar, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT time, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume::TEXT, oi::TEXT
		 FROM bars
		 WHERE instrument = $1 AND time <= $2
		 ORDER BY time DESC LIMIT 1`,
		instrument, dt)

	bar, err := scanBar(row)
	if err == pgx.ErrNoRows {
		return model.Bar{}, fmt.Errorf("%w: %s at %s", ErrNoBar, instrument, dt)
	}
	if err != nil {
		return model.Bar{}, fmt.Errorf("marketdata: get bar %s: %w", instrument, err)
	}
	return bar, nil
}

func (s *PostgresSource) History(ctx context.Context, instrument string, dt time.Time, barCount int) ([]model.Bar, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT time, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume::TEXT, oi::TEXT
		 FROM (
			SELECT * FROM bars
			WHERE instrument = $1 AND time <= $2
			ORDER BY time DESC LIMIT $3
		 ) w ORDER BY time ASC`,
		instrument, dt, barCount)
	if err != nil {
		return nil, fmt.Errorf("marketdata: history %s: %w", instrument, err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

func (s *PostgresSource) Instrument(ctx context.Context, id string) (Instrument, error) {
	var ins Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT id, type FROM instruments WHERE id = $1`, id).
		Scan(&ins.ID, &ins.Type)
	if err == pgx.ErrNoRows {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	if err != nil {
		return Instrument{}, fmt.Errorf("marketdata: instrument %s: %w", id, err)
	}
	return ins, nil
}

func (s *PostgresSource) TradingDates(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT time FROM trading_dates
		 WHERE time >= $1 AND time <= $2
		 ORDER BY time ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("marketdata: trading dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		dates = append(dates, t)
	}
	return dates, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBar(row rowScanner) (model.Bar, error) {
	var bar model.Bar
	var open, high, low, close, volume, oi string
	if err := row.Scan(&bar.Time, &open, &high, &low, &close, &volume, &oi); err != nil {
		return model.Bar{}, err
	}
	bar.Open, _ = decimal.NewFromString(open)
	bar.High, _ = decimal.NewFromString(high)
	bar.Low, _ = decimal.NewFromString(low)
	bar.Close, _ = decimal.NewFromString(close)
	bar.Volume, _ = decimal.NewFromString(volume)
	bar.OpenInterest, _ = decimal.NewFromString(oi)
	return bar, nil
}

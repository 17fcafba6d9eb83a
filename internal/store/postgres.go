package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/i474232898/farm-advisory/internal/ingest"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Postgres stores readings in PostgreSQL. Each transaction uses its own pooled connection.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a connection pool for dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate applies the bundled DDL. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// WithinTx runs fn in a read-committed transaction and commits when fn returns nil.
func (p *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ingest.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{tx: tx, locked: make(map[string]bool)}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx     pgx.Tx
	locked map[string]bool
}

// lockVillage serializes concurrent transactions touching the same village
// until this transaction ends, so check-then-insert cannot interleave.
func (t *pgTx) lockVillage(ctx context.Context, villageID string) error {
	if t.locked[villageID] {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, villageID); err != nil {
		return fmt.Errorf("lock village %s: %w", villageID, err)
	}
	t.locked[villageID] = true
	return nil
}

func (t *pgTx) HasWeatherSince(ctx context.Context, villageID string, since time.Time) (bool, error) {
	if err := t.lockVillage(ctx, villageID); err != nil {
		return false, err
	}
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM weather_readings WHERE village_id = $1 AND observed_at > $2)`,
		villageID, since.UTC(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query weather since: %w", err)
	}
	return exists, nil
}

func (t *pgTx) HasMarket(ctx context.Context, villageID, commodity string, arrival time.Time) (bool, error) {
	if err := t.lockVillage(ctx, villageID); err != nil {
		return false, err
	}
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM market_readings WHERE village_id = $1 AND commodity = $2 AND arrival_date = $3)`,
		villageID, commodity, arrival.UTC(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query market key: %w", err)
	}
	return exists, nil
}

func (t *pgTx) Insert(ctx context.Context, r ingest.Reading) (ingest.StoredReading, error) {
	stored := ingest.StoredReading{ID: uuid.NewString(), Reading: r}

	var err error
	switch r.Kind {
	case ingest.KindWeather:
		if r.Weather == nil {
			return ingest.StoredReading{}, fmt.Errorf("weather reading for %s has no payload", r.VillageID)
		}
		w := r.Weather
		observed := r.ObservedAt.UTC()
		err = t.tx.QueryRow(ctx, `
			INSERT INTO weather_readings
				(id, village_id, observed_at, observed_hour, temperature_c, humidity_pct,
				 pressure_hpa, wind_speed, rainfall_mm, uvi, description, condition)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING created_at`,
			stored.ID, r.VillageID, observed, observed.Truncate(time.Hour), w.Temperature, w.Humidity,
			w.Pressure, w.WindSpeed, w.Rainfall, w.UVI, w.Description, string(w.Condition),
		).Scan(&stored.CreatedAt)
	case ingest.KindMarket:
		if r.Market == nil {
			return ingest.StoredReading{}, fmt.Errorf("market reading for %s has no payload", r.VillageID)
		}
		m := r.Market
		err = t.tx.QueryRow(ctx, `
			INSERT INTO market_readings
				(id, village_id, commodity, variety, market_name, arrival_date,
				 modal_price, min_price, max_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at`,
			stored.ID, r.VillageID, m.Commodity, m.Variety, m.MarketName, m.ArrivalDate.UTC(),
			m.ModalPrice, m.MinPrice, m.MaxPrice,
		).Scan(&stored.CreatedAt)
	default:
		return ingest.StoredReading{}, fmt.Errorf("unknown reading kind %q", r.Kind)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ingest.StoredReading{}, fmt.Errorf("%s (%s): %w", pgErr.ConstraintName, r.VillageID, ingest.ErrDuplicateKey)
		}
		return ingest.StoredReading{}, fmt.Errorf("insert %s reading: %w", r.Kind, err)
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	return stored, nil
}

const weatherColumns = `id, village_id, observed_at, temperature_c, humidity_pct, pressure_hpa,
	wind_speed, rainfall_mm, uvi, description, condition, created_at`

const marketColumns = `id, village_id, commodity, variety, market_name, arrival_date,
	modal_price, min_price, max_price, created_at`

func scanWeather(row pgx.CollectableRow) (ingest.StoredReading, error) {
	var (
		s    ingest.StoredReading
		w    ingest.WeatherFields
		cond string
	)
	err := row.Scan(&s.ID, &s.VillageID, &s.ObservedAt, &w.Temperature, &w.Humidity, &w.Pressure,
		&w.WindSpeed, &w.Rainfall, &w.UVI, &w.Description, &cond, &s.CreatedAt)
	if err != nil {
		return ingest.StoredReading{}, err
	}
	w.Condition = ingest.Condition(cond)
	s.Kind = ingest.KindWeather
	s.Weather = &w
	s.ObservedAt = s.ObservedAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func scanMarket(row pgx.CollectableRow) (ingest.StoredReading, error) {
	var (
		s ingest.StoredReading
		m ingest.MarketFields
	)
	err := row.Scan(&s.ID, &s.VillageID, &m.Commodity, &m.Variety, &m.MarketName, &m.ArrivalDate,
		&m.ModalPrice, &m.MinPrice, &m.MaxPrice, &s.CreatedAt)
	if err != nil {
		return ingest.StoredReading{}, err
	}
	m.ArrivalDate = m.ArrivalDate.UTC()
	s.Kind = ingest.KindMarket
	s.Market = &m
	s.ObservedAt = m.ArrivalDate
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (p *Postgres) query(ctx context.Context, scan pgx.RowToFunc[ingest.StoredReading], sql string, args ...any) ([]ingest.StoredReading, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scan)
}

// LatestWeather returns the most recent weather reading for a village.
func (p *Postgres) LatestWeather(ctx context.Context, villageID string) (ingest.StoredReading, error) {
	rows, err := p.RecentWeather(ctx, villageID, 1)
	if err != nil {
		return ingest.StoredReading{}, err
	}
	if len(rows) == 0 {
		return ingest.StoredReading{}, ingest.ErrNotFound
	}
	return rows[0], nil
}

// LatestMarket returns the market reading with the latest arrival date for a village.
func (p *Postgres) LatestMarket(ctx context.Context, villageID string) (ingest.StoredReading, error) {
	rows, err := p.RecentMarket(ctx, villageID, 1)
	if err != nil {
		return ingest.StoredReading{}, err
	}
	if len(rows) == 0 {
		return ingest.StoredReading{}, ingest.ErrNotFound
	}
	return rows[0], nil
}

// WeatherRange returns weather readings observed between from and to (inclusive), oldest first.
func (p *Postgres) WeatherRange(ctx context.Context, villageID string, from, to time.Time) ([]ingest.StoredReading, error) {
	rows, err := p.query(ctx, scanWeather,
		`SELECT `+weatherColumns+` FROM weather_readings
		 WHERE village_id = $1 AND observed_at >= $2 AND observed_at <= $3
		 ORDER BY observed_at ASC`,
		villageID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("weather range: %w", err)
	}
	return rows, nil
}

// RecentWeather returns up to limit weather readings, newest first.
func (p *Postgres) RecentWeather(ctx context.Context, villageID string, limit int) ([]ingest.StoredReading, error) {
	rows, err := p.query(ctx, scanWeather,
		`SELECT `+weatherColumns+` FROM weather_readings
		 WHERE village_id = $1
		 ORDER BY observed_at DESC, created_at DESC
		 LIMIT $2`,
		villageID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("recent weather: %w", err)
	}
	return rows, nil
}

// RecentMarket returns up to limit market readings, newest arrival date first.
func (p *Postgres) RecentMarket(ctx context.Context, villageID string, limit int) ([]ingest.StoredReading, error) {
	rows, err := p.query(ctx, scanMarket,
		`SELECT `+marketColumns+` FROM market_readings
		 WHERE village_id = $1
		 ORDER BY arrival_date DESC, created_at DESC
		 LIMIT $2`,
		villageID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("recent market: %w", err)
	}
	return rows, nil
}

// Summary counts every stored reading and averages temperature per village.
func (p *Postgres) Summary(ctx context.Context) (ingest.Summary, error) {
	var sum ingest.Summary
	err := p.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM weather_readings),
		        (SELECT count(*) FROM market_readings),
		        (SELECT max(modal_price) FROM market_readings)`).
		Scan(&sum.WeatherReadings, &sum.MarketReadings, &sum.HighestModalPrice)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("summary totals: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT village_id, avg(temperature_c) FROM weather_readings
		 GROUP BY village_id
		 ORDER BY village_id`)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("summary averages: %w", err)
	}
	sum.AverageTemperature, err = pgx.CollectRows(rows, pgx.RowToStructByPos[ingest.VillageAverage])
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("summary averages: %w", err)
	}
	return sum, nil
}

// limitOrAll maps a non-positive limit to NULL, which Postgres treats as LIMIT ALL.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// Package postgres provides Postgres-backed persistence for price observations and sweep runs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/price-pulse/internal/pricewatch"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ObservationStore writes price observations into Postgres.
type ObservationStore struct {
	pool  pool
	table string
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

// NewObservationStoreWithPool constructs a store from an existing pool.
func NewObservationStoreWithPool(p pool, table string) (*ObservationStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "price_observations"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ObservationStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ObservationStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertObservation inserts one observation row.
func (s *ObservationStore) InsertObservation(ctx context.Context, obs pricewatch.Observation) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("observation store is not configured")
	}
	if obs.ID == "" {
		return fmt.Errorf("observation id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	sweep_id,
	product,
	market,
	url,
	price,
	currency,
	raw_price,
	status_code,
	content_hash,
	duration_ms,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.table)

	args := []any{
		obs.ID,
		obs.SweepID,
		obs.Product,
		obs.Market,
		obs.URL,
		obs.Price,
		obs.Currency,
		obs.RawPrice,
		obs.StatusCode,
		obs.ContentHash,
		obs.Duration.Milliseconds(),
		obs.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// LatestObservation returns the most recent observation of product in market.
func (s *ObservationStore) LatestObservation(ctx context.Context, product, market string) (pricewatch.Observation, error) {
	if s == nil || s.pool == nil {
		return pricewatch.Observation{}, fmt.Errorf("observation store is not configured")
	}
	query := fmt.Sprintf(`
SELECT id, sweep_id, product, market, url, price, currency, raw_price, status_code, content_hash, duration_ms, fetched_at
FROM %s
WHERE product = $1 AND market = $2
ORDER BY fetched_at DESC
LIMIT 1`, s.table)

	var (
		obs        pricewatch.Observation
		durationMS int64
	)
	err := s.pool.QueryRow(ctx, query, product, market).Scan(
		&obs.ID,
		&obs.SweepID,
		&obs.Product,
		&obs.Market,
		&obs.URL,
		&obs.Price,
		&obs.Currency,
		&obs.RawPrice,
		&obs.StatusCode,
		&obs.ContentHash,
		&durationMS,
		&obs.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pricewatch.Observation{}, pricewatch.ErrNoObservation
	}
	if err != nil {
		return pricewatch.Observation{}, fmt.Errorf("query latest observation: %w", err)
	}
	obs.Duration = time.Duration(durationMS) * time.Millisecond
	return obs, nil
}

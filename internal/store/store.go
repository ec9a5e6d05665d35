// Package store owns the Postgres connection pool and the durable
// tables behind quota enforcement: usage rows, user spend, API key
// balances, provider monthly spend.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and verifies the connection with a ping.
func New(ctx context.Context, dsn string) (*Store, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Begin opens a transaction on the pool.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// Pool exposes the underlying pool for read queries.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// UserSpend reads a user's recorded spend and quota.
func (s *Store) UserSpend(ctx context.Context, userID string) (used, quota float64, err error) {
	row := s.pool.QueryRow(ctx,
		`SELECT used_usd, quota_usd FROM users WHERE id = $1`, userID)
	if err := row.Scan(&used, &quota); err != nil {
		return 0, 0, fmt.Errorf("store: user spend %s: %w", userID, err)
	}
	return used, quota, nil
}

// KeyBalance reads a standalone API key's consumed and total balance.
func (s *Store) KeyBalance(ctx context.Context, apiKeyID string) (used, balance float64, err error) {
	row := s.pool.QueryRow(ctx,
		`SELECT balance_used_usd, balance_usd FROM api_keys WHERE id = $1`, apiKeyID)
	if err := row.Scan(&used, &balance); err != nil {
		return 0, 0, fmt.Errorf("store: key balance %s: %w", apiKeyID, err)
	}
	return used, balance, nil
}

// ProviderMonthlySpend reads a provider's running monthly total.
func (s *Store) ProviderMonthlySpend(ctx context.Context, providerID string) (float64, error) {
	var used float64
	row := s.pool.QueryRow(ctx,
		`SELECT monthly_used_usd FROM providers WHERE id = $1`, providerID)
	if err := row.Scan(&used); err != nil {
		return 0, fmt.Errorf("store: provider spend %s: %w", providerID, err)
	}
	return used, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

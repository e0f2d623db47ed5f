package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a shared response cache backed by a PostgreSQL table, for
// deployments where several API instances front one cache.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the cache endpoint (a postgres:// URL) and
// ensures the cache table exists. Pool sizing follows the shared-resource
// model: 20 connections plus overflow, recycled hourly.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	cfg.MaxConns = 30
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.createSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) createSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_expiry ON cache_entries(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("create cache schema: %w", err)
	}
	return nil
}

// Get implements Cache.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM cache_entries WHERE key = $1 AND expires_at > NOW()
	`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

// Set implements Cache; last writer wins on the same key.
func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cache_entries (key, value, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
	`, key, value, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete implements Cache.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Prune drops expired rows.
func (p *Postgres) Prune(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

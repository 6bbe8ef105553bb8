package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds the cache database connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg PostgresConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// PostgresStore is a Store backed by a single cache table. The TTL filter is
// applied in the lookup query, so expired rows are invisible even before the
// janitor removes them.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS response_cache (
	key        text PRIMARY KEY,
	content    text NOT NULL,
	models     text[] NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
)`

// NewPostgresStore connects a pool, ensures the cache table exists, and
// returns the store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, ttl time.Duration) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createCacheTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure cache table: %w", err)
	}

	return &PostgresStore{pool: pool, ttl: ttl}, nil
}

// Get returns the entry for key if it is younger than the TTL.
func (s *PostgresStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var e Entry
	err := s.pool.QueryRow(ctx,
		`SELECT content, models, created_at
		   FROM response_cache
		  WHERE key = $1 AND created_at > $2`,
		key, time.Now().Add(-s.ttl),
	).Scan(&e.Content, &e.Models, &e.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	return e, true, nil
}

// Put upserts an entry. Last write wins.
func (s *PostgresStore) Put(ctx context.Context, key string, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO response_cache (key, content, models, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE
		    SET content = EXCLUDED.content,
		        models = EXCLUDED.models,
		        created_at = EXCLUDED.created_at`,
		key, e.Content, e.Models, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// Purge deletes rows created before the cutoff.
func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM response_cache WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chatrelay/internal/utils"
)

var ErrPoolNotInitialised = errors.New("postgres: pool not initialised")

type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres opens a pool and verifies it with a ping, retrying with
// exponential backoff up to cfg.ConnectRetries times.
func NewPostgres(ctx context.Context, cfg utils.PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	logger = utils.OrNop(logger)

	poolConfig, err := pgxpool.ParseConfig(cfg.BuildDSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	retries := cfg.ConnectRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	var pool *pgxpool.Pool
	connect := func() error {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		candidate, err := pgxpool.NewWithConfig(dialCtx, poolConfig)
		if err != nil {
			return err
		}
		if err := candidate.Ping(dialCtx); err != nil {
			candidate.Close()
			logger.Warn("postgres: connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		pool = candidate
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	if err := backoff.Retry(connect, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)); err != nil {
		return nil, fmt.Errorf("postgres: connect failed after %d attempts: %w", attempt, err)
	}

	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Close() {
	if p == nil || p.Pool == nil {
		return
	}
	p.Pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return ErrPoolNotInitialised
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.Pool.Ping(ctx)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return ErrPoolNotInitialised
	}

	statements := []string{
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS users (",
			"    id BIGSERIAL PRIMARY KEY,",
			"    name TEXT NOT NULL,",
			"    email TEXT NOT NULL UNIQUE,",
			"    password_hash TEXT NOT NULL,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS conversations (",
			"    id BIGSERIAL PRIMARY KEY,",
			"    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,",
			"    type TEXT NOT NULL DEFAULT '',",
			"    start_date DATE NOT NULL DEFAULT CURRENT_DATE,",
			"    end_date DATE NOT NULL DEFAULT CURRENT_DATE",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS conversations_user_id_idx ON conversations (user_id, id)",
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS messages (",
			"    id BIGSERIAL PRIMARY KEY,",
			"    conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,",
			"    content TEXT NOT NULL,",
			"    sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS messages_conversation_id_idx ON messages (conversation_id, sent_at, id)",
	}

	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}

	return nil
}

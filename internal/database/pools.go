package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parasxparkash/zerodhaDataCollector/internal/config"
)

// Pools holds database connections for a collector.
type Pools struct {
	// Ticks holds the wide tick tables.
	Ticks *pgxpool.Pool

	// Tokens holds broker access tokens. Nil when tokens come from config.
	Tokens *pgxpool.Pool
}

// NewPools creates the tick pool and, when withTokens is set, the token pool.
func NewPools(ctx context.Context, cfg config.DatabaseConfig, withTokens bool) (*Pools, error) {
	ticks, err := Connect(ctx, cfg.Ticks)
	if err != nil {
		return nil, fmt.Errorf("connect ticks database: %w", err)
	}

	p := &Pools{Ticks: ticks}
	if !withTokens {
		return p, nil
	}

	tokens, err := Connect(ctx, cfg.Tokens)
	if err != nil {
		ticks.Close()
		return nil, fmt.Errorf("connect tokens database: %w", err)
	}
	p.Tokens = tokens

	return p, nil
}

// Connect creates a single connection pool and checks it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
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
		return nil, fmt.Errorf("ping %s@%s/%s: %w", cfg.User, cfg.Host, cfg.Name, err)
	}

	return pool, nil
}

// Close closes every open pool.
func (p *Pools) Close() {
	if p.Ticks != nil {
		p.Ticks.Close()
	}
	if p.Tokens != nil {
		p.Tokens.Close()
	}
}

// Ping verifies the open pools are healthy.
func (p *Pools) Ping(ctx context.Context) error {
	if err := p.Ticks.Ping(ctx); err != nil {
		return fmt.Errorf("ping ticks: %w", err)
	}
	if p.Tokens != nil {
		if err := p.Tokens.Ping(ctx); err != nil {
			return fmt.Errorf("ping tokens: %w", err)
		}
	}
	return nil
}

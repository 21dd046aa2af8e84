package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"flowsync/internal/config"
	"flowsync/internal/store"
)

// openSQL connects to the configured SQL backend.
func openSQL(ctx context.Context, cfg config.Config) (*sql.DB, store.Dialect, error) {
	dialect, err := store.DialectFor(cfg.Store)
	if err != nil {
		return nil, store.Dialect{}, err
	}
	dsn := cfg.DatabaseURL
	if dialect.Name == store.SQLite.Name {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, store.Dialect{}, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = cfg.SQLitePath
	}
	db, err := store.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, store.Dialect{}, err
	}
	return db, dialect, nil
}

// openStore builds the document store selected by cfg.Store, migrating SQL
// schemas on the way and wrapping the result in a circuit breaker when enabled.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store; documents are lost on restart")
		st = store.NewMemoryStore()
	case "redis":
		redisStore, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		st = redisStore
	default:
		db, dialect, err := openSQL(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		st = store.NewSQLStore(db, dialect)
	}
	logger.Info("document store ready", zap.String("backend", cfg.Store))

	if cfg.BreakerEnabled && cfg.Store != "memory" {
		return store.NewBreaker(st, store.DefaultBreakerConfig("store-"+cfg.Store), logger.Named("breaker")), nil
	}
	return st, nil
}

package store

import (
	"context"
	"fmt"

	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/globals"
)

// NewBackend creates the backend selected in cfg.
func NewBackend(cfg config.StoreConfig) (Backend, error) {
	switch cfg.Type {
	case "buntdb", "":
		return NewBuntDBBackend(cfg.DSN, cfg.FlockPath)
	case "sqlite", "postgres":
		return NewGormBackend(cfg.Type, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// Open creates the configured backend and, if a redis url is configured, a redis notifier, and returns the DB
// on top of them.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*DB, error) {
	backend, err := NewBackend(cfg.StoreConfig)
	if err != nil {
		return nil, err
	}
	if cfg.RedisConfig.URL != "" {
		notifier, err := NewRedisNotifier(ctx, cfg.RedisConfig.URL, cfg.RedisConfig.Channel)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("could not connect to redis: %w", err)
		}
		opts = append([]Option{WithNotifier(notifier)}, opts...)
	}
	globals.AppLogger.Info("store opened", "type", cfg.StoreConfig.Type, "redis", cfg.RedisConfig.URL != "")
	return NewDB(backend, opts...), nil
}

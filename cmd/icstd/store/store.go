// Package store selects the job result store from configuration.
package store

import (
	"fmt"
	"log/slog"

	"github.com/icstlab/icst/cmd/icstd/config"
	"github.com/icstlab/icst/pkg/storage"
)

// New opens the configured result store.
func New(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case config.StorageRedis:
		logger.Info("using redis result store", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.ResultTTL)
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ResultTTL)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return s, nil

	case config.StorageBadger:
		logger.Info("using badger result store", "path", cfg.BadgerPath, "ttl", cfg.ResultTTL)
		s, err := storage.NewBadgerStore(storage.BadgerConfig{
			Path:   cfg.BadgerPath,
			TTL:    cfg.ResultTTL,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("badger store: %w", err)
		}
		return s, nil

	case config.StorageMemory:
		logger.Info("using in-memory result store", "ttl", cfg.ResultTTL, "cleanup_interval", cfg.CleanupInterval)
		return storage.NewMemoryStoreWithTTL(cfg.ResultTTL, cfg.CleanupInterval), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/model"
)

// New builds the store selected by cfg.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.SugaredLogger) (model.EntityStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.DSN)
	case "mongo":
		timeout := time.Duration(cfg.Mongo.ConnectTimeoutSec) * time.Second
		return NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database, timeout, logger)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

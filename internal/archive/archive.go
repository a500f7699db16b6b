// Package archive keeps a history of flow statistics outside the entity
// store, one batch per session checkpoint.
package archive

import (
	"context"
	"fmt"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/model"

	"go.uber.org/zap"
)

// New builds the enabled archive writers.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *zap.SugaredLogger) ([]model.Writer, error) {
	var writers []model.Writer
	for _, def := range cfg.Writers {
		if !def.Enabled {
			continue
		}
		switch def.Type {
		case "gob":
			writers = append(writers, NewGobWriter(def.Gob.RootPath))
		case "clickhouse":
			w, err := NewClickHouseWriter(ctx, def.ClickHouse, logger)
			if err != nil {
				return nil, err
			}
			writers = append(writers, w)
		default:
			return nil, fmt.Errorf("unknown archive writer type: '%s'", def.Type)
		}
		logger.Infow("Archive writer enabled", "type", def.Type)
	}
	return writers, nil
}

// NewQuerier returns a querier over the first enabled ClickHouse writer,
// or nil when there is none.
func NewQuerier(ctx context.Context, cfg config.ArchiveConfig) (Querier, error) {
	for _, def := range cfg.Writers {
		if def.Enabled && def.Type == "clickhouse" {
			return NewClickHouseQuerier(ctx, def.ClickHouse)
		}
	}
	return nil, nil
}

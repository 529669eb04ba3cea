package main

import (
	"fmt"

	"go.uber.org/zap"

	"seedbridge.ai/internal/bridge"
	"seedbridge.ai/internal/config"
	"seedbridge.ai/internal/persistence/indexdb"
)

type runtimeIndex interface {
	bridge.Journal
	Close() error
}

// indexHandles keeps the concrete backend around for /metrics and the admin queries.
type indexHandles struct {
	idx    runtimeIndex
	sqlite *indexdb.SQLiteIndex
	remote *indexdb.RemoteIndex
}

func openRuntimeIndex(cfg config.Config, logger *zap.Logger) (indexHandles, error) {
	switch cfg.Index.Backend {
	case config.IndexNone:
		return indexHandles{}, nil
	case config.IndexSQLite:
		idx, err := indexdb.OpenSQLite(cfg.Index.SQLitePath, logger)
		if err != nil {
			return indexHandles{}, err
		}
		return indexHandles{idx: idx, sqlite: idx}, nil
	case config.IndexRemote:
		idx, err := indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint:      cfg.Index.Endpoint,
			Token:         cfg.Index.Token,
			ServerID:      cfg.ServerID,
			BatchSize:     cfg.Index.BatchSize,
			FlushInterval: cfg.Index.FlushInterval,
			Logger:        logger,
		})
		if err != nil {
			return indexHandles{}, err
		}
		return indexHandles{idx: idx, remote: idx}, nil
	default:
		return indexHandles{}, fmt.Errorf("unsupported index backend: %s", cfg.Index.Backend)
	}
}

func (h indexHandles) Close() error {
	if h.idx == nil {
		return nil
	}
	return h.idx.Close()
}

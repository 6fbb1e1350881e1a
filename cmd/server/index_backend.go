package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"blockstage.ai/internal/persistence/indexdb"
	"blockstage.ai/internal/sim/stage"
	"blockstage.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	stage.EventSink
	Close() error
	UpsertTuning(tune tuning.Tuning) error
	Stats() indexdb.Stats
}

func openRuntimeIndex(dataDir, stageID string, disableDB bool, logger *zap.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("BS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "stage.sqlite"))
	case "http":
		endpoint := strings.TrimSpace(os.Getenv("BS_INDEX_INGEST_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("BS_INDEX_BACKEND=http but BS_INDEX_INGEST_URL is empty")
		}
		return indexdb.OpenIngest(indexdb.IngestConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("BS_INDEX_INGEST_TOKEN")),
			StageID:       stageID,
			BatchSize:     envInt("BS_INDEX_INGEST_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("BS_INDEX_INGEST_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger.Named("ingest"),
		})
	default:
		return nil, fmt.Errorf("unsupported BS_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

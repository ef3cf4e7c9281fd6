package storage

import (
	"errors"
	"strings"

	logx "fogworker/pkg/logx"
)

const defaultMaxEntries = 100

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (History, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	log = log.With(logx.String("comp", "history"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return newMemory(cfg.MaxEntries), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}

package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "castbot/pkg/logx"
)

// Store is the minimal persistence API used by the dispatcher.
//
// Last-sent timestamps back the per-target dedupe policy and must survive
// process restarts. The action log is append-only history.
type Store interface {
	PutLastSent(ctx context.Context, target string, at time.Time) error
	GetLastSent(ctx context.Context, target string) (at time.Time, ok bool, err error)
	AppendAction(ctx context.Context, rec ActionRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "wasched/pkg/logx"
)

// Store is the journal API used by the recorder, alerts and the HTTP layer.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	ListDeliveries(ctx context.Context, q Query) ([]DeliveryEntry, error)
	// Prune removes expired dedup marks and deliveries older than before
	// (none when before is zero). It returns the deliveries removed.
	Prune(ctx context.Context, before time.Time) (int, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured journal.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Named("journal").With(logx.String("driver", driver))

	switch driver {
	case "file", "jsonl":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown journal driver: " + driver)
	}
}

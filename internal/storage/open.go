package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"jobsagent/pkg/logx"
)

// Store is the persistence API used by the callback retry log.
type Store interface {
	// PutPending inserts or replaces the entry with the same ID.
	PutPending(ctx context.Context, e Entry) error
	DeletePending(ctx context.Context, id string) error
	// ListPending returns entries oldest-first (by FailedAt, then ID).
	// limit <= 0 returns everything.
	ListPending(ctx context.Context, limit int) ([]Entry, error)
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
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].FailedAt.Equal(es[j].FailedAt) {
			return es[i].FailedAt.Before(es[j].FailedAt)
		}
		return es[i].ID < es[j].ID
	})
}

package storage

import (
	"context"
	"errors"
	"strings"

	logx "genflow/pkg/logx"
)

// Store is the minimal persistence API used by the core.
type Store interface {
	PutAccount(ctx context.Context, a AccountRecord) error
	GetAccount(ctx context.Context, id string) (AccountRecord, error)
	ListAccounts(ctx context.Context) ([]AccountRecord, error)
	DeleteAccount(ctx context.Context, id string) error

	PutSession(ctx context.Context, s SessionRecord) error
	GetSession(ctx context.Context, accountID string) (SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	DeleteSession(ctx context.Context, accountID string) error

	AppendRun(ctx context.Context, e RunEntry) error
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
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "genflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutAccount(ctx context.Context, a AccountRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, label, budget, cookies_path, expired, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   label=excluded.label, budget=excluded.budget, cookies_path=excluded.cookies_path,
		   expired=excluded.expired, updated_at=excluded.updated_at`,
		a.ID, nullStr(a.Label), a.Budget, a.CookiesPath, boolInt(a.Expired),
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (AccountRecord, error) {
	if s == nil || s.db == nil {
		return AccountRecord{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, label, budget, cookies_path, expired, created_at, updated_at FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]AccountRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, budget, cookies_path, expired, created_at, updated_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountRecord
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) PutSession(ctx context.Context, rec SessionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = rec.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(account_id, profile_id, address, created_at, last_used_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   profile_id=excluded.profile_id, address=excluded.address,
		   created_at=excluded.created_at, last_used_at=excluded.last_used_at`,
		rec.AccountID, rec.ProfileID, rec.Address,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.LastUsedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetSession(ctx context.Context, accountID string) (SessionRecord, error) {
	if s == nil || s.db == nil {
		return SessionRecord{}, ErrDisabled
	}
	var (
		rec      SessionRecord
		created  string
		lastUsed string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, profile_id, address, created_at, last_used_at FROM sessions WHERE account_id = ?`,
		accountID,
	).Scan(&rec.AccountID, &rec.ProfileID, &rec.Address, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsed)
	return rec, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, profile_id, address, created_at, last_used_at FROM sessions ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec      SessionRecord
			created  string
			lastUsed string
		)
		if err := rows.Scan(&rec.AccountID, &rec.ProfileID, &rec.Address, &created, &lastUsed); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSession(ctx context.Context, accountID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE account_id = ?`, accountID)
	return err
}

func (s *sqliteStore) AppendRun(ctx context.Context, e RunEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, selected, done, errored, stopped, took_ms) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Selected, e.Done, e.Errored, boolInt(e.Stopped), e.TookMS,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (AccountRecord, error) {
	var (
		a       AccountRecord
		label   sql.NullString
		expired int
		created string
		updated string
	)
	err := row.Scan(&a.ID, &label, &a.Budget, &a.CookiesPath, &expired, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountRecord{}, ErrNotFound
	}
	if err != nil {
		return AccountRecord{}, err
	}
	a.Label = label.String
	a.Expired = expired != 0
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return a, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

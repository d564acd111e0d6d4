package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "genflow/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json  (accounts + sessions snapshot, whole-document replace)
//   - <prefix>.runs.jsonl  (append-only JSON Lines run audit)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	runsFile     *os.File

	accounts map[string]AccountRecord
	sessions map[string]SessionRecord
}

type fileSnapshot struct {
	Accounts map[string]AccountRecord `json:"accounts"`
	Sessions map[string]SessionRecord `json:"sessions"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.json"
	runsPath := prefix + ".runs.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		accounts:     map[string]AccountRecord{},
		sessions:     map[string]SessionRecord{},
	}
	if err := st.loadSnapshot(); err != nil {
		return nil, err
	}

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.runsFile = rf
	return st, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// A corrupt snapshot should not brick the process; start empty.
		s.log.Warn("storage: snapshot unreadable, starting empty", logx.String("path", s.snapshotPath), logx.Any("err", err))
		return nil
	}
	if snap.Accounts != nil {
		s.accounts = snap.Accounts
	}
	if snap.Sessions != nil {
		s.sessions = snap.Sessions
	}
	return nil
}

// writeSnapshotLocked persists the full state atomically (tmp + rename).
func (s *fileStore) writeSnapshotLocked() error {
	snap := fileSnapshot{Accounts: s.accounts, Sessions: s.sessions}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.runsFile != nil {
		err = s.runsFile.Close()
		s.runsFile = nil
	}
	return err
}

func (s *fileStore) PutAccount(_ context.Context, a AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if prev, ok := s.accounts[a.ID]; ok && !prev.CreatedAt.IsZero() {
		a.CreatedAt = prev.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.accounts[a.ID] = a
	return s.writeSnapshotLocked()
}

func (s *fileStore) GetAccount(_ context.Context, id string) (AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return AccountRecord{}, ErrNotFound
	}
	return a, nil
}

func (s *fileStore) ListAccounts(_ context.Context) ([]AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AccountRecord, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return s.writeSnapshotLocked()
}

func (s *fileStore) PutSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = rec.CreatedAt
	}
	s.sessions[rec.AccountID] = rec
	return s.writeSnapshotLocked()
}

func (s *fileStore) GetSession(_ context.Context, accountID string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[accountID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *fileStore) ListSessions(_ context.Context) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *fileStore) DeleteSession(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, accountID)
	return s.writeSnapshotLocked()
}

func (s *fileStore) AppendRun(_ context.Context, e RunEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.runsFile.Write(append(b, '\n'))
	return err
}

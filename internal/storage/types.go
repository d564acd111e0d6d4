package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   dependency-free JSON snapshot backend
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AccountRecord is a stored identity usable to authenticate against the
// remote service. Credential material itself lives at CookiesPath; its
// format is opaque to the core.
type AccountRecord struct {
	ID          string    `json:"id"`
	Label       string    `json:"label,omitempty"`
	Budget      int       `json:"budget"`
	CookiesPath string    `json:"cookies_path"`
	Expired     bool      `json:"expired,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionRecord locates a live execution environment bound to an account.
// At most one record exists per account.
type SessionRecord struct {
	AccountID  string    `json:"account_id"`
	ProfileID  string    `json:"profile_id"`
	Address    string    `json:"address"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// RunEntry records one scheduler run's aggregate outcome.
type RunEntry struct {
	At       time.Time `json:"at"`
	Selected int       `json:"selected"`
	Done     int       `json:"done"`
	Errored  int       `json:"errored"`
	Stopped  bool      `json:"stopped,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

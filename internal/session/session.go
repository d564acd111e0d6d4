// Package session owns the account→session mapping: one ephemeral remote
// execution context per account, created on demand, reused when a persisted
// record still answers a liveness probe, and destroyed on stop or detected
// invalidity.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"genflow/internal/browser"
	"genflow/internal/eventbus"
	"genflow/internal/storage"
	logx "genflow/pkg/logx"
)

var (
	// ErrSessionStart means the environment failed to start after bounded
	// retries. Excludes the account from the run; non-fatal to the run.
	ErrSessionStart = errors.New("session: environment failed to start")

	// ErrExpiredCredential means the challenge widget was absent after
	// navigation: the account's stored credentials are stale. Non-retryable.
	ErrExpiredCredential = errors.New("session: account credentials expired")
)

type Status string

const (
	StatusReady Status = "ready"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

// Session is a live execution context bound to exactly one account.
// At most one session per account is ready or busy at a time; concurrency
// within an account is achieved by serializing token brokering through the
// single session, not by multiple sessions.
type Session struct {
	AccountID  string
	ProfileID  string
	Address    string
	Status     Status
	CreatedAt  time.Time
	LastUsedAt time.Time
	Reused     bool

	Driver browser.Driver
}

type Config struct {
	StartAttempts  int           // default: 10
	StartDelay     time.Duration // default: 2s
	ProbeTimeout   time.Duration // default: 5s
	AuthSurfaceURL string
}

func (c Config) withDefaults() Config {
	if c.StartAttempts <= 0 {
		c.StartAttempts = 10
	}
	if c.StartDelay <= 0 {
		c.StartDelay = 2 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// challengeProbeExpr detects the anti-bot challenge widget on the service's
// authenticated surface. Its absence after navigation means the login is no
// longer honored.
const challengeProbeExpr = `Boolean(document.querySelector('[data-sitekey], iframe[title*="challenge" i]'))`

type Manager struct {
	cfg      Config
	provider browser.Provider
	dial     browser.DialDriver
	db       storage.Store // may be nil
	log      logx.Logger
	bus      eventbus.Bus

	mu       sync.Mutex
	accounts map[string]*accountSlot
}

// accountSlot serializes all session access for one account. The gate
// channel is the explicit lock around acquire/broker/submit; two workers
// sharing an account contend here, never on the remote session itself.
// sessMu guards the pointer alone, since Destroy may fire without the gate.
type accountSlot struct {
	gate   chan struct{}
	sessMu sync.Mutex
	sess   *Session
}

func (s *accountSlot) get() *Session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sess
}

func (s *accountSlot) set(sess *Session) {
	s.sessMu.Lock()
	s.sess = sess
	s.sessMu.Unlock()
}

func (s *accountSlot) take() *Session {
	s.sessMu.Lock()
	sess := s.sess
	s.sess = nil
	s.sessMu.Unlock()
	return sess
}

func NewManager(cfg Config, provider browser.Provider, dial browser.DialDriver, db storage.Store, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		provider: provider,
		dial:     dial,
		db:       db,
		log:      log,
		bus:      bus,
		accounts: map[string]*accountSlot{},
	}
}

func (m *Manager) slot(accountID string) *accountSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.accounts[accountID]
	if s == nil {
		s = &accountSlot{gate: make(chan struct{}, 1)}
		m.accounts[accountID] = s
	}
	return s
}

// Acquire returns a ready session for the account, reusing a persisted one
// if its environment still answers a liveness probe, otherwise creating a
// fresh environment, installing the account's credential material, and
// verifying the challenge widget on the authenticated surface.
func (m *Manager) Acquire(ctx context.Context, acct storage.AccountRecord) (*Session, error) {
	slot := m.slot(acct.ID)
	select {
	case slot.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-slot.gate }()

	// Reuse the in-memory session if it's still alive.
	if cur := slot.get(); cur != nil {
		if m.probe(ctx, cur.ProfileID) {
			cur.Status = StatusReady
			cur.Reused = true
			return cur, nil
		}
		slot.set(nil)
	}

	// Reuse a session persisted by a previous process invocation.
	if m.db != nil {
		if rec, err := m.db.GetSession(ctx, acct.ID); err == nil && m.probe(ctx, rec.ProfileID) {
			drv, err := m.dial(ctx, rec.Address)
			if err == nil {
				s := &Session{
					AccountID:  rec.AccountID,
					ProfileID:  rec.ProfileID,
					Address:    rec.Address,
					Status:     StatusReady,
					CreatedAt:  rec.CreatedAt,
					LastUsedAt: time.Now(),
					Reused:     true,
					Driver:     drv,
				}
				slot.set(s)
				m.log.Info("session reused", logx.String("account", acct.ID), logx.String("profile", rec.ProfileID))
				m.publish(eventbus.TypeSessionAcquired, s.AccountID)
				return s, nil
			}
			m.log.Debug("persisted session not dialable", logx.String("account", acct.ID), logx.Any("err", err))
		}
	}

	s, err := m.create(ctx, acct)
	if err != nil {
		return nil, err
	}
	slot.set(s)
	m.publish(eventbus.TypeSessionAcquired, s.AccountID)
	return s, nil
}

func (m *Manager) create(ctx context.Context, acct storage.AccountRecord) (*Session, error) {
	profileID, err := m.provider.Create(ctx, browser.ProfileConfig{
		Name:        "genflow-" + acct.ID,
		CookiesPath: acct.CookiesPath,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
	}

	address, err := m.provider.Start(ctx, profileID)
	if err != nil {
		m.cleanupProfile(profileID)
		return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
	}

	// Bounded wait for the environment to report running: fixed attempt
	// count with fixed inter-attempt delay.
	backoff := retry.WithMaxRetries(uint64(m.cfg.StartAttempts-1), retry.NewConstant(m.cfg.StartDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		st, err := m.provider.Status(ctx, profileID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if st != browser.ProfileRunning {
			return retry.RetryableError(errors.New("not running yet"))
		}
		return nil
	})
	if err != nil {
		m.cleanupProfile(profileID)
		return nil, fmt.Errorf("%w: not running after %d attempts", ErrSessionStart, m.cfg.StartAttempts)
	}

	drv, err := m.dial(ctx, address)
	if err != nil {
		m.cleanupProfile(profileID)
		return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
	}

	// Install stored credential material.
	cookies, err := loadCookies(acct.CookiesPath)
	if err != nil {
		_ = drv.Close()
		m.cleanupProfile(profileID)
		return nil, fmt.Errorf("%w: credential material unreadable: %v", ErrSessionStart, err)
	}
	if err := drv.SetCookies(ctx, cookies); err != nil {
		_ = drv.Close()
		m.cleanupProfile(profileID)
		return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
	}

	if m.cfg.AuthSurfaceURL != "" {
		if err := drv.Navigate(ctx, m.cfg.AuthSurfaceURL); err != nil {
			_ = drv.Close()
			m.cleanupProfile(profileID)
			return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
		}
		// Challenge widget absent means the login is stale, which is a
		// distinct, non-retryable condition.
		ok, err := m.challengePresent(ctx, drv)
		if err != nil {
			_ = drv.Close()
			m.cleanupProfile(profileID)
			return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
		}
		if !ok {
			_ = drv.Close()
			m.cleanupProfile(profileID)
			m.markExpired(ctx, acct)
			return nil, ErrExpiredCredential
		}
	}

	now := time.Now()
	s := &Session{
		AccountID:  acct.ID,
		ProfileID:  profileID,
		Address:    address,
		Status:     StatusReady,
		CreatedAt:  now,
		LastUsedAt: now,
		Driver:     drv,
	}

	if m.db != nil {
		rec := storage.SessionRecord{
			AccountID:  acct.ID,
			ProfileID:  profileID,
			Address:    address,
			CreatedAt:  now,
			LastUsedAt: now,
		}
		if err := m.db.PutSession(ctx, rec); err != nil {
			m.log.Warn("session record persist failed", logx.String("account", acct.ID), logx.Any("err", err))
		}
	}

	m.log.Info("session created", logx.String("account", acct.ID), logx.String("profile", profileID))
	return s, nil
}

func (m *Manager) challengePresent(ctx context.Context, drv browser.Driver) (bool, error) {
	raw, err := drv.Evaluate(ctx, challengeProbeExpr)
	if err != nil {
		return false, err
	}
	var present bool
	if err := json.Unmarshal(raw, &present); err != nil {
		return false, err
	}
	return present, nil
}

func (m *Manager) markExpired(ctx context.Context, acct storage.AccountRecord) {
	if m.db == nil {
		return
	}
	acct.Expired = true
	if err := m.db.PutAccount(ctx, acct); err != nil {
		m.log.Warn("account expiry persist failed", logx.String("account", acct.ID), logx.Any("err", err))
	}
}

// Lease takes exclusive ownership of the account's session for one token
// brokering + submit sequence. Two workers sharing an account serialize
// here; the busy/ready status flip itself belongs to the token broker.
func (m *Manager) Lease(ctx context.Context, accountID string) (*Session, func(), error) {
	slot := m.slot(accountID)
	select {
	case slot.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	s := slot.get()
	if s == nil {
		<-slot.gate
		return nil, nil, fmt.Errorf("session: no session for account %s", accountID)
	}
	s.LastUsedAt = time.Now()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.LastUsedAt = time.Now()
			<-slot.gate
		})
	}
	return s, release, nil
}

// Release marks the session ready for reuse without tearing anything down.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	s.Status = StatusReady
	s.LastUsedAt = time.Now()
}

// Destroy stops and deletes the account's environment. Provider errors are
// logged, not propagated, so cleanup always completes locally.
func (m *Manager) Destroy(ctx context.Context, accountID string) {
	slot := m.slot(accountID)
	// Best-effort: don't wait on the gate; stop may fire while a worker
	// holds a lease.
	s := slot.take()

	var profileID string
	if s != nil {
		profileID = s.ProfileID
		if s.Driver != nil {
			_ = s.Driver.Close()
		}
	} else if m.db != nil {
		if rec, err := m.db.GetSession(ctx, accountID); err == nil {
			profileID = rec.ProfileID
		}
	}

	if profileID != "" {
		// A profile the provider no longer knows is already torn down.
		if err := m.provider.Stop(ctx, profileID); err != nil && !errors.Is(err, browser.ErrProfileNotFound) {
			m.log.Warn("environment stop failed", logx.String("account", accountID), logx.Any("err", err))
		}
		if err := m.provider.Delete(ctx, profileID); err != nil && !errors.Is(err, browser.ErrProfileNotFound) {
			m.log.Warn("environment delete failed", logx.String("account", accountID), logx.Any("err", err))
		}
	}

	if m.db != nil {
		if err := m.db.DeleteSession(ctx, accountID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.log.Warn("session record delete failed", logx.String("account", accountID), logx.Any("err", err))
		}
	}
	m.publish(eventbus.TypeSessionDestroyed, accountID)
	m.log.Info("session destroyed", logx.String("account", accountID))
}

// DestroyAll tears down every tracked session (and any persisted leftovers).
func (m *Manager) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
		m.Destroy(ctx, id)
	}

	if m.db != nil {
		if recs, err := m.db.ListSessions(ctx); err == nil {
			for _, rec := range recs {
				if !seen[rec.AccountID] {
					m.Destroy(ctx, rec.AccountID)
				}
			}
		}
	}
}

// probe checks that the environment behind a session still answers.
func (m *Manager) probe(ctx context.Context, profileID string) bool {
	if profileID == "" {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	st, err := m.provider.Status(pctx, profileID)
	return err == nil && st == browser.ProfileRunning
}

func (m *Manager) cleanupProfile(profileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.provider.Stop(ctx, profileID)
	_ = m.provider.Delete(ctx, profileID)
}

func (m *Manager) publish(typ, accountID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: accountID})
}

func loadCookies(path string) ([]browser.Cookie, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cookies []browser.Cookie
	if err := json.Unmarshal(b, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}

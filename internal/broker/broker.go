// Package broker extracts the short-lived authorization artifacts a job
// submission needs from a live session: the service auth token and the
// anti-bot challenge token.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genflow/internal/browser"
	"genflow/internal/session"
	logx "genflow/pkg/logx"
)

var (
	// ErrChallengeUnavailable means the anti-bot challenge token could not
	// be solved. Fatal for the call; the session remains usable.
	ErrChallengeUnavailable = errors.New("broker: challenge token unavailable")

	// ErrTokenAcquisition means no strategy yielded an auth token. This is
	// distinct from a challenge failure since it usually means the account
	// needs a re-login.
	ErrTokenAcquisition = errors.New("broker: no auth token found")

	// ErrSessionBusy means the session was not ready when GetToken was
	// invoked. Callers must serialize through the session manager's lease.
	ErrSessionBusy = errors.New("broker: session is not ready")
)

// Token is the pair of artifacts required to submit one job.
type Token struct {
	Auth      string
	Challenge string
}

type Config struct {
	// ServiceBaseURL is used by the introspection and header-capture
	// strategies to address the service through the environment.
	ServiceBaseURL string

	StrategyTimeout  time.Duration // per-strategy budget, default: 10s
	ChallengeTimeout time.Duration // challenge solve budget, default: 30s
}

func (c Config) withDefaults() Config {
	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = 10 * time.Second
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = 30 * time.Second
	}
	return c
}

// Extractor is a narrow page-fact capability: pull one string out of the
// live page, or report that it isn't there. Strategies are tried in order.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, drv browser.Driver) (string, bool)
}

type Broker struct {
	cfg        Config
	log        logx.Logger
	strategies []Extractor
}

func New(cfg Config, log logx.Logger) *Broker {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broker{
		cfg: cfg,
		log: log,
		strategies: []Extractor{
			introspectStrategy{baseURL: cfg.ServiceBaseURL},
			pageStateStrategy{},
			headerCaptureStrategy{baseURL: cfg.ServiceBaseURL},
		},
	}
}

// GetToken brokers a fresh token pair through the session. The session must
// be ready; it is flipped busy for the duration of the call.
func (b *Broker) GetToken(ctx context.Context, s *session.Session) (Token, error) {
	if s == nil || s.Driver == nil {
		return Token{}, ErrSessionBusy
	}
	if s.Status != session.StatusReady {
		return Token{}, ErrSessionBusy
	}
	s.Status = session.StatusBusy
	defer func() { s.Status = session.StatusReady }()

	var auth string
	for _, st := range b.strategies {
		sctx, cancel := context.WithTimeout(ctx, b.cfg.StrategyTimeout)
		v, ok := st.Extract(sctx, s.Driver)
		cancel()
		if ok && v != "" {
			b.log.Debug("auth token extracted", logx.String("strategy", st.Name()), logx.String("account", s.AccountID))
			auth = v
			break
		}
		b.log.Debug("token strategy yielded nothing", logx.String("strategy", st.Name()), logx.String("account", s.AccountID))
		if ctx.Err() != nil {
			return Token{}, ctx.Err()
		}
	}
	if auth == "" {
		return Token{}, ErrTokenAcquisition
	}

	// The challenge token is always actively solved, never harvested.
	cctx, cancel := context.WithTimeout(ctx, b.cfg.ChallengeTimeout)
	challenge, err := solveChallenge(cctx, s.Driver)
	cancel()
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	return Token{Auth: auth, Challenge: challenge}, nil
}

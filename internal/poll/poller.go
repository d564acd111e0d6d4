// Package poll drives a submitted job's remote operations to a terminal
// state: fixed-interval batch status queries, merged by scene id, under a
// hard attempt budget.
package poll

import (
	"context"
	"errors"
	"time"

	"genflow/internal/remote"
	"genflow/internal/store"
	logx "genflow/pkg/logx"
)

// StatusQuerier is the one remote capability the poller needs.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, names []string) ([]remote.OpResult, error)
}

type Config struct {
	MaxPolls     int           // default: 120
	Interval     time.Duration // default: 5s
	RoundTimeout time.Duration // default: 30s
}

func (c Config) withDefaults() Config {
	if c.MaxPolls <= 0 {
		c.MaxPolls = 120
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 30 * time.Second
	}
	return c
}

type Poller struct {
	cfg    Config
	remote StatusQuerier
	jobs   *store.Store
	log    logx.Logger
}

func New(cfg Config, remote StatusQuerier, jobs *store.Store, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:    cfg.withDefaults(),
		remote: remote,
		jobs:   jobs,
		log:    log,
	}
}

// Poll runs rounds until every operation of the job is terminal, the attempt
// budget is exhausted (reason Timeout), or stopped reports true (reason
// Stopped). A round that times out or errors is logged and retried on the
// next round; whatever statuses were obtained are never lost.
func (p *Poller) Poll(ctx context.Context, jobID string, stopped func() bool) {
	if stopped == nil {
		stopped = func() bool { return false }
	}

	j, err := p.jobs.Get(jobID)
	if err != nil {
		p.log.Warn("poll target vanished", logx.String("job", jobID))
		return
	}
	ops := append([]store.Operation(nil), j.Operations...)
	if allTerminal(ops) {
		_, _ = p.jobs.Finalize(jobID)
		return
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for round := 1; round <= p.cfg.MaxPolls; round++ {
		if stopped() {
			_, _ = p.jobs.Fail(jobID, store.ReasonStopped)
			return
		}
		select {
		case <-ctx.Done():
			_, _ = p.jobs.Fail(jobID, store.ReasonStopped)
			return
		case <-ticker.C:
		}
		if stopped() {
			_, _ = p.jobs.Fail(jobID, store.ReasonStopped)
			return
		}

		results, err := p.queryRound(ctx, ops)
		if err != nil {
			p.log.Warn("poll round failed",
				logx.String("job", jobID),
				logx.Int("round", round),
				logx.Any("err", err))
			continue
		}

		// Stop may have settled the job while the round's query was in
		// flight; its results must not reopen or finalize it.
		if stopped() {
			_, _ = p.jobs.Fail(jobID, store.ReasonStopped)
			return
		}

		merge(ops, results)
		if _, err := p.jobs.MergeOperations(jobID, ops); err != nil {
			if !errors.Is(err, store.ErrTerminal) {
				p.log.Warn("operation merge failed", logx.String("job", jobID), logx.Any("err", err))
			}
			return
		}

		if allTerminal(ops) {
			_, _ = p.jobs.Finalize(jobID)
			return
		}
	}

	p.log.Warn("poll budget exhausted",
		logx.String("job", jobID),
		logx.Int("rounds", p.cfg.MaxPolls))
	_, _ = p.jobs.Fail(jobID, store.ReasonTimeout)
}

func (p *Poller) queryRound(ctx context.Context, ops []store.Operation) ([]remote.OpResult, error) {
	var names []string
	for _, op := range ops {
		if !op.Status.Terminal() {
			names = append(names, op.Name)
		}
	}
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RoundTimeout)
	defer cancel()
	return p.remote.QueryStatus(rctx, names)
}

// merge applies remote statuses to ops in place, keyed by scene id.
// Operations already terminal are immutable.
func merge(ops []store.Operation, results []remote.OpResult) {
	byScene := make(map[string]remote.OpResult, len(results))
	for _, r := range results {
		byScene[r.SceneID] = r
	}
	for i := range ops {
		if ops[i].Status.Terminal() {
			continue
		}
		r, ok := byScene[ops[i].SceneID]
		if !ok {
			continue
		}
		ops[i].Status = r.Status
		if r.Status == store.OpSuccessful {
			ops[i].MediaURL = r.MediaURL
		}
	}
}

func allTerminal(ops []store.Operation) bool {
	if len(ops) == 0 {
		return false
	}
	for _, op := range ops {
		if !op.Status.Terminal() {
			return false
		}
	}
	return true
}

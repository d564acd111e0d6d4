// Package scheduler allocates a fixed pool of workers across the selected
// accounts' concurrency budgets and drives jobs from a shared FIFO queue
// through token brokering, submission, and polling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"genflow/internal/broker"
	"genflow/internal/eventbus"
	"genflow/internal/runtime/supervisor"
	"genflow/internal/session"
	"genflow/internal/storage"
	"genflow/internal/store"
	logx "genflow/pkg/logx"
)

var (
	// ErrNoSessionsAvailable means every selected account failed session
	// acquisition. Fatal to the whole run; no jobs are touched.
	ErrNoSessionsAvailable = errors.New("scheduler: no sessions available")

	// ErrRunInProgress means a run is already executing.
	ErrRunInProgress = errors.New("scheduler: run already in progress")
)

// Sessions is the session-manager surface the scheduler drives.
type Sessions interface {
	Acquire(ctx context.Context, acct storage.AccountRecord) (*session.Session, error)
	Lease(ctx context.Context, accountID string) (*session.Session, func(), error)
	DestroyAll(ctx context.Context)
}

// TokenBroker mints the token pair for one submission.
type TokenBroker interface {
	GetToken(ctx context.Context, s *session.Session) (broker.Token, error)
}

// Submitter sends one job's generation request.
type Submitter interface {
	Submit(ctx context.Context, p store.Payload, tok broker.Token) ([]store.Operation, error)
}

// JobPoller drives a submitted job's operations to a terminal state.
type JobPoller interface {
	Poll(ctx context.Context, jobID string, stopped func() bool)
}

type Config struct {
	// PickupDelay smooths burst load on a single account's session between
	// a worker's consecutive job pickups.
	PickupDelay time.Duration // default: 1s
}

func (c Config) withDefaults() Config {
	if c.PickupDelay <= 0 {
		c.PickupDelay = time.Second
	}
	return c
}

// Report is one run's aggregate outcome.
type Report struct {
	Selected int           `json:"selected"`
	Done     int           `json:"done"`
	Errored  int           `json:"errored"`
	Workers  int           `json:"workers"`
	Stopped  bool          `json:"stopped"`
	Took     time.Duration `json:"took"`
}

type Scheduler struct {
	cfg      Config
	sessions Sessions
	broker   TokenBroker
	remote   Submitter
	poller   JobPoller
	jobs     *store.Store
	db       storage.Store // may be nil
	log      logx.Logger
	bus      eventbus.Bus

	running atomic.Bool
	stopped atomic.Bool
}

func New(cfg Config, sessions Sessions, tb TokenBroker, remote Submitter, poller JobPoller, jobs *store.Store, db storage.Store, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		broker:   tb,
		remote:   remote,
		poller:   poller,
		jobs:     jobs,
		db:       db,
		log:      log,
		bus:      bus,
	}
}

// Running reports whether a run is currently executing.
func (s *Scheduler) Running() bool { return s.running.Load() }

// queue is the shared FIFO job queue. Pops are atomic; an empty queue ends
// a worker's loop.
type queue struct {
	mu   sync.Mutex
	jobs []store.Job
}

func (q *queue) pop() (store.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return store.Job{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

// Run executes one batch: selects runnable jobs (pending, done, or error
// with a non-empty payload), acquires one session per account, launches one
// worker per unit of concurrency budget, and joins submissions then polls
// before tearing every session down.
//
// jobIDs nil means all jobs; accounts with a zero budget contribute no
// workers.
func (s *Scheduler) Run(ctx context.Context, jobIDs []string, accounts []storage.AccountRecord) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer s.running.Store(false)
	defer s.stopped.Store(false)
	s.stopped.Store(false)

	startedAt := time.Now()

	selected := s.selectJobs(jobIDs)
	if len(selected) == 0 {
		return Report{}, nil
	}
	s.publish(eventbus.TypeRunStarted, len(selected))

	// One session per account; acquisition failures exclude the account
	// from this run but are not fatal unless every account fails.
	usable := make([]storage.AccountRecord, 0, len(accounts))
	for _, acct := range accounts {
		if _, err := s.sessions.Acquire(ctx, acct); err != nil {
			s.log.Warn("account excluded from run",
				logx.String("account", acct.ID),
				logx.Any("err", err))
			continue
		}
		usable = append(usable, acct)
	}
	if len(usable) == 0 {
		s.publish(eventbus.TypeRunFinished, Report{Selected: len(selected)})
		return Report{}, ErrNoSessionsAvailable
	}

	// One worker per (account, slot) pair. Budgets are hard caps; there is
	// no cross-account work stealing.
	type workerSlot struct {
		accountID string
		slot      int
	}
	var slots []workerSlot
	limiters := map[string]*rate.Limiter{}
	for _, acct := range usable {
		limiters[acct.ID] = rate.NewLimiter(rate.Every(s.cfg.PickupDelay), 1)
		for i := 0; i < acct.Budget; i++ {
			slots = append(slots, workerSlot{accountID: acct.ID, slot: i})
		}
	}

	q := &queue{jobs: selected}

	workers := supervisor.New(ctx, supervisor.WithLogger(s.log))
	polls := supervisor.New(ctx, supervisor.WithLogger(s.log))

	for _, ws := range slots {
		ws := ws
		workers.Go0(fmt.Sprintf("worker.%s.%d", ws.accountID, ws.slot), func(ctx context.Context) {
			s.workerLoop(ctx, ws.accountID, q, limiters[ws.accountID], polls)
		})
	}

	// Two join barriers: end of submission phase, then end of polling phase.
	_ = workers.Wait(context.Background())
	_ = polls.Wait(context.Background())

	// Teardown happens regardless of run outcome.
	s.sessions.DestroyAll(ctx)

	rep := s.report(selected, len(slots), startedAt)
	s.appendRun(ctx, rep)
	s.publish(eventbus.TypeRunFinished, rep)
	s.log.Info("run finished",
		logx.Int("selected", rep.Selected),
		logx.Int("done", rep.Done),
		logx.Int("errored", rep.Errored),
		logx.Int("workers", rep.Workers),
		logx.Duration("took", rep.Took))
	return rep, nil
}

// selectJobs filters to jobs not already mid-flight with a non-empty payload
// and resets each to pending.
func (s *Scheduler) selectJobs(jobIDs []string) []store.Job {
	want := map[string]bool{}
	for _, id := range jobIDs {
		want[id] = true
	}

	var out []store.Job
	for _, j := range s.jobs.List() {
		if len(want) > 0 && !want[j.ID] {
			continue
		}
		if j.Status.InFlight() || j.Payload.Empty() {
			continue
		}
		reset, err := s.jobs.Reset(j.ID)
		if err != nil {
			s.log.Warn("job reset failed", logx.String("job", j.ID), logx.Any("err", err))
			continue
		}
		out = append(out, reset)
	}
	return out
}

func (s *Scheduler) workerLoop(ctx context.Context, accountID string, q *queue, lim *rate.Limiter, polls *supervisor.Supervisor) {
	for {
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}
		j, ok := q.pop()
		if !ok {
			return
		}
		if err := lim.Wait(ctx); err != nil {
			return
		}
		s.processJob(ctx, accountID, j, polls)
	}
}

// processJob drives one job through queued → getting-token → uploading →
// polling. The lease serializes all session access for the account; polling
// runs concurrently with other jobs' submissions once the lease is released.
// Stop settles in-flight jobs directly, so every SetStatus here can find the
// job already terminal; a stage that does abandons the job where stop left
// it.
func (s *Scheduler) processJob(ctx context.Context, accountID string, j store.Job, polls *supervisor.Supervisor) {
	if s.stopped.Load() {
		return
	}
	if _, err := s.jobs.SetStatus(j.ID, store.StatusQueued, accountID); err != nil {
		return
	}

	sess, release, err := s.sessions.Lease(ctx, accountID)
	if err != nil {
		s.fail(j.ID, fmt.Sprintf("session unavailable: %v", err))
		return
	}
	defer release()

	if _, err := s.jobs.SetStatus(j.ID, store.StatusGettingToken, accountID); err != nil {
		return
	}
	tok, err := s.broker.GetToken(ctx, sess)
	if err != nil {
		s.log.Warn("token brokering failed",
			logx.String("job", j.ID),
			logx.String("account", accountID),
			logx.Any("err", err))
		s.fail(j.ID, fmt.Sprintf("token brokering failed: %v", err))
		return
	}

	if _, err := s.jobs.SetStatus(j.ID, store.StatusUploading, accountID); err != nil {
		return
	}
	if s.stopped.Load() {
		return
	}
	ops, err := s.remote.Submit(ctx, j.Payload, tok)
	if err != nil {
		s.log.Warn("submission rejected",
			logx.String("job", j.ID),
			logx.String("account", accountID),
			logx.Any("err", err))
		s.fail(j.ID, err.Error())
		return
	}

	if _, err := s.jobs.MergeOperations(j.ID, ops); err != nil {
		return
	}
	if _, err := s.jobs.SetStatus(j.ID, store.StatusPolling, accountID); err != nil {
		return
	}

	// Hand off to the poll task group so this worker can pick up the next
	// job while the operations resolve.
	jobID := j.ID
	polls.Go0("poll."+jobID, func(ctx context.Context) {
		s.poller.Poll(ctx, jobID, s.stopped.Load)
	})
}

// fail settles a job as error. Stage errors observed after a stop request
// (canceled contexts, torn-down sessions) all collapse to reason Stopped.
func (s *Scheduler) fail(jobID, reason string) {
	if s.stopped.Load() {
		reason = store.ReasonStopped
	}
	if _, err := s.jobs.Fail(jobID, reason); err != nil {
		s.log.Warn("job fail transition lost", logx.String("job", jobID), logx.Any("err", err))
	}
}

// Stop sets the run-scoped cancellation flag, marks all in-flight jobs
// Stopped without waiting for their workers, and best-effort tears down all
// sessions immediately.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopped.Store(true)
	s.jobs.FailInFlight(store.ReasonStopped)
	s.sessions.DestroyAll(ctx)
	s.log.Info("run stop requested")
}

func (s *Scheduler) report(selected []store.Job, workers int, startedAt time.Time) Report {
	rep := Report{
		Selected: len(selected),
		Workers:  workers,
		Stopped:  s.stopped.Load(),
		Took:     time.Since(startedAt),
	}
	for _, j := range selected {
		cur, err := s.jobs.Get(j.ID)
		if err != nil {
			continue
		}
		switch cur.Status {
		case store.StatusDone:
			rep.Done++
		case store.StatusError:
			rep.Errored++
		}
	}
	return rep
}

func (s *Scheduler) appendRun(ctx context.Context, rep Report) {
	if s.db == nil {
		return
	}
	entry := storage.RunEntry{
		At:       time.Now(),
		Selected: rep.Selected,
		Done:     rep.Done,
		Errored:  rep.Errored,
		Stopped:  rep.Stopped,
		TookMS:   rep.Took.Milliseconds(),
	}
	if err := s.db.AppendRun(ctx, entry); err != nil {
		s.log.Warn("run audit append failed", logx.Any("err", err))
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"genflow/internal/broker"
	"genflow/internal/session"
	"genflow/internal/storage"
	"genflow/internal/store"
	logx "genflow/pkg/logx"
)

type fakeSessions struct {
	mu        sync.Mutex
	gates     map[string]chan struct{}
	sessions  map[string]*session.Session
	failIDs   map[string]bool
	destroyed []string
}

func newFakeSessions(failIDs ...string) *fakeSessions {
	f := &fakeSessions{
		gates:    map[string]chan struct{}{},
		sessions: map[string]*session.Session{},
		failIDs:  map[string]bool{},
	}
	for _, id := range failIDs {
		f.failIDs[id] = true
	}
	return f
}

func (f *fakeSessions) Acquire(_ context.Context, acct storage.AccountRecord) (*session.Session, error) {
	if f.failIDs[acct.ID] {
		return nil, session.ErrSessionStart
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &session.Session{AccountID: acct.ID, Status: session.StatusReady}
	f.sessions[acct.ID] = s
	f.gates[acct.ID] = make(chan struct{}, 1)
	return s, nil
}

func (f *fakeSessions) Lease(ctx context.Context, accountID string) (*session.Session, func(), error) {
	f.mu.Lock()
	s := f.sessions[accountID]
	gate := f.gates[accountID]
	f.mu.Unlock()
	if s == nil {
		return nil, nil, errors.New("no session")
	}
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	var once sync.Once
	return s, func() { once.Do(func() { <-gate }) }, nil
}

func (f *fakeSessions) DestroyAll(_ context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.sessions {
		f.destroyed = append(f.destroyed, id)
		delete(f.sessions, id)
	}
}

type fakeBroker struct{ calls atomic.Int64 }

func (f *fakeBroker) GetToken(_ context.Context, _ *session.Session) (broker.Token, error) {
	f.calls.Add(1)
	return broker.Token{Auth: "a", Challenge: "c"}, nil
}

type fakeSubmitter struct {
	calls atomic.Int64
	fn    func(call int64, p store.Payload) ([]store.Operation, error)
}

func (f *fakeSubmitter) Submit(_ context.Context, p store.Payload, _ broker.Token) ([]store.Operation, error) {
	return f.fn(f.calls.Add(1), p)
}

// resolvingPoller marks every operation successful and finalizes, the way a
// round-1 resolution would.
type resolvingPoller struct {
	jobs *store.Store
}

func (p *resolvingPoller) Poll(_ context.Context, jobID string, _ func() bool) {
	j, err := p.jobs.Get(jobID)
	if err != nil {
		return
	}
	ops := append([]store.Operation(nil), j.Operations...)
	for i := range ops {
		ops[i].Status = store.OpSuccessful
		ops[i].MediaURL = "https://x/" + ops[i].SceneID
	}
	if _, err := p.jobs.MergeOperations(jobID, ops); err != nil {
		return
	}
	_, _ = p.jobs.Finalize(jobID)
}

func accounts(budgets map[string]int) []storage.AccountRecord {
	var out []storage.AccountRecord
	for id, b := range budgets {
		out = append(out, storage.AccountRecord{ID: id, Budget: b, CookiesPath: "x"})
	}
	return out
}

func addJobs(jobs *store.Store, n int) []string {
	var ids []string
	for i := 0; i < n; i++ {
		ids = append(ids, jobs.Add(store.Payload{Prompt: "p"}).ID)
	}
	return ids
}

func fastScheduler(sessions Sessions, sub Submitter, poller JobPoller, jobs *store.Store) *Scheduler {
	return New(Config{PickupDelay: time.Millisecond}, sessions, &fakeBroker{}, sub, poller, jobs, nil, logx.Nop(), nil)
}

func TestRunDrivesAllJobsDone(t *testing.T) {
	jobs := store.New(nil)
	addJobs(jobs, 5)

	sessions := newFakeSessions()
	var sceneSeq atomic.Int64
	sub := &fakeSubmitter{fn: func(_ int64, _ store.Payload) ([]store.Operation, error) {
		n := sceneSeq.Add(1)
		return []store.Operation{{Name: "op", SceneID: string(rune('a' + n)), Status: store.OpPending}}, nil
	}}

	sched := fastScheduler(sessions, sub, &resolvingPoller{jobs: jobs}, jobs)
	rep, err := sched.Run(context.Background(), nil, accounts(map[string]int{"acct-1": 2, "acct-2": 1}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Worker count equals the sum of the selected accounts' budgets.
	if rep.Workers != 3 {
		t.Fatalf("workers = %d, want 3", rep.Workers)
	}
	if rep.Selected != 5 || rep.Done != 5 || rep.Errored != 0 {
		t.Fatalf("report = %+v, want 5 selected, 5 done", rep)
	}
	for _, j := range jobs.List() {
		if j.Status != store.StatusDone {
			t.Fatalf("job %s = %q, want done", j.ID, j.Status)
		}
		if len(j.Results) != 1 {
			t.Fatalf("job %s results = %v", j.ID, j.Results)
		}
	}
	// One session per account, both torn down at the end.
	if len(sessions.destroyed) != 2 {
		t.Fatalf("teardowns = %v, want both accounts", sessions.destroyed)
	}
}

func TestRunExcludesFailedAccounts(t *testing.T) {
	jobs := store.New(nil)
	addJobs(jobs, 2)

	sessions := newFakeSessions("acct-2")
	sub := &fakeSubmitter{fn: func(call int64, _ store.Payload) ([]store.Operation, error) {
		return []store.Operation{{Name: "op", SceneID: "s", Status: store.OpPending}}, nil
	}}

	sched := fastScheduler(sessions, sub, &resolvingPoller{jobs: jobs}, jobs)
	rep, err := sched.Run(context.Background(), nil, accounts(map[string]int{"acct-1": 2, "acct-2": 1}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Workers != 2 {
		t.Fatalf("workers = %d, want 2 (failed account excluded)", rep.Workers)
	}
	if rep.Done != 2 {
		t.Fatalf("done = %d, want 2", rep.Done)
	}
}

func TestRunAbortsWhenNoSessionsAvailable(t *testing.T) {
	jobs := store.New(nil)
	addJobs(jobs, 1)

	sessions := newFakeSessions("acct-1")
	sub := &fakeSubmitter{fn: func(int64, store.Payload) ([]store.Operation, error) {
		t.Error("submit called with no sessions")
		return nil, nil
	}}

	sched := fastScheduler(sessions, sub, &resolvingPoller{jobs: jobs}, jobs)
	_, err := sched.Run(context.Background(), nil, accounts(map[string]int{"acct-1": 1}))
	if !errors.Is(err, ErrNoSessionsAvailable) {
		t.Fatalf("err = %v, want ErrNoSessionsAvailable", err)
	}
}

func TestRunSkipsInFlightAndEmptyJobs(t *testing.T) {
	jobs := store.New(nil)
	runnable := jobs.Add(store.Payload{Prompt: "p"})
	empty := jobs.Add(store.Payload{})
	inflight := jobs.Add(store.Payload{Prompt: "p"})
	if _, err := jobs.SetStatus(inflight.ID, store.StatusPolling, "other"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	sessions := newFakeSessions()
	sub := &fakeSubmitter{fn: func(int64, store.Payload) ([]store.Operation, error) {
		return []store.Operation{{Name: "op", SceneID: "s", Status: store.OpPending}}, nil
	}}

	sched := fastScheduler(sessions, sub, &resolvingPoller{jobs: jobs}, jobs)
	rep, err := sched.Run(context.Background(), nil, accounts(map[string]int{"acct-1": 1}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Selected != 1 {
		t.Fatalf("selected = %d, want only the runnable job", rep.Selected)
	}
	if j, _ := jobs.Get(runnable.ID); j.Status != store.StatusDone {
		t.Fatalf("runnable job = %q, want done", j.Status)
	}
	if j, _ := jobs.Get(empty.ID); j.Status != store.StatusPending {
		t.Fatalf("empty job = %q, want untouched", j.Status)
	}
	if j, _ := jobs.Get(inflight.ID); j.Status != store.StatusPolling {
		t.Fatalf("in-flight job = %q, want untouched", j.Status)
	}
}

func TestStopPreventsFurtherPickups(t *testing.T) {
	jobs := store.New(nil)
	addJobs(jobs, 3)

	sessions := newFakeSessions()
	var sched *Scheduler
	sub := &fakeSubmitter{fn: func(call int64, _ store.Payload) ([]store.Operation, error) {
		// First submission triggers stop; the worker must not pick up the
		// remaining jobs after observing the flag.
		sched.Stop(context.Background())
		return nil, errors.New("rejected")
	}}

	sched = fastScheduler(sessions, sub, &resolvingPoller{jobs: jobs}, jobs)
	rep, err := sched.Run(context.Background(), nil, accounts(map[string]int{"acct-1": 1}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rep.Stopped {
		t.Fatal("report not marked stopped")
	}
	if sub.calls.Load() != 1 {
		t.Fatalf("submit called %d times, want 1", sub.calls.Load())
	}

	var pending, terminal int
	for _, j := range jobs.List() {
		switch {
		case j.Status == store.StatusPending:
			pending++
		case j.Status.Terminal():
			terminal++
		}
	}
	if terminal != 1 || pending != 2 {
		t.Fatalf("terminal = %d, pending = %d; want 1 and 2", terminal, pending)
	}
}

// stoppingBroker triggers a stop request from inside token brokering, the
// way a canceled run interrupts a worker mid-job.
type stoppingBroker struct {
	stop func()
}

func (b *stoppingBroker) GetToken(_ context.Context, _ *session.Session) (broker.Token, error) {
	b.stop()
	return broker.Token{}, context.Canceled
}

func TestStopDuringJobKeepsStoppedReason(t *testing.T) {
	jobs := store.New(nil)
	addJobs(jobs, 1)

	sessions := newFakeSessions()
	var sched *Scheduler
	tb := &stoppingBroker{stop: func() { sched.Stop(context.Background()) }}
	sub := &fakeSubmitter{fn: func(int64, store.Payload) ([]store.Operation, error) {
		t.Error("submit called after stop")
		return nil, nil
	}}
	sched = New(Config{PickupDelay: time.Millisecond}, sessions, tb, sub, &resolvingPoller{jobs: jobs}, jobs, nil, logx.Nop(), nil)

	rep, err := sched.Run(context.Background(), nil, accounts(map[string]int{"acct-1": 1}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rep.Stopped {
		t.Fatal("report not marked stopped")
	}

	got := jobs.List()[0]
	if got.Status != store.StatusError || got.Error != store.ReasonStopped {
		t.Fatalf("job = status %q error %q, want error/Stopped", got.Status, got.Error)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	jobs := store.New(nil)
	addJobs(jobs, 1)

	release := make(chan struct{})
	sessions := newFakeSessions()
	sub := &fakeSubmitter{fn: func(int64, store.Payload) ([]store.Operation, error) {
		<-release
		return []store.Operation{{Name: "op", SceneID: "s", Status: store.OpPending}}, nil
	}}

	sched := fastScheduler(sessions, sub, &resolvingPoller{jobs: jobs}, jobs)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sched.Run(context.Background(), nil, accounts(map[string]int{"acct-1": 1}))
	}()

	// Wait until the run is inside Submit.
	for i := 0; !sched.Running() && i < 100; i++ {
		time.Sleep(time.Millisecond)
	}
	if _, err := sched.Run(context.Background(), nil, nil); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	close(release)
	<-done
}

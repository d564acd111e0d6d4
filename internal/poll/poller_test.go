package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"genflow/internal/remote"
	"genflow/internal/store"
	logx "genflow/pkg/logx"
)

type fakeQuerier struct {
	calls atomic.Int64
	fn    func(round int64, names []string) ([]remote.OpResult, error)
}

func (f *fakeQuerier) QueryStatus(_ context.Context, names []string) ([]remote.OpResult, error) {
	return f.fn(f.calls.Add(1), names)
}

func fastCfg(maxPolls int) Config {
	return Config{MaxPolls: maxPolls, Interval: time.Millisecond, RoundTimeout: time.Second}
}

func newPollingJob(t *testing.T, jobs *store.Store, ops []store.Operation) store.Job {
	t.Helper()
	j := jobs.Add(store.Payload{Prompt: "p"})
	if _, err := jobs.MergeOperations(j.ID, ops); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, err := jobs.SetStatus(j.ID, store.StatusPolling, "acct"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	return j
}

func TestPollResolvesOnFirstRound(t *testing.T) {
	jobs := store.New(nil)
	j := newPollingJob(t, jobs, []store.Operation{
		{Name: "op-1", SceneID: "s-1", Status: store.OpPending},
		{Name: "op-2", SceneID: "s-2", Status: store.OpPending},
	})

	q := &fakeQuerier{fn: func(_ int64, names []string) ([]remote.OpResult, error) {
		if len(names) != 2 {
			t.Errorf("queried %d names, want 2", len(names))
		}
		return []remote.OpResult{
			{SceneID: "s-1", Status: store.OpSuccessful, MediaURL: "https://x/1"},
			{SceneID: "s-2", Status: store.OpSuccessful, MediaURL: "https://x/2"},
		}, nil
	}}

	New(fastCfg(5), q, jobs, logx.Nop()).Poll(context.Background(), j.ID, nil)

	got, _ := jobs.Get(j.ID)
	if got.Status != store.StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
	if len(got.Results) != 2 {
		t.Fatalf("results = %v, want 2 urls", got.Results)
	}
}

func TestPollBudgetExhaustionPreservesLastMerge(t *testing.T) {
	jobs := store.New(nil)
	j := newPollingJob(t, jobs, []store.Operation{
		{Name: "op-1", SceneID: "s-1", Status: store.OpPending},
		{Name: "op-2", SceneID: "s-2", Status: store.OpPending},
	})

	// s-1 resolves on round 1; s-2 never resolves.
	q := &fakeQuerier{fn: func(_ int64, _ []string) ([]remote.OpResult, error) {
		return []remote.OpResult{
			{SceneID: "s-1", Status: store.OpSuccessful, MediaURL: "https://x/1"},
			{SceneID: "s-2", Status: store.OpPending},
		}, nil
	}}

	New(fastCfg(3), q, jobs, logx.Nop()).Poll(context.Background(), j.ID, nil)

	got, _ := jobs.Get(j.ID)
	if got.Status != store.StatusError || got.Error != store.ReasonTimeout {
		t.Fatalf("job = %+v, want error/Timeout", got)
	}
	if got.Operations[0].Status != store.OpSuccessful || got.Operations[0].MediaURL != "https://x/1" {
		t.Fatalf("last merge lost: %+v", got.Operations)
	}
	if got.Operations[1].Status != store.OpPending {
		t.Fatalf("unresolved op mutated: %+v", got.Operations[1])
	}
}

func TestPollStopFinalizesStopped(t *testing.T) {
	jobs := store.New(nil)
	j := newPollingJob(t, jobs, []store.Operation{
		{Name: "op-1", SceneID: "s-1", Status: store.OpPending},
	})

	var rounds atomic.Int64
	q := &fakeQuerier{fn: func(_ int64, _ []string) ([]remote.OpResult, error) {
		rounds.Add(1)
		return []remote.OpResult{{SceneID: "s-1", Status: store.OpPending}}, nil
	}}

	var stopped atomic.Bool
	go func() {
		time.Sleep(5 * time.Millisecond)
		stopped.Store(true)
	}()

	New(fastCfg(1000), q, jobs, logx.Nop()).Poll(context.Background(), j.ID, stopped.Load)

	got, _ := jobs.Get(j.ID)
	if got.Status != store.StatusError || got.Error != store.ReasonStopped {
		t.Fatalf("job = %+v, want error/Stopped", got)
	}
	if rounds.Load() >= 1000 {
		t.Fatal("stop flag never observed")
	}
}

func TestPollStopDuringRoundDoesNotFinalize(t *testing.T) {
	jobs := store.New(nil)
	j := newPollingJob(t, jobs, []store.Operation{
		{Name: "op-1", SceneID: "s-1", Status: store.OpPending},
	})

	// Stop lands while the round's query is in flight and settles the job
	// error/Stopped; the round's successful result must not reopen it.
	var stopped atomic.Bool
	q := &fakeQuerier{fn: func(_ int64, _ []string) ([]remote.OpResult, error) {
		stopped.Store(true)
		jobs.FailInFlight(store.ReasonStopped)
		return []remote.OpResult{
			{SceneID: "s-1", Status: store.OpSuccessful, MediaURL: "https://x/1"},
		}, nil
	}}

	New(fastCfg(5), q, jobs, logx.Nop()).Poll(context.Background(), j.ID, stopped.Load)

	got, _ := jobs.Get(j.ID)
	if got.Status != store.StatusError || got.Error != store.ReasonStopped {
		t.Fatalf("job = status %q error %q, want error/Stopped", got.Status, got.Error)
	}
	if got.Results != nil {
		t.Fatalf("results = %v, want none", got.Results)
	}
}

func TestPollRetriesFailedRounds(t *testing.T) {
	jobs := store.New(nil)
	j := newPollingJob(t, jobs, []store.Operation{
		{Name: "op-1", SceneID: "s-1", Status: store.OpPending},
	})

	q := &fakeQuerier{fn: func(round int64, _ []string) ([]remote.OpResult, error) {
		if round < 3 {
			return nil, errors.New("transient")
		}
		return []remote.OpResult{
			{SceneID: "s-1", Status: store.OpSuccessful, MediaURL: "https://x/1"},
		}, nil
	}}

	New(fastCfg(10), q, jobs, logx.Nop()).Poll(context.Background(), j.ID, nil)

	got, _ := jobs.Get(j.ID)
	if got.Status != store.StatusDone {
		t.Fatalf("status = %q, want done after retried rounds", got.Status)
	}
	if q.calls.Load() != 3 {
		t.Fatalf("querier called %d times, want 3", q.calls.Load())
	}
}

func TestPollTerminalOpsAreImmutable(t *testing.T) {
	ops := []store.Operation{
		{Name: "op-1", SceneID: "s-1", Status: store.OpFailed},
		{Name: "op-2", SceneID: "s-2", Status: store.OpPending},
	}
	merge(ops, []remote.OpResult{
		{SceneID: "s-1", Status: store.OpSuccessful, MediaURL: "https://late"},
		{SceneID: "s-2", Status: store.OpSuccessful, MediaURL: "https://x/2"},
	})
	if ops[0].Status != store.OpFailed || ops[0].MediaURL != "" {
		t.Fatalf("terminal op mutated: %+v", ops[0])
	}
	if ops[1].Status != store.OpSuccessful {
		t.Fatalf("pending op not merged: %+v", ops[1])
	}
}

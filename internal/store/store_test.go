package store

import (
	"testing"
)

func payload(prompt string) Payload {
	return Payload{Prompt: prompt}
}

func TestAddAssignsDenseOrder(t *testing.T) {
	s := New(nil)
	for i := 1; i <= 3; i++ {
		j := s.Add(payload("p"))
		if j.Order != i {
			t.Fatalf("job %d: order = %d, want %d", i, j.Order, i)
		}
		if j.Status != StatusPending {
			t.Fatalf("new job status = %q, want pending", j.Status)
		}
	}
}

func TestRemoveRenumbersDensely(t *testing.T) {
	s := New(nil)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, s.Add(payload("p")).ID)
	}

	if err := s.Remove(ids[1]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ids[3]); err != nil {
		t.Fatalf("remove: %v", err)
	}

	jobs := s.List()
	if len(jobs) != 3 {
		t.Fatalf("len(jobs) = %d, want 3", len(jobs))
	}
	for i, j := range jobs {
		if j.Order != i+1 {
			t.Fatalf("jobs[%d].Order = %d, want %d", i, j.Order, i+1)
		}
	}

	// Next created job continues at N+1.
	j := s.Add(payload("p"))
	if j.Order != 4 {
		t.Fatalf("next order = %d, want 4", j.Order)
	}
}

func TestResetClearsRunState(t *testing.T) {
	s := New(nil)
	j := s.Add(payload("p"))

	if _, err := s.SetStatus(j.ID, StatusPolling, "acct-1"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := s.MergeOperations(j.ID, []Operation{
		{Name: "op-1", SceneID: "s-1", Status: OpSuccessful, MediaURL: "https://x/1"},
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, err := s.Finalize(j.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := s.Reset(j.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
	if got.Operations != nil || got.Results != nil || got.Error != "" || got.AccountID != "" {
		t.Fatalf("reset left run state behind: %+v", got)
	}
}

func TestResetRejectsInFlight(t *testing.T) {
	s := New(nil)
	j := s.Add(payload("p"))
	if _, err := s.SetStatus(j.ID, StatusGettingToken, "a"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := s.Reset(j.ID); err != ErrNotResult {
		t.Fatalf("reset in-flight: err = %v, want ErrNotResult", err)
	}
}

func TestMergeRejectsPayloadEditInFlight(t *testing.T) {
	s := New(nil)
	j := s.Add(payload("p"))
	if _, err := s.SetStatus(j.ID, StatusQueued, "a"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	p := payload("edited")
	if _, err := s.Merge(j.ID, Patch{Payload: &p}); err == nil {
		t.Fatal("payload edit on in-flight job succeeded, want error")
	}
}

func TestFinalizeDoneCollectsSuccessfulURLs(t *testing.T) {
	s := New(nil)
	j := s.Add(payload("p"))
	ops := []Operation{
		{Name: "op-1", SceneID: "s-1", Status: OpSuccessful, MediaURL: "https://x/1"},
		{Name: "op-2", SceneID: "s-2", Status: OpFailed},
		{Name: "op-3", SceneID: "s-3", Status: OpSuccessful, MediaURL: "https://x/3"},
	}
	if _, err := s.MergeOperations(j.ID, ops); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, err := s.Finalize(j.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got.Status != StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
	if len(got.Results) != 2 || got.Results[0] != "https://x/1" || got.Results[1] != "https://x/3" {
		t.Fatalf("results = %v", got.Results)
	}
}

func TestFinalizeErrorWhenNothingSucceeded(t *testing.T) {
	s := New(nil)
	j := s.Add(payload("p"))
	if _, err := s.MergeOperations(j.ID, []Operation{
		{Name: "op-1", SceneID: "s-1", Status: OpFailed},
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, err := s.Finalize(j.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got.Status != StatusError || got.Error == "" {
		t.Fatalf("job = %+v, want error status with reason", got)
	}
}

func TestFailInFlightSkipsTerminalAndPending(t *testing.T) {
	s := New(nil)
	pending := s.Add(payload("p"))
	inflight := s.Add(payload("p"))
	done := s.Add(payload("p"))

	if _, err := s.SetStatus(inflight.ID, StatusPolling, "a"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := s.MergeOperations(done.ID, []Operation{
		{Name: "op", SceneID: "s", Status: OpSuccessful, MediaURL: "u"},
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, err := s.Finalize(done.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	failed := s.FailInFlight(ReasonStopped)
	if len(failed) != 1 || failed[0].ID != inflight.ID {
		t.Fatalf("failed = %+v, want only the in-flight job", failed)
	}

	got, _ := s.Get(inflight.ID)
	if got.Status != StatusError || got.Error != ReasonStopped {
		t.Fatalf("in-flight job = %+v, want error/Stopped", got)
	}
	if j, _ := s.Get(pending.ID); j.Status != StatusPending {
		t.Fatalf("pending job touched: %+v", j)
	}
	if j, _ := s.Get(done.ID); j.Status != StatusDone {
		t.Fatalf("done job touched: %+v", j)
	}
}

func TestTerminalJobIsImmutable(t *testing.T) {
	s := New(nil)
	j := s.Add(payload("p"))
	if _, err := s.SetStatus(j.ID, StatusPolling, "a"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := s.Fail(j.ID, ReasonStopped); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if _, err := s.SetStatus(j.ID, StatusUploading, "a"); err != ErrTerminal {
		t.Fatalf("set status on terminal job: err = %v, want ErrTerminal", err)
	}
	if _, err := s.MergeOperations(j.ID, []Operation{
		{Name: "op", SceneID: "s", Status: OpSuccessful, MediaURL: "u"},
	}); err != ErrTerminal {
		t.Fatalf("merge on terminal job: err = %v, want ErrTerminal", err)
	}
	if _, err := s.Finalize(j.ID); err != nil {
		t.Fatalf("finalize terminal job: %v", err)
	}
	if _, err := s.Fail(j.ID, "late failure"); err != nil {
		t.Fatalf("fail terminal job: %v", err)
	}

	got, _ := s.Get(j.ID)
	if got.Status != StatusError || got.Error != ReasonStopped {
		t.Fatalf("job = status %q error %q, want error/Stopped", got.Status, got.Error)
	}
	if got.Results != nil {
		t.Fatalf("results = %v, want none", got.Results)
	}

	// Reset is the one transition out of a terminal state.
	if _, err := s.Reset(j.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestPutPreservesOrderAndCreatedAt(t *testing.T) {
	s := New(nil)
	j := s.Add(payload("p"))

	edit := j
	edit.Order = 99
	edit.Status = StatusQueued
	if err := s.Put(edit); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, _ := s.Get(j.ID)
	if got.Order != j.Order {
		t.Fatalf("order = %d, want %d", got.Order, j.Order)
	}
	if !got.CreatedAt.Equal(j.CreatedAt) {
		t.Fatalf("created_at changed")
	}
	if got.Status != StatusQueued {
		t.Fatalf("status = %q, want queued", got.Status)
	}
}

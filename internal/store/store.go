// Package store holds the shared job list and each job's lifecycle state.
// It is mutated only through defined transitions and observed by the UI
// collaborator via the event bus. Updates are atomic whole-record replaces
// keyed by job id; a job is never concurrently owned by two workers, so
// last-writer-wins per record is safe.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"genflow/internal/eventbus"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrNotResult = errors.New("job is not in a terminal state")
	ErrTerminal  = errors.New("job is already terminal")
)

type Store struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	nextOrder int

	bus eventbus.Bus
}

func New(bus eventbus.Bus) *Store {
	return &Store{
		jobs:      map[string]*Job{},
		nextOrder: 1,
		bus:       bus,
	}
}

// Add enqueues a new job at the end of the display sequence.
func (s *Store) Add(p Payload) Job {
	s.mu.Lock()
	now := time.Now()
	j := &Job{
		ID:        uuid.NewString(),
		Order:     s.nextOrder,
		Payload:   p,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextOrder++
	s.jobs[j.ID] = j
	cp := j.Clone()
	s.mu.Unlock()

	s.publish(eventbus.TypeJobUpdated, cp)
	return cp
}

func (s *Store) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

// List returns all jobs ordered by display sequence.
func (s *Store) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].Order < out[k].Order })
	return out
}

// Put replaces the whole record. Used by the scheduler and poller, which own
// the job while it is in-flight.
func (s *Store) Put(j Job) error {
	s.mu.Lock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	j.Order = cur.Order // order is owned by the store
	j.CreatedAt = cur.CreatedAt
	j.UpdatedAt = time.Now()
	cp := j.Clone()
	s.jobs[j.ID] = &cp
	out := cp.Clone()
	s.mu.Unlock()

	s.publish(eventbus.TypeJobUpdated, out)
	return nil
}

// Merge applies a partial UI update. In-flight jobs reject payload edits.
func (s *Store) Merge(id string, p Patch) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrNotFound
	}
	if p.Payload != nil {
		if j.Status.InFlight() {
			s.mu.Unlock()
			return Job{}, errors.New("job is in flight")
		}
		j.Payload = *p.Payload
	}
	j.UpdatedAt = time.Now()
	cp := j.Clone()
	s.mu.Unlock()

	s.publish(eventbus.TypeJobUpdated, cp)
	return cp, nil
}

// Remove deletes a job and renumbers the remaining jobs to a dense 1..N
// sequence; the next created job receives order N+1.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.jobs, id)

	rest := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		rest = append(rest, j)
	}
	sort.Slice(rest, func(i, k int) bool { return rest[i].Order < rest[k].Order })
	for i, j := range rest {
		j.Order = i + 1
	}
	s.nextOrder = len(rest) + 1
	s.mu.Unlock()

	s.publish(eventbus.TypeJobRemoved, id)
	return nil
}

// Reset returns a done/error job to pending, clearing operations, results,
// error, and the account assignment.
func (s *Store) Reset(id string) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrNotFound
	}
	if !j.Status.Terminal() && j.Status != StatusPending {
		s.mu.Unlock()
		return Job{}, ErrNotResult
	}
	j.Status = StatusPending
	j.Operations = nil
	j.Results = nil
	j.Error = ""
	j.AccountID = ""
	j.UpdatedAt = time.Now()
	cp := j.Clone()
	s.mu.Unlock()

	s.publish(eventbus.TypeJobUpdated, cp)
	return cp, nil
}

// SetStatus transitions a job's status (and optionally account ownership).
// A terminal job stays where it is: stop may have settled it while the
// caller was mid-stage, and only Reset reopens a terminal job.
func (s *Store) SetStatus(id string, st Status, accountID string) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrNotFound
	}
	if j.Status.Terminal() {
		cp := j.Clone()
		s.mu.Unlock()
		return cp, ErrTerminal
	}
	j.Status = st
	if accountID != "" {
		j.AccountID = accountID
	}
	j.UpdatedAt = time.Now()
	cp := j.Clone()
	s.mu.Unlock()

	s.publish(eventbus.TypeJobUpdated, cp)
	return cp, nil
}

// Fail moves a job to error with the given reason, preserving whatever
// operations/results were obtained. Failing an already terminal job is a
// no-op: the first terminal transition wins.
func (s *Store) Fail(id, reason string) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrNotFound
	}
	if j.Status.Terminal() {
		cp := j.Clone()
		s.mu.Unlock()
		return cp, nil
	}
	j.Status = StatusError
	j.Error = reason
	j.UpdatedAt = time.Now()
	cp := j.Clone()
	s.mu.Unlock()

	s.publish(eventbus.TypeJobUpdated, cp)
	return cp, nil
}

// FailInFlight marks every non-terminal job error with the given reason.
// Used by stop, which does not wait for workers to observe the flag.
func (s *Store) FailInFlight(reason string) []Job {
	s.mu.Lock()
	var out []Job
	now := time.Now()
	for _, j := range s.jobs {
		if j.Status == StatusPending || j.Status.Terminal() {
			continue
		}
		j.Status = StatusError
		j.Error = reason
		j.UpdatedAt = now
		out = append(out, j.Clone())
	}
	s.mu.Unlock()

	for _, j := range out {
		s.publish(eventbus.TypeJobUpdated, j)
	}
	return out
}

// MergeOperations replaces the job's operation set (merged by the poller).
// A terminal job's record is immutable; late rounds get ErrTerminal.
func (s *Store) MergeOperations(id string, ops []Operation) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrNotFound
	}
	if j.Status.Terminal() {
		cp := j.Clone()
		s.mu.Unlock()
		return cp, ErrTerminal
	}
	j.Operations = append([]Operation(nil), ops...)
	j.UpdatedAt = time.Now()
	cp := j.Clone()
	s.mu.Unlock()

	s.publish(eventbus.TypeJobUpdated, cp)
	return cp, nil
}

// Finalize settles a job from its operation set: done if at least one
// operation succeeded (results = media URLs of successful ones), error
// otherwise. A job already settled, by stop or otherwise, is left alone.
func (s *Store) Finalize(id string) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrNotFound
	}
	if j.Status.Terminal() {
		cp := j.Clone()
		s.mu.Unlock()
		return cp, nil
	}
	var results []string
	for _, op := range j.Operations {
		if op.Status == OpSuccessful && op.MediaURL != "" {
			results = append(results, op.MediaURL)
		}
	}
	if len(results) > 0 {
		j.Status = StatusDone
		j.Results = results
		j.Error = ""
	} else {
		j.Status = StatusError
		if j.Error == "" {
			j.Error = "all operations failed"
		}
	}
	j.UpdatedAt = time.Now()
	cp := j.Clone()
	s.mu.Unlock()

	s.publish(eventbus.TypeJobUpdated, cp)
	return cp, nil
}

func (s *Store) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

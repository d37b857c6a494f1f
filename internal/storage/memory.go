package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"scriptsched/internal/job"
)

// memoryStore keeps everything in maps guarded by one mutex, which makes
// every operation trivially atomic.
type memoryStore struct {
	mu     sync.Mutex
	closed bool

	jobs  map[string]*job.Job
	execs map[int64]*job.Execution
	seq   int64
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		jobs:  map[string]*job.Job{},
		execs: map[int64]*job.Execution{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) CreateJob(ctx context.Context, j *job.Job) error {
	_ = ctx
	if j == nil || j.ID == "" {
		return errors.New("storage: job id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[j.ID]; ok {
		return errors.New("storage: duplicate job id " + j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *memoryStore) ListJobs(ctx context.Context) ([]*job.Job, error) {
	return s.listJobs(ctx, nil)
}

func (s *memoryStore) ListJobsByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	return s.listJobs(ctx, statusSet(statuses))
}

func (s *memoryStore) listJobs(ctx context.Context, filter map[job.Status]bool) ([]*job.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter != nil && !filter[j.Status] {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (s *memoryStore) UpdateJob(ctx context.Context, id string, fn JobMutator) (*job.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cur, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if fn != nil {
		if err := fn(next); err != nil {
			return nil, err
		}
	}
	next.ID = id
	next.UpdatedAt = time.Now().UTC()
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *memoryStore) DeleteJob(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	for eid, e := range s.execs {
		if e.JobID == id {
			delete(s.execs, eid)
		}
	}
	return nil
}

func (s *memoryStore) StartRun(ctx context.Context, jobID string, at time.Time) (*job.Job, *job.Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	cur, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if !runnable(cur.Status) {
		return nil, nil, fmt.Errorf("%w: job is %s", ErrNotRunnable, cur.Status)
	}
	j := cur.Clone()
	j.Status = job.StatusRunning
	j.LastExecution = job.TimePtr(at)
	j.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = j

	s.seq++
	e := &job.Execution{ID: s.seq, JobID: jobID, StartedAt: at, Status: job.ExecRunning}
	s.execs[e.ID] = e
	return j.Clone(), e.Clone(), nil
}

func (s *memoryStore) FinishRun(ctx context.Context, e *job.Execution, fn JobMutator) (*job.Job, error) {
	_ = ctx
	if e == nil || !e.Status.Terminal() {
		return nil, errors.New("storage: finish requires a terminal execution")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cur, ok := s.execs[e.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status.Terminal() {
		return nil, ErrExecutionFinished
	}
	owner, ok := s.jobs[cur.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	j := owner.Clone()
	if fn != nil {
		if err := fn(j); err != nil {
			return nil, err
		}
	}
	j.UpdatedAt = time.Now().UTC()

	done := e.Clone()
	done.JobID = cur.JobID
	done.StartedAt = cur.StartedAt
	s.execs[e.ID] = done
	s.jobs[j.ID] = j
	return j.Clone(), nil
}

func (s *memoryStore) GetExecution(ctx context.Context, id int64) (*job.Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *memoryStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]*job.Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*job.Execution, 0)
	for _, e := range s.execs {
		if e.JobID == jobID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].StartedAt.After(out[k].StartedAt)
		}
		return out[i].ID > out[k].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) AbandonRunningExecutions(ctx context.Context, at time.Time, reason string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, e := range s.execs {
		if e.Status != job.ExecRunning {
			continue
		}
		e.Status = job.ExecError
		e.ErrorOutput = reason
		e.CompletedAt = job.TimePtr(at)
		if d := at.Sub(e.StartedAt); d > 0 {
			e.Duration = d
		}
		n++
	}
	return n, nil
}

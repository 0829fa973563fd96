// Package memstore is an in-process Storage implementation backed by plain
// Go maps under a mutex. It exists so the bulk of the engine's test suite
// (canonicalization, hashing, structural filter matching, backoff,
// memoization ordinals, the six end-to-end scenarios in spec §8) can run
// without a database, the same way the teacher keeps pure-logic tests free
// of any repo dependency and reserves TEST_POSTGRES_DSN-gated tests for
// behavior that genuinely needs Postgres.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowstep/flowstep/internal/canon"
	"github.com/flowstep/flowstep/internal/storage"
)

// Store is an in-memory Storage implementation. The zero value is not
// usable; construct with New.
type Store struct {
	mu sync.Mutex

	tasks  map[uuid.UUID]*storage.Task
	steps  map[uuid.UUID]*storage.Step
	events []*storage.Event

	// liveKey indexes the currently-live task id for (queue, job, key), per
	// the "(queue, job, key) unique while live" invariant.
	liveKey map[taskKey]uuid.UUID

	clock func() time.Time
}

type taskKey struct{ queue, job, key string }

// New constructs an empty in-memory store. clock defaults to time.Now; tests
// that need deterministic time may supply their own.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		tasks:   map[uuid.UUID]*storage.Task{},
		steps:   map[uuid.UUID]*storage.Step{},
		liveKey: map[taskKey]uuid.UUID{},
		clock:   clock,
	}
}

func (s *Store) now() time.Time { return s.clock() }

func (s *Store) Close() error { return nil }

func (s *Store) Now(ctx context.Context) time.Time { return s.now() }

func cloneTask(t *storage.Task) *storage.Task {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneStep(st *storage.Step) *storage.Step {
	if st == nil {
		return nil
	}
	cp := *st
	return &cp
}

func (s *Store) GetTask(ctx context.Context, queue, job, key string) (*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.liveKey[taskKey{queue, job, key}]
	if !ok {
		return nil, nil
	}
	return cloneTask(s.tasks[id]), nil
}

func (s *Store) AddTask(ctx context.Context, p storage.AddTaskParams) (bool, *storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk := taskKey{p.Queue, p.Job, p.Key}
	if id, ok := s.liveKey[tk]; ok {
		return false, cloneTask(s.tasks[id]), nil
	}
	now := s.now()
	t := &storage.Task{
		ID:              uuid.New(),
		ParentID:        p.ParentID,
		Queue:           p.Queue,
		Job:             p.Job,
		Key:             p.Key,
		Input:           p.Input,
		Status:          storage.TaskPending,
		Priority:        p.Priority,
		CreatedAt:       now,
		UpdatedAt:       now,
		NotBefore:       p.NotBefore,
		TimeoutAt:       p.TimeoutAt,
		DebounceGroup:   p.DebounceGroup,
		ThrottleGroup:   p.ThrottleGroup,
		ThrottleMinGap:  p.ThrottleMinGap,
		RateLimitGroup:  p.RateLimitGroup,
		RateLimitN:      p.RateLimitN,
		RateLimitWindow: p.RateLimitWindow,
	}
	s.tasks[t.ID] = t
	s.liveKey[tk] = t.ID
	return true, cloneTask(t), nil
}

func (s *Store) CancelDebounceGroup(ctx context.Context, queue, job, group string, exceptID uuid.UUID, reason []byte) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []uuid.UUID
	now := s.now()
	for _, t := range s.tasks {
		if t.Queue != queue || t.Job != job || t.ID == exceptID {
			continue
		}
		if t.DebounceGroup == nil || *t.DebounceGroup != group {
			continue
		}
		if t.Started || t.Status.Terminal() {
			continue
		}
		t.Status = storage.TaskCancelled
		t.Data = reason
		t.UpdatedAt = now
		delete(s.liveKey, taskKey{t.Queue, t.Job, t.Key})
		cancelled = append(cancelled, t.ID)
	}
	return cancelled, nil
}

// blockingStep reports whether st currently blocks its task from starting.
func (s *Store) blockingStep(st *storage.Step, now time.Time) bool {
	switch st.Status {
	case storage.StepStalled:
		return st.SleepUntil != nil && st.SleepUntil.After(now)
	case storage.StepWaiting:
		ok, _, _ := s.matchEventLocked(st)
		return !ok
	case storage.StepRunning:
		return true
	default:
		return false
	}
}

func (s *Store) stepsForTask(taskID uuid.UUID) []*storage.Step {
	var out []*storage.Step
	for _, st := range s.steps {
		if st.TaskID == taskID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// timedOut reports whether t's configured task-wide deadline has passed.
func timedOut(t *storage.Task, now time.Time) bool {
	return t.TimeoutAt != nil && !t.TimeoutAt.After(now)
}

// gateReady evaluates the debounce/throttle/rate-limit admission gates for
// candidate t, given the other tasks already known to the store.
func (s *Store) gateReady(t *storage.Task, now time.Time) bool {
	if t.NotBefore != nil && t.NotBefore.After(now) {
		return false
	}
	if t.ThrottleGroup != nil {
		var last time.Time
		for _, other := range s.tasks {
			if other.Queue != t.Queue || other.ThrottleGroup == nil {
				continue
			}
			if *other.ThrottleGroup != *t.ThrottleGroup || other.StartedAt == nil {
				continue
			}
			if other.StartedAt.After(last) {
				last = *other.StartedAt
			}
		}
		if !last.IsZero() && now.Before(last.Add(t.ThrottleMinGap)) {
			return false
		}
	}
	if t.RateLimitGroup != nil && t.RateLimitN > 0 {
		windowStart := now.Add(-t.RateLimitWindow)
		count := 0
		for _, other := range s.tasks {
			if other.Queue != t.Queue || other.RateLimitGroup == nil {
				continue
			}
			if *other.RateLimitGroup != *t.RateLimitGroup || other.StartedAt == nil {
				continue
			}
			if other.StartedAt.After(windowStart) {
				count++
			}
		}
		if count >= t.RateLimitN {
			return false
		}
	}
	return true
}

func (s *Store) StartNextTask(ctx context.Context, queue string) (*storage.StartNextTaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var candidates []*storage.Task
	for _, t := range s.tasks {
		if t.Queue != queue || t.Status != storage.TaskPending {
			continue
		}
		// A task whose deadline has passed is always a candidate,
		// bypassing its own blocking steps and admission gates, so its
		// executor gets a chance to observe and cancel it with a timeout
		// reason instead of leaving it stuck behind a sleep or wait that
		// may never resolve.
		if timedOut(t, now) {
			candidates = append(candidates, t)
			continue
		}
		blocked := false
		for _, st := range s.stepsForTask(t.ID) {
			if s.blockingStep(st, now) {
				blocked = true
				break
			}
		}
		if blocked || !s.gateReady(t, now) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	chosen := candidates[0]
	chosen.Status = storage.TaskRunning
	chosen.Runs++
	if !chosen.Started {
		chosen.Started = true
		t := now
		chosen.StartedAt = &t
	}
	chosen.UpdatedAt = now

	return &storage.StartNextTaskResult{
		Task:    cloneTask(chosen),
		Steps:   cloneSteps(s.stepsForTask(chosen.ID)),
		HasMore: len(candidates) > 1,
	}, nil
}

func cloneSteps(in []*storage.Step) []*storage.Step {
	out := make([]*storage.Step, len(in))
	for i, st := range in {
		out[i] = cloneStep(st)
	}
	return out
}

func (s *Store) NextFutureTask(ctx context.Context, queue string) (*time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var nearest *time.Time

	consider := func(at *time.Time) {
		if at == nil {
			return
		}
		if nearest == nil || at.Before(*nearest) {
			nearest = at
		}
	}

	for _, t := range s.tasks {
		if t.Queue != queue || t.Status != storage.TaskPending {
			continue
		}
		consider(t.NotBefore)
		consider(t.TimeoutAt)
	}
	for _, st := range s.steps {
		task, ok := s.tasks[st.TaskID]
		if !ok || task.Queue != queue {
			continue
		}
		if st.Status == storage.StepStalled {
			consider(st.SleepUntil)
		}
	}
	if nearest == nil {
		return nil, nil
	}
	d := nearest.Sub(now)
	if d < 0 {
		d = 0
	}
	return &d, nil
}

func (s *Store) ResolveTask(ctx context.Context, taskID uuid.UUID, status storage.TaskStatus, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("memstore: task %s not found", taskID)
	}
	t.Status = status
	t.Data = data
	t.UpdatedAt = s.now()
	delete(s.liveKey, taskKey{t.Queue, t.Job, t.Key})
	return nil
}

func (s *Store) RequeueTask(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("memstore: task %s not found", taskID)
	}
	if t.Status == storage.TaskRunning {
		t.Status = storage.TaskPending
		t.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) CancelTask(ctx context.Context, taskID uuid.UUID, reason []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("memstore: task %s not found", taskID)
	}
	if t.Status.Terminal() {
		return false, nil
	}
	t.Status = storage.TaskCancelled
	t.Data = reason
	t.UpdatedAt = s.now()
	delete(s.liveKey, taskKey{t.Queue, t.Job, t.Key})
	return true, nil
}

func (s *Store) Heartbeat(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != storage.TaskRunning {
		return nil
	}
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) ReclaimStale(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	n := 0
	for _, t := range s.tasks {
		if t.Queue == queue && t.Status == storage.TaskRunning && t.UpdatedAt.Before(cutoff) {
			t.Status = storage.TaskPending
			t.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *Store) PruneTerminal(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	n := 0
	for id, t := range s.tasks {
		if t.Queue != queue || !t.Status.Terminal() || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.tasks, id)
		delete(s.liveKey, taskKey{t.Queue, t.Job, t.Key})
		for sid, step := range s.steps {
			if step.TaskID == id {
				delete(s.steps, sid)
			}
		}
		n++
	}
	return n, nil
}

func (s *Store) RecordStep(ctx context.Context, step *storage.Step) (*storage.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, existing := range s.steps {
		if existing.TaskID == step.TaskID && existing.Step == step.Step {
			existing.Status = step.Status
			existing.Runs = step.Runs
			existing.SleepUntil = step.SleepUntil
			existing.WaitFor = step.WaitFor
			existing.WaitFilter = step.WaitFilter
			existing.WaitRetroactive = step.WaitRetroactive
			existing.Data = step.Data
			existing.UpdatedAt = now
			return cloneStep(existing), nil
		}
	}
	cp := *step
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.steps[cp.ID] = &cp
	return cloneStep(&cp), nil
}

func (s *Store) RecordEvent(ctx context.Context, queue, key string, input, data []byte) (*storage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := &storage.Event{
		ID:        uuid.New(),
		Queue:     queue,
		Key:       key,
		CreatedAt: s.now(),
		Input:     input,
		Data:      data,
	}
	s.events = append(s.events, ev)
	return ev, nil
}

// matchEventLocked implements the structural-filter matcher (spec §4.5) and
// the "nearest in time to the wait" ordering (spec §5). Caller must hold
// s.mu.
func (s *Store) matchEventLocked(st *storage.Step) (bool, []byte, error) {
	if st.WaitFor == nil {
		return false, nil, nil
	}
	var filter any
	if len(st.WaitFilter) > 0 {
		if err := json.Unmarshal(st.WaitFilter, &filter); err != nil {
			return false, nil, err
		}
	}
	retro := st.WaitRetroactive != nil && *st.WaitRetroactive

	var best *storage.Event
	var bestDelta time.Duration
	for _, ev := range s.events {
		if ev.Queue != st.Queue || ev.Key != *st.WaitFor {
			continue
		}
		if !retro && ev.CreatedAt.Before(st.CreatedAt) {
			continue
		}
		var input any
		if len(ev.Input) > 0 {
			if err := json.Unmarshal(ev.Input, &input); err != nil {
				return false, nil, err
			}
		}
		if !canon.MatchFilter(filter, input) {
			continue
		}
		delta := ev.CreatedAt.Sub(st.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta {
			best = ev
			bestDelta = delta
		}
	}
	if best == nil {
		return false, nil, nil
	}
	return true, best.Data, nil
}

func (s *Store) ResolveEvent(ctx context.Context, step *storage.Step) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[step.ID]
	if !ok {
		st = step
	}
	found, data, err := s.matchEventLocked(st)
	if err != nil || !found {
		return nil, false, err
	}
	st.Status = storage.StepCompleted
	st.Data = data
	st.UpdatedAt = s.now()
	s.steps[st.ID] = st
	return data, true, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, t := range s.tasks {
		if !seen[t.Queue] {
			seen[t.Queue] = true
			out = append(out, t.Queue)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListJobsForQueue(ctx context.Context, queue string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, t := range s.tasks {
		if t.Queue == queue && !seen[t.Job] {
			seen[t.Job] = true
			out = append(out, t.Job)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListTasksForJob(ctx context.Context, queue, job string) ([]*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Task
	for _, t := range s.tasks {
		if t.Queue == queue && t.Job == job {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetTaskDetail(ctx context.Context, taskID uuid.UUID) (*storage.TaskDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	steps := s.stepsForTask(taskID)
	var events []*storage.Event
	for _, ev := range s.events {
		if ev.Queue == t.Queue {
			events = append(events, ev)
		}
	}
	return &storage.TaskDetail{
		Task:   cloneTask(t),
		Steps:  cloneSteps(steps),
		Events: events,
	}, nil
}

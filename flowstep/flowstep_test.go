package flowstep

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowstep/flowstep/internal/canon"
	"github.com/flowstep/flowstep/internal/logging"
	"github.com/flowstep/flowstep/internal/storage"
	"github.com/flowstep/flowstep/internal/storage/memstore"
)

// drive repeatedly claims and executes tasks on q until none is immediately
// runnable, simulating the scheduler loop synchronously so tests don't need
// a real goroutine or wall-clock sleep.
func drive(t *testing.T, ctx context.Context, q *Queue, queue string, ticks int) {
	t.Helper()
	for i := 0; i < ticks; i++ {
		res, err := q.store.StartNextTask(ctx, queue)
		if err != nil {
			t.Fatalf("StartNextTask: %v", err)
		}
		if res == nil {
			return
		}
		if err := q.Execute(ctx, res.Task, res.Steps); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
}

// testClock gives tests a mutable clock for memstore, so sleep/backoff
// suspension windows can be advanced deterministically without real sleeps.
type testClock struct{ now time.Time }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
}
func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, clock *testClock) (*Queue, *memstore.Store) {
	t.Helper()
	var fn func() time.Time
	if clock != nil {
		fn = clock.Now
	}
	store := memstore.New(fn)
	q := NewQueue(QueueConfig{ID: "test", Storage: store, Log: logging.Discard()})
	return q, store
}

func keyFor(t *testing.T, input any) string {
	t.Helper()
	canonical, err := canon.Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	return canon.HashString(canonical)
}

func TestRunStepIsMemoizedAcrossSuspension(t *testing.T) {
	calls := 0
	type in struct{ N int }
	type out struct{ Doubled int }

	clock := newTestClock()
	q, store := newTestQueue(t, clock)
	job := NewJob(JobConfig[in, out]{
		ID: "double",
		Fn: func(r *Run, input in) (out, error) {
			v, err := RunStep(r, "multiply", RunOpts{}, func(ctx context.Context) (int, error) {
				calls++
				return input.N * 2, nil
			})
			if err != nil {
				return out{}, err
			}
			Sleep(r, time.Minute)
			return out{Doubled: v}, nil
		},
	})
	AddJob(q, job)

	ctx := context.Background()
	input := in{N: 21}
	if _, err := job.Dispatch(ctx, input); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	key := keyFor(t, input)

	// Capture the dispatched task's id while it is still live; once it
	// settles its (queue,job,key) liveKey entry is cleared and only
	// GetTaskDetail by id can see it.
	live, err := store.GetTask(ctx, "test", "double", key)
	if err != nil || live == nil {
		t.Fatalf("expected live task after dispatch, err=%v", err)
	}
	taskID := live.ID

	// First tick: runs the multiply step, then suspends on Sleep.
	drive(t, ctx, q, "test", 1)

	detail, err := store.GetTaskDetail(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskDetail: %v", err)
	}
	if detail.Task.Status != storage.TaskPending {
		t.Fatalf("expected task requeued pending after suspension, got %s", detail.Task.Status)
	}
	if calls != 1 {
		t.Fatalf("expected multiply step to run exactly once before suspension, got %d", calls)
	}

	// Sleep hasn't elapsed: nothing should be runnable yet.
	drive(t, ctx, q, "test", 1)
	detail, err = store.GetTaskDetail(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskDetail: %v", err)
	}
	if detail.Task.Status != storage.TaskPending {
		t.Fatalf("expected task still pending while asleep, got %s", detail.Task.Status)
	}

	clock.Advance(2 * time.Minute)
	drive(t, ctx, q, "test", 1)

	detail, err = store.GetTaskDetail(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskDetail: %v", err)
	}
	if detail.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected task completed, got %s", detail.Task.Status)
	}
	if calls != 1 {
		t.Fatalf("expected multiply step not to re-run on replay, got %d calls", calls)
	}
}

func TestRunStepRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	type in struct{}
	type out struct{ OK bool }

	clock := newTestClock()
	q, store := newTestQueue(t, clock)
	job := NewJob(JobConfig[in, out]{
		ID: "flaky",
		Fn: func(r *Run, _ in) (out, error) {
			v, err := RunStep(r, "attempt", RunOpts{
				Retry: &RetryPolicy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: time.Second, JitterFrac: 0},
			}, func(ctx context.Context) (bool, error) {
				attempts++
				if attempts < 2 {
					return false, errors.New("transient failure")
				}
				return true, nil
			})
			if err != nil {
				return out{}, err
			}
			return out{OK: v}, nil
		},
	})
	AddJob(q, job)

	ctx := context.Background()
	if _, err := job.Dispatch(ctx, in{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	key := keyFor(t, in{})
	live, err := store.GetTask(ctx, "test", "flaky", key)
	if err != nil || live == nil {
		t.Fatalf("expected live task after dispatch, err=%v", err)
	}
	taskID := live.ID

	drive(t, ctx, q, "test", 1)
	if attempts != 1 {
		t.Fatalf("expected one failed attempt before backoff suspends, got %d", attempts)
	}

	clock.Advance(2 * time.Second)
	drive(t, ctx, q, "test", 1)
	if attempts != 2 {
		t.Fatalf("expected a second, successful attempt, got %d", attempts)
	}

	detail, err := store.GetTaskDetail(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskDetail: %v", err)
	}
	out, err := job.decodeTerminal(detail.Task)
	if err != nil {
		t.Fatalf("decodeTerminal: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK=true once the step eventually succeeds")
	}
}

func TestRunStepNonRetryableFailureIsReturnedNotPanicked(t *testing.T) {
	type in struct{}
	type out struct{}

	q, store := newTestQueue(t, nil)
	wantErr := errors.New("permanent failure")
	job := NewJob(JobConfig[in, out]{
		ID: "alwaysfails",
		Fn: func(r *Run, _ in) (out, error) {
			return RunStep(r, "doomed", RunOpts{}, func(ctx context.Context) (out, error) {
				return out{}, wantErr
			})
		},
	})
	AddJob(q, job)

	ctx := context.Background()
	if _, err := job.Dispatch(ctx, in{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	key := keyFor(t, in{})
	live, err := store.GetTask(ctx, "test", "alwaysfails", key)
	if err != nil || live == nil {
		t.Fatalf("expected live task after dispatch, err=%v", err)
	}
	taskID := live.ID
	drive(t, ctx, q, "test", 1)

	detail, err := store.GetTaskDetail(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskDetail: %v", err)
	}
	if detail.Task.Status != storage.TaskFailed {
		t.Fatalf("expected task failed, got %s", detail.Task.Status)
	}
	_, err = job.decodeTerminal(detail.Task)
	if err == nil {
		t.Fatalf("expected the stored failure to be returned")
	}
	if err.Error() != wantErr.Error() {
		t.Fatalf("expected round-tripped error message %q, got %q", wantErr.Error(), err.Error())
	}
}

func TestDispatchPipeAndWaitForPipe(t *testing.T) {
	type event struct{ Value int }
	type in struct{}
	type out struct{ Seen int }

	q, store := newTestQueue(t, nil)
	pipe := NewPipe(PipeConfig[event]{ID: "ticks"})
	AddPipe(q, pipe)

	job := NewJob(JobConfig[in, out]{
		ID: "watcher",
		Fn: func(r *Run, _ in) (out, error) {
			ev, err := WaitForPipe(r, pipe, WaitOpts{})
			if err != nil {
				return out{}, err
			}
			return out{Seen: ev.Value}, nil
		},
	})
	AddJob(q, job)

	ctx := context.Background()
	if _, err := job.Dispatch(ctx, in{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	key := keyFor(t, in{})
	live, err := store.GetTask(ctx, "test", "watcher", key)
	if err != nil || live == nil {
		t.Fatalf("expected live task after dispatch, err=%v", err)
	}
	taskID := live.ID

	// First tick suspends on the still-unmatched waitFor.
	drive(t, ctx, q, "test", 1)

	if err := pipe.Dispatch(ctx, event{Value: 7}); err != nil {
		t.Fatalf("pipe.Dispatch: %v", err)
	}

	drive(t, ctx, q, "test", 1)

	detail, err := store.GetTaskDetail(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskDetail: %v", err)
	}
	out, err := job.decodeTerminal(detail.Task)
	if err != nil {
		t.Fatalf("decodeTerminal: %v", err)
	}
	if out.Seen != 7 {
		t.Fatalf("expected the dispatched pipe value, got %d", out.Seen)
	}
}

func TestInvokeComposesDispatchAndSettled(t *testing.T) {
	type in struct{ N int }
	type out struct{ Squared int }

	q, store := newTestQueue(t, nil)
	squarer := NewJob(JobConfig[in, out]{
		ID: "squarer",
		Fn: func(r *Run, input in) (out, error) {
			return out{Squared: input.N * input.N}, nil
		},
	})
	AddJob(q, squarer)

	caller := NewJob(JobConfig[in, out]{
		ID: "caller",
		Fn: func(r *Run, input in) (out, error) {
			return Invoke(r, squarer, input, InvokeOpts{Timeout: time.Minute})
		},
	})
	AddJob(q, caller)

	ctx := context.Background()
	if _, err := caller.Dispatch(ctx, in{N: 6}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	key := keyFor(t, in{N: 6})
	live, err := store.GetTask(ctx, "test", "caller", key)
	if err != nil || live == nil {
		t.Fatalf("expected live task after dispatch, err=%v", err)
	}
	taskID := live.ID

	// squarer's task must run and settle before caller's waitFor can match;
	// drive enough ticks to cover dispatch -> squarer run -> caller resume.
	drive(t, ctx, q, "test", 4)

	detail, err := store.GetTaskDetail(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskDetail: %v", err)
	}
	if detail.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected caller task completed, got %s", detail.Task.Status)
	}
	result, err := caller.decodeTerminal(detail.Task)
	if err != nil {
		t.Fatalf("decodeTerminal: %v", err)
	}
	if result.Squared != 36 {
		t.Fatalf("expected 36, got %d", result.Squared)
	}
}

func TestJobInvokeWaitsForExternalTaskCompletion(t *testing.T) {
	type in struct{ N int }
	type out struct{ Doubled int }

	q, _ := newTestQueue(t, nil)
	job := NewJob(JobConfig[in, out]{
		ID: "doubler",
		Fn: func(r *Run, input in) (out, error) {
			return out{Doubled: input.N * 2}, nil
		},
	})
	AddJob(q, job)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Job.Invoke polls storage directly rather than being driven by a step
	// interpreter, so it needs a concurrently running driver to ever
	// observe completion; simulate the scheduler with a tight polling loop
	// on its own goroutine instead of the synchronous drive() helper.
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			res, err := q.store.StartNextTask(ctx, "test")
			if err != nil || res == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			if err := q.Execute(ctx, res.Task, res.Steps); err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
		}
	}()

	result, err := job.Invoke(ctx, in{N: 9})
	cancel()
	<-driverDone
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Doubled != 18 {
		t.Fatalf("expected 18, got %d", result.Doubled)
	}
}

func TestDebounceCancelsPriorUnstartedTask(t *testing.T) {
	type in struct{ ID string }
	type out struct{}

	q, store := newTestQueue(t, nil)
	job := NewJob(JobConfig[in, out]{
		ID: "debounced",
		Debounce: &DebounceConfig{
			ID:    "group",
			Delay: time.Minute,
		},
		Fn: func(r *Run, _ in) (out, error) { return out{}, nil },
	})
	AddJob(q, job)

	ctx := context.Background()
	firstInput := in{ID: "first"}
	if _, err := job.Dispatch(ctx, firstInput); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	firstKey := keyFor(t, firstInput)
	firstTask, err := store.GetTask(ctx, "test", "debounced", firstKey)
	if err != nil || firstTask == nil {
		t.Fatalf("expected first task to exist, err=%v", err)
	}

	if _, err := job.Dispatch(ctx, in{ID: "second"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	firstTask, err = store.GetTask(ctx, "test", "debounced", firstKey)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if firstTask != nil {
		t.Fatalf("expected the first (unstarted) task's live key cleared by debounce cancellation")
	}
}

// TestDebounceFullScenarioCancelsAllButLastAndCompletesAfterDelay exercises
// spec scenario 5 end to end: a run of rapid same-group dispatches, a second
// run 10ms later, everything but the final dispatch ends cancelled with a
// debounce reason, and the survivor completes once its own delay elapses.
func TestDebounceFullScenarioCancelsAllButLastAndCompletesAfterDelay(t *testing.T) {
	type in struct{ ID string }
	type out struct{}

	clock := newTestClock()
	q, store := newTestQueue(t, clock)
	job := NewJob(JobConfig[in, out]{
		ID:       "debounced",
		Debounce: &DebounceConfig{ID: "g", Delay: 20 * time.Millisecond},
		Fn:       func(r *Run, _ in) (out, error) { return out{}, nil },
	})
	AddJob(q, job)
	ctx := context.Background()

	ids := make(map[string]uuid.UUID)
	dispatch := func(id string) {
		if _, err := job.Dispatch(ctx, in{ID: id}); err != nil {
			t.Fatalf("Dispatch(%s): %v", id, err)
		}
		key := keyFor(t, in{ID: id})
		task, err := store.GetTask(ctx, "test", "debounced", key)
		if err != nil || task == nil {
			t.Fatalf("expected a live task for %s, err=%v", id, err)
		}
		ids[id] = task.ID
	}

	dispatch("a1")
	dispatch("a2")
	dispatch("b1")

	clock.Advance(10 * time.Millisecond)
	dispatch("b2")
	dispatch("a3")

	for _, id := range []string{"a1", "a2", "b1", "b2"} {
		detail, err := store.GetTaskDetail(ctx, ids[id])
		if err != nil || detail == nil {
			t.Fatalf("GetTaskDetail(%s): %v", id, err)
		}
		if detail.Task.Status != storage.TaskCancelled {
			t.Fatalf("%s: expected cancelled, got %s", id, detail.Task.Status)
		}
		var reason map[string]any
		_ = json.Unmarshal(detail.Task.Data, &reason)
		if reason["type"] != "debounce" {
			t.Fatalf("%s: expected debounce cancellation reason, got %v", id, reason)
		}
	}

	// a3 is still within its own debounce delay: nothing should be runnable.
	if res, err := store.StartNextTask(ctx, "test"); err != nil || res != nil {
		t.Fatalf("expected a3 still blocked by its debounce delay, res=%v err=%v", res, err)
	}

	clock.Advance(20 * time.Millisecond)
	drive(t, ctx, q, "test", 1)

	detail, err := store.GetTaskDetail(ctx, ids["a3"])
	if err != nil || detail == nil {
		t.Fatalf("GetTaskDetail(a3): %v", err)
	}
	if detail.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected a3 completed once its delay elapsed, got %s", detail.Task.Status)
	}
}

// TestThrottleIsSharedAcrossJobsNotScopedToOne exercises spec scenario 4: two
// distinct jobs sharing one throttle group must serialize against each
// other's start times, not just against tasks of the same job.
func TestThrottleIsSharedAcrossJobsNotScopedToOne(t *testing.T) {
	type in struct{ ID string }
	type out struct{}

	minGap := 10 * time.Millisecond
	clock := newTestClock()
	q, store := newTestQueue(t, clock)

	fn := func(r *Run, _ in) (out, error) { return out{}, nil }
	jobA := NewJob(JobConfig[in, out]{
		ID:        "a",
		Throttle:  &ThrottleConfig{ID: "g", MinGap: minGap},
		Priority:  func(in) float64 { return 1 },
		Fn:        fn,
	})
	jobB := NewJob(JobConfig[in, out]{
		ID:        "b",
		Throttle:  &ThrottleConfig{ID: "g", MinGap: minGap},
		Priority:  func(in) float64 { return 2 },
		Fn:        fn,
	})
	AddJob(q, jobA)
	AddJob(q, jobB)
	ctx := context.Background()

	dispatchAndID := func(job *Job[in, out], jobID, id string) uuid.UUID {
		if _, err := job.Dispatch(ctx, in{ID: id}); err != nil {
			t.Fatalf("Dispatch(%s): %v", id, err)
		}
		key := keyFor(t, in{ID: id})
		task, err := store.GetTask(ctx, "test", jobID, key)
		if err != nil || task == nil {
			t.Fatalf("expected a live task for %s, err=%v", id, err)
		}
		// Distinct created_at values so equal-priority tasks run in dispatch order.
		clock.Advance(time.Microsecond)
		return task.ID
	}

	a1 := dispatchAndID(jobA, "a", "a1")
	a2 := dispatchAndID(jobA, "a", "a2")
	b1 := dispatchAndID(jobB, "b", "b1")

	// b1 has the higher priority and no prior throttled start to wait on.
	drive(t, ctx, q, "test", 1)
	detailB1, err := store.GetTaskDetail(ctx, b1)
	if err != nil || detailB1 == nil || detailB1.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected b1 to run first, detail=%+v err=%v", detailB1, err)
	}

	// a1/a2 share the group with b1: neither is ready until minGap has
	// passed since b1 started, even though they belong to a different job.
	if res, err := store.StartNextTask(ctx, "test"); err != nil || res != nil {
		t.Fatalf("expected a1/a2 still throttled immediately after b1, res=%v err=%v", res, err)
	}

	clock.Advance(minGap)
	drive(t, ctx, q, "test", 1)
	detailA1, err := store.GetTaskDetail(ctx, a1)
	if err != nil || detailA1 == nil || detailA1.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected a1 to run second, detail=%+v err=%v", detailA1, err)
	}

	if res, err := store.StartNextTask(ctx, "test"); err != nil || res != nil {
		t.Fatalf("expected a2 still throttled immediately after a1, res=%v err=%v", res, err)
	}

	clock.Advance(minGap)
	drive(t, ctx, q, "test", 1)
	detailA2, err := store.GetTaskDetail(ctx, a2)
	if err != nil || detailA2 == nil || detailA2.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected a2 to run last, detail=%+v err=%v", detailA2, err)
	}
}

// TestRateLimitIsSharedAcrossJobsNotScopedToOne mirrors the throttle fix for
// rate-limit: the admission count must be taken across every task sharing
// the group, regardless of which job dispatched it.
func TestRateLimitIsSharedAcrossJobsNotScopedToOne(t *testing.T) {
	type in struct{ ID string }
	type out struct{}

	window := time.Minute
	clock := newTestClock()
	q, store := newTestQueue(t, clock)

	fn := func(r *Run, _ in) (out, error) { return out{}, nil }
	jobA := NewJob(JobConfig[in, out]{
		ID:        "a",
		RateLimit: &RateLimitConfig{ID: "g", N: 1, Window: window},
		Fn:        fn,
	})
	jobB := NewJob(JobConfig[in, out]{
		ID:        "b",
		RateLimit: &RateLimitConfig{ID: "g", N: 1, Window: window},
		Fn:        fn,
	})
	AddJob(q, jobA)
	AddJob(q, jobB)
	ctx := context.Background()

	if _, err := jobA.Dispatch(ctx, in{ID: "a1"}); err != nil {
		t.Fatalf("Dispatch(a1): %v", err)
	}
	aKey := keyFor(t, in{ID: "a1"})
	aTask, err := store.GetTask(ctx, "test", "a", aKey)
	if err != nil || aTask == nil {
		t.Fatalf("expected a live task for a1, err=%v", err)
	}

	drive(t, ctx, q, "test", 1)
	detailA, err := store.GetTaskDetail(ctx, aTask.ID)
	if err != nil || detailA == nil || detailA.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected a1 to complete, detail=%+v err=%v", detailA, err)
	}

	if _, err := jobB.Dispatch(ctx, in{ID: "b1"}); err != nil {
		t.Fatalf("Dispatch(b1): %v", err)
	}
	bKey := keyFor(t, in{ID: "b1"})
	bTask, err := store.GetTask(ctx, "test", "b", bKey)
	if err != nil || bTask == nil {
		t.Fatalf("expected a live task for b1, err=%v", err)
	}

	// b1 shares a's rate-limit group, which already admitted one start
	// within the window: b1 must not be runnable yet even though it is a
	// different job.
	if res, err := store.StartNextTask(ctx, "test"); err != nil || res != nil {
		t.Fatalf("expected b1 blocked by a's rate-limit window, res=%v err=%v", res, err)
	}

	clock.Advance(window)
	drive(t, ctx, q, "test", 1)
	detailB, err := store.GetTaskDetail(ctx, bTask.ID)
	if err != nil || detailB == nil || detailB.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected b1 to complete once the shared window elapsed, detail=%+v err=%v", detailB, err)
	}
}

// TestCancelStopsRunningTaskAndRecordsReason exercises spec scenario 6: one
// job's program function cancels another's live task mid-sleep, and the
// cancelled task's program function must not resume past the point it was
// suspended at.
func TestCancelStopsRunningTaskAndRecordsReason(t *testing.T) {
	type in struct{}
	type out struct{}

	q, store := newTestQueue(t, nil)
	ctx := context.Background()
	done := false

	aaa := NewJob(JobConfig[in, out]{
		ID: "aaa",
		Fn: func(r *Run, _ in) (out, error) {
			Sleep(r, 100*time.Millisecond)
			done = true
			return out{}, nil
		},
	})
	bbb := NewJob(JobConfig[in, out]{
		ID: "bbb",
		Fn: func(r *Run, _ in) (out, error) {
			err := Cancel(r, aaa, in{}, map[string]any{"type": "explicit"})
			return out{}, err
		},
	})
	AddJob(q, aaa)
	AddJob(q, bbb)

	aKey := keyFor(t, in{})
	if _, err := aaa.Dispatch(ctx, in{}); err != nil {
		t.Fatalf("Dispatch(aaa): %v", err)
	}
	aTask, err := store.GetTask(ctx, "test", "aaa", aKey)
	if err != nil || aTask == nil {
		t.Fatalf("expected a live aaa task, err=%v", err)
	}

	// aaa suspends on its sleep; it must not have set done yet.
	drive(t, ctx, q, "test", 1)
	if done {
		t.Fatalf("aaa must not complete its sleep before it is driven past the deadline")
	}

	if _, err := bbb.Dispatch(ctx, in{}); err != nil {
		t.Fatalf("Dispatch(bbb): %v", err)
	}
	drive(t, ctx, q, "test", 1)

	detail, err := store.GetTaskDetail(ctx, aTask.ID)
	if err != nil || detail == nil {
		t.Fatalf("GetTaskDetail(aaa): %v", err)
	}
	if detail.Task.Status != storage.TaskCancelled {
		t.Fatalf("expected aaa cancelled, got %s", detail.Task.Status)
	}
	if done {
		t.Fatalf("aaa's program function must not resume after cancellation")
	}
	var reason map[string]any
	_ = json.Unmarshal(detail.Task.Data, &reason)
	if reason["type"] != "explicit" {
		t.Fatalf("expected explicit cancellation reason, got %v", reason)
	}

	if _, err := aaa.awaitSettled(ctx, aTask.ID); err == nil {
		t.Fatalf("expected awaitSettled on a cancelled task to return an error")
	} else {
		var cancelErr *CancelledError
		if !errors.As(err, &cancelErr) {
			t.Fatalf("expected *CancelledError, got %T: %v", err, err)
		}
		reasonMap, _ := cancelErr.Reason.(map[string]any)
		if reasonMap["type"] != "explicit" {
			t.Fatalf("expected explicit reason on CancelledError, got %v", cancelErr.Reason)
		}
	}
}

// TestConcurrencyGateLimitsSimultaneousRunStepAttempts exercises RunStep's
// ConcurrencyOpts: a second task sharing the same concurrency id must
// suspend (be requeued) rather than run its callback while the first still
// holds the gate's one permit.
func TestConcurrencyGateLimitsSimultaneousRunStepAttempts(t *testing.T) {
	type in struct{ ID string }
	type out struct{}

	q, store := newTestQueue(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	job := NewJob(JobConfig[in, out]{
		ID: "gated",
		Fn: func(r *Run, input in) (out, error) {
			return RunStep(r, "work", RunOpts{
				Concurrency: &ConcurrencyOpts{ID: "flowstep_test_gate", Limit: 1},
			}, func(ctx context.Context) (out, error) {
				if input.ID == "first" {
					started <- struct{}{}
					<-release
				}
				return out{}, nil
			})
		},
	})
	AddJob(q, job)

	if _, err := job.Dispatch(ctx, in{ID: "first"}); err != nil {
		t.Fatalf("Dispatch(first): %v", err)
	}
	if _, err := job.Dispatch(ctx, in{ID: "second"}); err != nil {
		t.Fatalf("Dispatch(second): %v", err)
	}
	firstTask, err := store.GetTask(ctx, "test", "gated", keyFor(t, in{ID: "first"}))
	if err != nil || firstTask == nil {
		t.Fatalf("expected a live task for first, err=%v", err)
	}
	secondTask, err := store.GetTask(ctx, "test", "gated", keyFor(t, in{ID: "second"}))
	if err != nil || secondTask == nil {
		t.Fatalf("expected a live task for second, err=%v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		res, err := store.StartNextTask(ctx, "test")
		if err != nil || res == nil {
			t.Errorf("StartNextTask(first): res=%v err=%v", res, err)
			return
		}
		if err := q.Execute(ctx, res.Task, res.Steps); err != nil {
			t.Errorf("Execute(first): %v", err)
		}
	}()

	<-started // first now holds the gate's only permit

	res2, err := store.StartNextTask(ctx, "test")
	if err != nil || res2 == nil {
		t.Fatalf("StartNextTask(second): res=%v err=%v", res2, err)
	}
	if err := q.Execute(ctx, res2.Task, res2.Steps); err != nil {
		t.Fatalf("Execute(second): %v", err)
	}
	detail2, err := store.GetTaskDetail(ctx, secondTask.ID)
	if err != nil || detail2 == nil {
		t.Fatalf("GetTaskDetail(second): %v", err)
	}
	if detail2.Task.Status != storage.TaskPending {
		t.Fatalf("expected second requeued (suspended) while the gate is held, got %s", detail2.Task.Status)
	}

	close(release)
	<-firstDone

	detail1, err := store.GetTaskDetail(ctx, firstTask.ID)
	if err != nil || detail1 == nil || detail1.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected first completed, detail=%+v err=%v", detail1, err)
	}

	drive(t, ctx, q, "test", 1)
	detail2b, err := store.GetTaskDetail(ctx, secondTask.ID)
	if err != nil || detail2b == nil || detail2b.Task.Status != storage.TaskCompleted {
		t.Fatalf("expected second to complete once the gate freed up, detail=%+v err=%v", detail2b, err)
	}
}

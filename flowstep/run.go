package flowstep

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowstep/flowstep/internal/canon"
	"github.com/flowstep/flowstep/internal/logging"
	"github.com/flowstep/flowstep/internal/pkg/pointers"
	"github.com/flowstep/flowstep/internal/storage"
	"github.com/flowstep/flowstep/internal/telemetry"
)

// Run is the ambient, task-local handle the scheduler installs around every
// call to a job's program function (spec §9: "model this as a task-local
// handle passed as a first argument"). Go has no async-local storage and no
// generic methods, so every step operation (RunStep, Sleep, WaitFor, Invoke,
// Dispatch, Cancel, Thread) is a free generic function taking *Run first,
// mirroring how this codebase threads an explicit *Context through handlers
// rather than relying on goroutine-local state.
type Run struct {
	ctx   context.Context
	store storage.Storage
	log   *logging.Logger
	queue string
	task  *storage.Task

	steps    map[string]*storage.Step
	counters map[string]int
}

// Context returns the context.Context this execution runs under: the
// scheduler's context, cancelled when the queue is closed. Cancelling the
// task itself does not cancel it.
func (r *Run) Context() context.Context { return r.ctx }

// TaskID returns the id of the task currently executing.
func (r *Run) TaskID() string { return r.task.ID.String() }

func newRun(ctx context.Context, store storage.Storage, log *logging.Logger, queue string, task *storage.Task, steps []*storage.Step) *Run {
	byName := make(map[string]*storage.Step, len(steps))
	for _, s := range steps {
		byName[s.Step] = s
	}
	return &Run{
		ctx:      ctx,
		store:    store,
		log:      log,
		queue:    queue,
		task:     task,
		steps:    byName,
		counters: make(map[string]int),
	}
}

// stepName assigns the next ordinal for prefix (a "user/<id>" or
// "system/<kind>" name stem) in call order. Ordinals are per task-execution
// counters, not persisted directly: they are reproduced identically on every
// re-run as long as the program function's call order is deterministic,
// which is the memoization contract's load-bearing assumption (spec §4.4).
func (r *Run) stepName(prefix string) string {
	n := r.counters[prefix]
	r.counters[prefix] = n + 1
	return fmt.Sprintf("%s#%d", prefix, n)
}

func (r *Run) now() time.Time { return r.store.Now(r.ctx) }

func (r *Run) blankStep(name string, status storage.StepStatus) *storage.Step {
	return &storage.Step{
		TaskID: r.task.ID,
		Queue:  r.queue,
		Job:    r.task.Job,
		Key:    r.task.Key,
		Step:   name,
		Status: status,
	}
}

func (r *Run) saveStep(s *storage.Step) *storage.Step {
	saved, err := r.store.RecordStep(r.ctx, s)
	if err != nil {
		panic(fmt.Errorf("flowstep: record step %s: %w", s.Step, err))
	}
	r.steps[saved.Step] = saved
	return saved
}

// suspend panics with the engine's interrupt sentinel, unwinding the program
// function back to the scheduler. Every interpreter operation that cannot
// resolve synchronously calls this instead of returning.
func (r *Run) suspend(reason string) {
	panic(newInterrupt(reason))
}

// RunOpts configures a memoized RunStep call.
type RunOpts struct {
	// Retry governs re-attempts of fn after a failure. Nil means no retry:
	// the step fails on first error.
	Retry *RetryPolicy
	// Timeout bounds a single attempt of fn; exceeding it fails the
	// attempt with a *TimeoutError, subject to the same retry policy.
	Timeout time.Duration
	// Concurrency, when set, gates this attempt behind a named admission
	// bucket shared by every step supplying the same ID (spec §4.4).
	Concurrency *ConcurrencyOpts
}

// RunStep is the memoized single-shot user callback (spec §4.4 Job.run).
// The Nth call with a given id within this task has step name
// "user/<id>#N", where N counts prior calls with the same id in this task.
//
// On the attempt that first succeeds the result is stored and returned; on
// a re-run where the step already completed, fn is not called again and the
// stored result is decoded and returned directly. A step that has
// permanently failed returns its stored error without calling fn. A step
// still pending a retry's backoff suspends the whole program function via
// Run's interrupt sentinel so the scheduler can requeue and wake it later.
func RunStep[T any](r *Run, id string, opts RunOpts, fn func(ctx context.Context) (T, error)) (T, error) {
	return attemptStep(r, r.stepName("user/"+id), opts, fn)
}

// parseStep is RunStep's logic reused for the implicit input/output
// validation steps a Job wraps around Fn: same memoization, same retry
// handling, but named "system/<kind>#N" instead of "user/<id>#N" so the
// step history distinguishes engine-inserted steps from user ones (spec
// §4.3's "applied as implicit first/last system steps").
func parseStep[T any](r *Run, kind string, fn func(ctx context.Context) (T, error)) (T, error) {
	return attemptStep(r, r.stepName("system/"+kind), RunOpts{}, fn)
}

func attemptStep[T any](r *Run, name string, opts RunOpts, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	step, exists := r.steps[name]
	if exists {
		switch step.Status {
		case storage.StepCompleted:
			return decodeStep[T](step.Data)
		case storage.StepFailed:
			err, herr := canon.UnmarshalErrorJSON(step.Data)
			if herr != nil {
				return zero, herr
			}
			return zero, err
		case storage.StepStalled:
			if step.SleepUntil != nil && r.now().Before(*step.SleepUntil) {
				r.suspend(name)
			}
			// timer elapsed: fall through to re-attempt below.
		case storage.StepRunning, storage.StepPending:
			// crash-recovered mid-attempt: nothing external to wait on, so
			// the callback is simply re-attempted inline.
		}
	} else {
		step = r.blankStep(name, storage.StepRunning)
	}

	ctx := r.ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.Concurrency != nil {
		sem := concurrencyGate(opts.Concurrency.ID, opts.Concurrency.Limit)
		if !sem.TryAcquire(1) {
			r.suspend(name)
		}
		defer sem.Release(1)
	}

	stepCtx, span := telemetry.StartStep(ctx, r.task.ID.String(), name)
	out, err := fn(stepCtx)
	span.End()
	if err == nil && opts.Timeout > 0 && ctx.Err() == context.DeadlineExceeded {
		err = ctx.Err()
	}
	if err == nil {
		b, merr := json.Marshal(out)
		if merr != nil {
			return zero, merr
		}
		step.Status = storage.StepCompleted
		step.Data = b
		r.saveStep(step)
		return out, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		err = &TimeoutError{Op: name}
	}
	step.Runs++

	if opts.Retry != nil && shouldRetry(*opts.Retry, step.Runs, err) {
		d := computeBackoff(*opts.Retry, step.Runs)
		until := r.now().Add(d)
		step.Status = storage.StepStalled
		step.SleepUntil = &until
		r.saveStep(step)
		r.suspend(name)
	}

	step.Status = storage.StepFailed
	if b, merr := canon.MarshalErrorJSON(err); merr == nil {
		step.Data = b
	}
	r.saveStep(step)
	return zero, err
}

func decodeStep[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Sleep inserts a "system/sleep#N" step and suspends until d has elapsed
// since first encounter (spec §4.4 Job.sleep).
func Sleep(r *Run, d time.Duration) {
	name := r.stepName("system/sleep")
	step, exists := r.steps[name]
	if exists {
		if step.Status == storage.StepCompleted {
			return
		}
		if step.SleepUntil != nil && r.now().Before(*step.SleepUntil) {
			r.suspend(name)
		}
		step.Status = storage.StepCompleted
		r.saveStep(step)
		return
	}
	until := r.now().Add(d)
	step = r.blankStep(name, storage.StepStalled)
	step.SleepUntil = &until
	r.saveStep(step)
	r.suspend(name)
}

// WaitTarget names what a WaitFor call is waiting on: either a pipe id or a
// job lifecycle transition ("job/<id>/<kind>").
type WaitTarget struct {
	key string
}

// PipeTarget waits for the next (or a retroactively matching) dispatch on
// the named pipe.
func PipeTarget(pipeID string) WaitTarget { return WaitTarget{key: "pipe/" + pipeID} }

// JobEventTarget waits for a job lifecycle event, e.g. "settled", "success".
func JobEventTarget(jobID, event string) WaitTarget {
	return WaitTarget{key: "job/" + jobID + "/" + event}
}

// WaitOpts configures a WaitFor call.
type WaitOpts struct {
	Filter      any
	Timeout     time.Duration
	Retroactive bool
}

// WaitFor inserts a "system/waitFor#N" step and suspends until a matching
// event exists (spec §4.4 Job.waitFor). Default Retroactive=false: only
// events created at or after the step's own creation match (spec §9).
func WaitFor[T any](r *Run, target WaitTarget, opts WaitOpts) (T, error) {
	var zero T
	name := r.stepName("system/waitFor")
	var timeoutName string
	if opts.Timeout > 0 {
		timeoutName = r.stepName("system/waitForTimeout")
	}

	step, exists := r.steps[name]
	if !exists {
		var filterJSON []byte
		if opts.Filter != nil {
			b, err := json.Marshal(opts.Filter)
			if err != nil {
				return zero, err
			}
			filterJSON = b
		}
		retro := opts.Retroactive
		step = r.blankStep(name, storage.StepWaiting)
		step.WaitFor = pointers.String(target.key)
		step.WaitFilter = filterJSON
		step.WaitRetroactive = &retro
		step = r.saveStep(step)

		if opts.Timeout > 0 {
			until := r.now().Add(opts.Timeout)
			ts := r.blankStep(timeoutName, storage.StepPending)
			ts.SleepUntil = &until
			r.saveStep(ts)
		}
	}

	switch step.Status {
	case storage.StepCompleted:
		return decodeStep[T](step.Data)
	case storage.StepFailed:
		err, herr := canon.UnmarshalErrorJSON(step.Data)
		if herr != nil {
			return zero, herr
		}
		return zero, err
	}

	data, ok, err := r.store.ResolveEvent(r.ctx, step)
	if err != nil {
		return zero, err
	}
	if ok {
		step.Status = storage.StepCompleted
		step.Data = data
		r.steps[step.Step] = step
		return decodeStep[T](data)
	}

	// Check whether the optional sibling timeout step already elapsed; if
	// so the wait fails with a TimeoutError instead of suspending forever.
	if opts.Timeout > 0 {
		timeoutStep := r.steps[timeoutName]
		if timeoutStep != nil && timeoutStep.SleepUntil != nil && !r.now().Before(*timeoutStep.SleepUntil) {
			timeoutErr := &TimeoutError{Op: name}
			step.Status = storage.StepFailed
			if b, merr := canon.MarshalErrorJSON(timeoutErr); merr == nil {
				step.Data = b
			}
			r.saveStep(step)
			return zero, timeoutErr
		}
	}

	r.suspend(name)
	return zero, nil // unreachable: suspend never returns
}


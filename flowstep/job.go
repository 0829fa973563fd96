package flowstep

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowstep/flowstep/internal/broadcast"
	"github.com/flowstep/flowstep/internal/canon"
	"github.com/flowstep/flowstep/internal/pkg/pointers"
	"github.com/flowstep/flowstep/internal/storage"
)

// DebounceConfig cancels older non-started tasks sharing ID on a fresh
// dispatch, then schedules the new one after Delay (spec §4.3).
type DebounceConfig struct {
	ID    string
	Delay time.Duration
}

// ThrottleConfig serializes tasks sharing ID with a minimum gap between
// starts (spec §4.3/§9: rate R per unit → ms = unit/R).
type ThrottleConfig struct {
	ID     string
	MinGap time.Duration
}

// RateLimitConfig admits at most N task starts per Window across tasks
// sharing ID, newest-wins (spec §4.3).
type RateLimitConfig struct {
	ID     string
	N      int
	Window time.Duration
}

// JobConfig is the configuration surface spec §4.3/§6 enumerates.
type JobConfig[In, Out any] struct {
	ID string

	Input  Validator[In]
	Output Validator[Out]

	Priority func(In) float64

	// Timeout, set at dispatch time, cancels the task with reason
	// {type:"timeout"} once it elapses, regardless of what step the task
	// is currently blocked on.
	Timeout time.Duration

	RateLimit *RateLimitConfig
	Debounce  *DebounceConfig
	Throttle  *ThrottleConfig

	Retry *RetryPolicy

	OnStart   func(taskID string, input In)
	OnRun     func(taskID string)
	OnSuccess func(taskID string, input In, output Out)
	OnError   func(taskID string, input In, err error)
	OnCancel  func(taskID string, reason any)
	OnSettled func(taskID string)

	Fn func(r *Run, input In) (Out, error)
}

// Job is a named, typed, retryable unit of work (GLOSSARY). Generic over
// its input and output types; Go disallows generic methods, so the step
// interpreter operations that need a Job (Invoke, Dispatch, Cancel, Thread)
// are free functions in compose.go rather than methods on Job itself.
type Job[In, Out any] struct {
	cfg   JobConfig[In, Out]
	queue *Queue
}

// NewJob builds a Job from cfg. It must be registered with a Queue via
// AddJob before Dispatch/Invoke/Cancel or any interpreter op can use it.
func NewJob[In, Out any](cfg JobConfig[In, Out]) *Job[In, Out] {
	if cfg.Fn == nil {
		panic("flowstep: job " + cfg.ID + " has a nil Fn")
	}
	return &Job[In, Out]{cfg: cfg}
}

// ID returns the job's configured id.
func (j *Job[In, Out]) ID() string { return j.cfg.ID }

func (j *Job[In, Out]) bind(q *Queue) { j.queue = q }

// Dispatch upserts a task for input, returning its dedup key (spec §4.3).
// A second Dispatch for identical input while the prior task is live is a
// no-op that returns the same key.
func (j *Job[In, Out]) Dispatch(ctx context.Context, input In) (string, error) {
	task, err := j.dispatch(ctx, input, nil)
	if err != nil {
		return "", err
	}
	return task.Key, nil
}

// dispatch returns the full upserted task (not just its dedup key), so
// callers that need to keep tracking the task across its lifetime (Invoke's
// poll loop below) can key off its id directly rather than re-deriving it
// from (queue, job, key), which stops resolving once the task goes terminal
// and its live-key entry is cleared.
func (j *Job[In, Out]) dispatch(ctx context.Context, input In, parentID *string) (*storage.Task, error) {
	if j.queue == nil {
		return nil, fmt.Errorf("flowstep: job %s is not bound to a queue", j.cfg.ID)
	}
	if j.cfg.Input != nil {
		if _, err := j.cfg.Input.Parse(input); err != nil {
			return nil, &ValidatorError{Field: "input", Err: err}
		}
	}

	canonical, err := canon.Canonicalize(input)
	if err != nil {
		return nil, err
	}
	key := canon.HashString(canonical)

	params := storage.AddTaskParams{
		Queue: j.queue.id,
		Job:   j.cfg.ID,
		Key:   key,
		Input: []byte(canonical),
	}
	if j.cfg.Priority != nil {
		params.Priority = j.cfg.Priority(input)
	}
	if j.cfg.Timeout > 0 {
		deadline := j.queue.store.Now(ctx).Add(j.cfg.Timeout)
		params.TimeoutAt = &deadline
	}
	if j.cfg.RateLimit != nil {
		params.RateLimitGroup = pointers.String(j.cfg.RateLimit.ID)
		params.RateLimitN = j.cfg.RateLimit.N
		params.RateLimitWindow = j.cfg.RateLimit.Window
	}
	if j.cfg.Throttle != nil {
		params.ThrottleGroup = pointers.String(j.cfg.Throttle.ID)
		params.ThrottleMinGap = j.cfg.Throttle.MinGap
	}
	if j.cfg.Debounce != nil {
		params.DebounceGroup = pointers.String(j.cfg.Debounce.ID)
		notBefore := j.queue.store.Now(ctx).Add(j.cfg.Debounce.Delay)
		params.NotBefore = &notBefore
	}
	if parentID != nil {
		if pid, perr := parseUUID(*parentID); perr == nil {
			params.ParentID = &pid
		}
	}

	inserted, task, err := j.queue.store.AddTask(ctx, params)
	if err != nil {
		return nil, err
	}
	if inserted {
		if j.cfg.Debounce != nil {
			reason, _ := json.Marshal(map[string]any{"type": "debounce"})
			cancelled, cerr := j.queue.store.CancelDebounceGroup(ctx, j.queue.id, j.cfg.ID, j.cfg.Debounce.ID, task.ID, reason)
			if cerr == nil {
				for _, id := range cancelled {
					j.notifyCancelled(id.String(), reason)
				}
			}
		}
		j.queue.emit(broadcast.Event{Queue: j.queue.id, Job: j.cfg.ID, Kind: "trigger", TaskID: task.ID.String()})
		j.queue.poke()
	}
	return task, nil
}

// Invoke dispatches input and waits for the resulting task to settle,
// returning its output or the stored error (spec §4.3 invoke). Unlike the
// interpreter's Invoke (compose.go), this is a bare, non-memoized wait
// usable from outside any task's program function.
func (j *Job[In, Out]) Invoke(ctx context.Context, input In) (Out, error) {
	var zero Out
	task, err := j.dispatch(ctx, input, nil)
	if err != nil {
		return zero, err
	}
	return j.awaitSettled(ctx, task.ID)
}

// awaitSettled polls by the task's own id, not its (queue, job, key) dedup
// triple: resolution clears the live-key entry in the same step as setting
// a terminal status, so a lookup keyed on (queue, job, key) can never
// observe the very transition this is waiting for.
func (j *Job[In, Out]) awaitSettled(ctx context.Context, taskID uuid.UUID) (Out, error) {
	var zero Out
	ch, cancel := j.queue.notifier.Subscribe(j.cfg.ID)
	defer cancel()

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	check := func() (Out, bool, error) {
		detail, err := j.queue.store.GetTaskDetail(ctx, taskID)
		if err != nil {
			return zero, false, err
		}
		if detail == nil || !detail.Task.Status.Terminal() {
			return zero, false, nil
		}
		out, err := j.decodeTerminal(detail.Task)
		return out, true, err
	}

	if out, done, err := check(); done {
		return out, err
	}

	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-poll.C:
			if out, done, err := check(); done {
				return out, err
			}
		case ev := <-ch:
			if ev.Kind != "settled" {
				continue
			}
			if out, done, err := check(); done {
				return out, err
			}
		}
	}
}

func (j *Job[In, Out]) decodeTerminal(task *storage.Task) (Out, error) {
	var zero Out
	switch task.Status {
	case storage.TaskCompleted:
		var out Out
		if len(task.Data) > 0 {
			if err := json.Unmarshal(task.Data, &out); err != nil {
				return zero, err
			}
		}
		return out, nil
	case storage.TaskFailed:
		err, herr := canon.UnmarshalErrorJSON(task.Data)
		if herr != nil {
			return zero, herr
		}
		return zero, err
	case storage.TaskCancelled:
		var reason any
		_ = json.Unmarshal(task.Data, &reason)
		return zero, &CancelledError{Reason: reason}
	default:
		return zero, fmt.Errorf("flowstep: awaitSettled on non-terminal status %s", task.Status)
	}
}

// Cancel marks the live task for input as cancelled with reason.
func (j *Job[In, Out]) Cancel(ctx context.Context, input In, reason any) error {
	if j.queue == nil {
		return fmt.Errorf("flowstep: job %s is not bound to a queue", j.cfg.ID)
	}
	canonical, err := canon.Canonicalize(input)
	if err != nil {
		return err
	}
	key := canon.HashString(canonical)
	task, err := j.queue.store.GetTask(ctx, j.queue.id, j.cfg.ID, key)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	b, err := json.Marshal(reason)
	if err != nil {
		return err
	}
	ok, err := j.queue.store.CancelTask(ctx, task.ID, b)
	if err != nil {
		return err
	}
	if ok {
		j.notifyCancelled(task.ID.String(), b)
		j.queue.poke()
	}
	return nil
}

func (j *Job[In, Out]) notifyCancelled(taskID string, reason []byte) {
	var r any
	_ = json.Unmarshal(reason, &r)
	j.onOutcome(taskID, nil, storage.TaskCancelled, nil, nil, reason)
}

// --- runnableJob implementation (consumed by Queue.Execute) ---

func (j *Job[In, Out]) run(r *Run, rawInput []byte) ([]byte, error) {
	in, err := parseStep[In](r, "input", func(ctx context.Context) (In, error) {
		var v In
		if len(rawInput) > 0 {
			if uerr := json.Unmarshal(rawInput, &v); uerr != nil {
				return v, uerr
			}
		}
		if j.cfg.Input != nil {
			return j.cfg.Input.Parse(v)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := j.cfg.Fn(r, in)
	if err != nil {
		return nil, err
	}

	validated, err := parseStep[Out](r, "output", func(ctx context.Context) (Out, error) {
		if j.cfg.Output != nil {
			return j.cfg.Output.Parse(out)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(validated)
}

func (j *Job[In, Out]) onStart(taskID string, rawInput []byte) {
	if j.cfg.OnStart != nil {
		var in In
		_ = json.Unmarshal(rawInput, &in)
		j.cfg.OnStart(taskID, in)
	}
	j.queue.emit(broadcast.Event{Queue: j.queue.id, Job: j.cfg.ID, Kind: "start", TaskID: taskID})
	j.queue.publishJobEvent(context.Background(), j.cfg.ID, "start", rawInput, rawInput)
}

func (j *Job[In, Out]) onRun(taskID string) {
	if j.cfg.OnRun != nil {
		j.cfg.OnRun(taskID)
	}
	j.queue.emit(broadcast.Event{Queue: j.queue.id, Job: j.cfg.ID, Kind: "run", TaskID: taskID})
}

// onOutcome handles the three terminal transitions uniformly and always
// finishes by emitting "settled" exactly once, matching the lifecycle
// event set spec §4.3 enumerates.
func (j *Job[In, Out]) onOutcome(taskID string, rawInput []byte, status storage.TaskStatus, rawOutput []byte, outErr error, reason []byte) {
	ctx := context.Background()
	var settledPayload []byte

	switch status {
	case storage.TaskCompleted:
		if j.cfg.OnSuccess != nil {
			var in In
			var out Out
			_ = json.Unmarshal(rawInput, &in)
			_ = json.Unmarshal(rawOutput, &out)
			j.cfg.OnSuccess(taskID, in, out)
		}
		j.queue.emit(broadcast.Event{Queue: j.queue.id, Job: j.cfg.ID, Kind: "success", TaskID: taskID})
		settledPayload, _ = json.Marshal(map[string]any{
			"input": jsonRawOrNull(rawInput), "status": "completed", "result": jsonRawOrNull(rawOutput),
		})
		j.queue.publishJobEvent(ctx, j.cfg.ID, "success", rawInput, settledPayload)

	case storage.TaskFailed:
		if j.cfg.OnError != nil {
			var in In
			_ = json.Unmarshal(rawInput, &in)
			j.cfg.OnError(taskID, in, outErr)
		}
		j.queue.emit(broadcast.Event{Queue: j.queue.id, Job: j.cfg.ID, Kind: "error", TaskID: taskID, Data: outErr})
		errJSON, _ := canon.MarshalErrorJSON(outErr)
		settledPayload, _ = json.Marshal(map[string]any{
			"input": jsonRawOrNull(rawInput), "status": "failed", "error": jsonRawOrNull(errJSON),
		})
		j.queue.publishJobEvent(ctx, j.cfg.ID, "error", rawInput, settledPayload)

	case storage.TaskCancelled:
		if j.cfg.OnCancel != nil {
			var r any
			_ = json.Unmarshal(reason, &r)
			j.cfg.OnCancel(taskID, r)
		}
		j.queue.emit(broadcast.Event{Queue: j.queue.id, Job: j.cfg.ID, Kind: "cancel", TaskID: taskID})
		settledPayload, _ = json.Marshal(map[string]any{
			"input": jsonRawOrNull(rawInput), "status": "cancelled", "reason": jsonRawOrNull(reason),
		})
		j.queue.publishJobEvent(ctx, j.cfg.ID, "cancel", rawInput, settledPayload)
	}

	if j.cfg.OnSettled != nil {
		j.cfg.OnSettled(taskID)
	}
	j.queue.emit(broadcast.Event{Queue: j.queue.id, Job: j.cfg.ID, Kind: "settled", TaskID: taskID})
	j.queue.publishJobEvent(ctx, j.cfg.ID, "settled", rawInput, settledPayload)
}

func jsonRawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

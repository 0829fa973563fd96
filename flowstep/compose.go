package flowstep

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowstep/flowstep/internal/canon"
)

// Dispatch inserts a sibling task for job as a memoized system step, so a
// re-run of the calling task does not dispatch twice (spec §4.4
// Job.dispatch). Returns the dispatched task's dedup key.
func Dispatch[In, Out any](r *Run, job *Job[In, Out], input In) (string, error) {
	taskID := r.task.ID.String()
	return parseStep[string](r, "dispatch", func(ctx context.Context) (string, error) {
		task, err := job.dispatch(ctx, input, &taskID)
		if err != nil {
			return "", err
		}
		return task.Key, nil
	})
}

// Cancel marks job's task for input cancelled with reason, as a memoized
// system step (spec §4.4 Job.cancel).
func Cancel[In, Out any](r *Run, job *Job[In, Out], input In, reason any) error {
	_, err := parseStep[struct{}](r, "cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, job.Cancel(ctx, input, reason)
	})
	return err
}

// InvokeOpts configures Invoke.
type InvokeOpts struct {
	Timeout time.Duration
}

// settledEnvelope is the payload shape appended to "job/<id>/settled"
// events by Job.onOutcome; Invoke decodes it to recover the typed result
// or reconstruct the stored failure.
type settledEnvelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	Reason json.RawMessage `json:"reason"`
}

// Invoke composes Dispatch with a WaitFor on the target job's "settled"
// lifecycle event, filtered by canonical input, extracting the result or
// rethrowing the stored error (spec §4.4 Job.invoke).
func Invoke[In, Out any](r *Run, job *Job[In, Out], input In, opts InvokeOpts) (Out, error) {
	var zero Out

	if _, err := Dispatch(r, job, input); err != nil {
		return zero, err
	}

	canonical, err := canon.Canonicalize(input)
	if err != nil {
		return zero, err
	}
	var filterValue any
	_ = json.Unmarshal([]byte(canonical), &filterValue)

	env, err := WaitFor[settledEnvelope](r, JobEventTarget(job.ID(), "settled"), WaitOpts{
		Filter:  filterValue,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return zero, err
	}

	switch env.Status {
	case "completed":
		var out Out
		if len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, &out); err != nil {
				return zero, err
			}
		}
		return out, nil
	case "failed":
		decErr, herr := canon.UnmarshalErrorJSON(env.Error)
		if herr != nil {
			return zero, herr
		}
		return zero, decErr
	case "cancelled":
		var reason any
		_ = json.Unmarshal(env.Reason, &reason)
		return zero, &CancelledError{Reason: reason}
	default:
		return zero, nil
	}
}

// Thread is RunStep, but fn runs on its own goroutine and the call returns
// as soon as its context is done (the queue closing, or opts.Timeout
// elapsing), even while fn is still running (spec §4.4 Job.thread).
// Cancelling the enclosing task does not cancel that context, so it does
// not interrupt the worker. The call is still memoized and still blocks the
// program function until fn returns or the context is cancelled — it opts
// into off-thread execution, not off-step concurrency within one task.
func Thread[T any](r *Run, id string, opts RunOpts, fn func(ctx context.Context) (T, error)) (T, error) {
	return attemptStep(r, r.stepName("user/"+id), opts, func(ctx context.Context) (T, error) {
		type result struct {
			val T
			err error
		}
		done := make(chan result, 1)
		go func() {
			v, err := fn(ctx)
			done <- result{val: v, err: err}
		}()
		select {
		case res := <-done:
			return res.val, res.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	})
}

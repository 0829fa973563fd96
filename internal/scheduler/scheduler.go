// Package scheduler implements the per-queue driver loop of spec §4.6: pull
// the next runnable task, hand it to an Executor, and otherwise wait on the
// nearest future timer or an external wake signal. It knows nothing about
// jobs, program functions, or the step interpreter — those live in the
// flowstep package, which implements Executor and is the only caller of
// NewLoop. Keeping the dependency one-directional (flowstep imports
// scheduler, never the reverse) is what lets this package stay a clean,
// reusable driver grounded on the teacher's Worker.Start poll-claim-dispatch
// shape (internal/jobs/worker/worker.go) instead of being bound to this
// engine's task semantics.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowstep/flowstep/internal/broadcast"
	"github.com/flowstep/flowstep/internal/logging"
	"github.com/flowstep/flowstep/internal/storage"
	"github.com/flowstep/flowstep/internal/telemetry"
)

// Executor runs one claimed task to either suspension or a terminal
// resolution. It is responsible for writing the outcome back to storage
// (RequeueTask/ResolveTask) and for any lifecycle emission; the loop only
// needs to know whether the attempt failed at the infrastructure level.
type Executor interface {
	Execute(ctx context.Context, task *storage.Task, steps []*storage.Step) error
}

// Loop is a single queue's driver goroutine.
type Loop struct {
	queue string
	store storage.Storage
	exec  Executor
	poker broadcast.Poker
	log   *logging.Logger

	heartbeatEvery time.Duration
	pollFallback   time.Duration
	errorBackoff   time.Duration
}

// Option customizes a Loop's timing away from its defaults.
type Option func(*Loop)

// WithHeartbeat overrides how often a running task's heartbeat is refreshed.
func WithHeartbeat(d time.Duration) Option { return func(l *Loop) { l.heartbeatEvery = d } }

// WithPollFallback overrides the maximum time the loop sleeps when
// NextFutureTask reports no timer at all (belt-and-suspenders against a
// missed poke).
func WithPollFallback(d time.Duration) Option { return func(l *Loop) { l.pollFallback = d } }

// NewLoop builds a Loop for queue, defaulting heartbeat to 15s and the poll
// fallback to 5s (mirroring the teacher's 1s tick, widened since this
// engine's poker makes most wakes event-driven rather than poll-driven).
func NewLoop(queue string, store storage.Storage, exec Executor, poker broadcast.Poker, log *logging.Logger, opts ...Option) *Loop {
	l := &Loop{
		queue:          queue,
		store:          store,
		exec:           exec,
		poker:          poker,
		log:            log,
		heartbeatEvery: 15 * time.Second,
		pollFallback:   5 * time.Second,
		errorBackoff:   1 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run drives the loop until ctx is cancelled, implementing spec §4.6's
// pseudocode: claim, execute, or wait for the next wake signal.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := l.store.StartNextTask(ctx, l.queue)
		if err != nil {
			l.log.Error("scheduler: startNextTask failed", "queue", l.queue, "error", err)
			l.wait(ctx, l.errorBackoff)
			continue
		}
		if res == nil {
			l.waitForWork(ctx)
			continue
		}

		l.runTask(ctx, res)
		// Whether or not HasMore, the next loop iteration re-checks
		// StartNextTask directly; hasMore is only a latency hint callers
		// could use to skip a wait, which this loop does implicitly by
		// looping back to the top immediately.
	}
}

func (l *Loop) runTask(ctx context.Context, res *storage.StartNextTaskResult) {
	stop := l.startHeartbeat(ctx, res.Task.ID)
	defer stop()

	ctx, span := telemetry.StartTask(ctx, l.queue, res.Task.Job, res.Task.ID.String())
	defer span.End()

	l.log.Debug("scheduler: executing task", "queue", l.queue, "task_id", res.Task.ID, "job", res.Task.Job, "runs", res.Task.Runs)
	if err := l.exec.Execute(ctx, res.Task, res.Steps); err != nil {
		l.log.Error("scheduler: execute failed", "queue", l.queue, "task_id", res.Task.ID, "error", err)
	}
}

func (l *Loop) startHeartbeat(ctx context.Context, taskID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(l.heartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := l.store.Heartbeat(ctx, taskID); err != nil {
					l.log.Warn("scheduler: heartbeat failed", "task_id", taskID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (l *Loop) waitForWork(ctx context.Context) {
	d := l.pollFallback
	if next, err := l.store.NextFutureTask(ctx, l.queue); err == nil && next != nil && *next < d {
		d = *next
	}
	if d < 0 {
		d = 0
	}
	l.wait(ctx, d)
}

func (l *Loop) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-l.poker.Chan(l.queue):
	}
}

package flowstep

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flowstep/flowstep/internal/broadcast"
	"github.com/flowstep/flowstep/internal/canon"
	"github.com/flowstep/flowstep/internal/logging"
	"github.com/flowstep/flowstep/internal/scheduler"
	"github.com/flowstep/flowstep/internal/storage"
)

// runnableJob is the type-erased surface Queue needs to drive a Job[In,Out]
// without itself being generic over In/Out. Job implements it; the
// interpreter-facing generic operations (Dispatch, Invoke, Cancel, Thread
// in compose.go) still operate on the concrete *Job[In, Out] the caller
// holds, so callers never see this interface.
type runnableJob interface {
	ID() string
	run(r *Run, rawInput []byte) ([]byte, error)
	onStart(taskID string, rawInput []byte)
	onRun(taskID string)
	onOutcome(taskID string, rawInput []byte, status storage.TaskStatus, rawOutput []byte, outErr error, reason []byte)
}

// QueueConfig configures a Queue (spec §4.7/§6 "new Queue(...)").
type QueueConfig struct {
	ID      string
	Storage storage.Storage

	// Notifier and Poker default to in-process implementations
	// (broadcast.NewLocal/NewLocalPoker) if left nil; supply
	// redisbus.Poker to coordinate multiple processes.
	Notifier broadcast.Notifier
	Poker    broadcast.Poker
	Log      *logging.Logger
}

// Queue is the top-level container spec §4.7 describes: it owns the jobs
// and pipes maps, the storage, and the single-queue scheduler loop.
type Queue struct {
	id    string
	store storage.Storage
	log   *logging.Logger

	notifier broadcast.Notifier
	poker    broadcast.Poker

	mu    sync.RWMutex
	jobs  map[string]runnableJob
	pipes map[string]struct{}

	loop *scheduler.Loop

	group     *errgroup.Group
	groupCtx  context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
}

// NewQueue builds a Queue bound to cfg.Storage under cfg.ID.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Storage == nil {
		panic("flowstep: queue " + cfg.ID + " requires Storage")
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = broadcast.NewLocal()
	}
	poker := cfg.Poker
	if poker == nil {
		poker = broadcast.NewLocalPoker()
	}
	q := &Queue{
		id:       cfg.ID,
		store:    cfg.Storage,
		log:      cfg.Log,
		notifier: notifier,
		poker:    poker,
		jobs:     make(map[string]runnableJob),
		pipes:    make(map[string]struct{}),
	}
	q.loop = scheduler.NewLoop(q.id, q.store, q, q.poker, q.log)
	return q
}

// AddJob registers job with q, binding it so its Dispatch/Invoke/Cancel and
// the interpreter-facing free functions can resolve q's storage/notifier.
// A free function, not a method: Go does not allow a generic method to
// introduce type parameters beyond its receiver's.
func AddJob[In, Out any](q *Queue, job *Job[In, Out]) *Queue {
	job.bind(q)
	q.mu.Lock()
	q.jobs[job.ID()] = job
	q.mu.Unlock()
	return q
}

// AddPipe registers pipe with q.
func AddPipe[T any](q *Queue, pipe *Pipe[T]) *Queue {
	pipe.bind(q)
	q.mu.Lock()
	q.pipes[pipe.ID()] = struct{}{}
	q.mu.Unlock()
	return q
}

func (q *Queue) emit(e broadcast.Event) { q.notifier.Emit(e) }
func (q *Queue) poke()                  { q.poker.Poke(q.id) }

func (q *Queue) publishJobEvent(ctx context.Context, jobID, kind string, input, data []byte) {
	key := "job/" + jobID + "/" + kind
	if _, err := q.store.RecordEvent(ctx, q.id, key, input, data); err != nil {
		q.log.Warn("queue: failed to record lifecycle event", "queue", q.id, "key", key, "error", err)
	}
}

// Start launches the scheduler loop in the background. Safe to call once;
// subsequent calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		gctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(gctx)
		q.group = g
		q.groupCtx = gctx
		q.cancel = cancel
		g.Go(func() error { return q.loop.Run(gctx) })
	})
}

// Close stops the scheduler loop. Because the model is single-threaded
// cooperative execution per queue (spec §5), the in-flight task (if any)
// has already returned to storage in pending/stalled/waiting by the time
// Run's select loop observes cancellation — there is no separate drain
// step needed beyond letting the current StartNextTask/Execute cycle
// finish, which errgroup's Wait does here.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		if q.cancel == nil {
			return
		}
		q.cancel()
		if q.group != nil {
			if werr := q.group.Wait(); werr != nil && werr != context.Canceled {
				err = werr
			}
		}
	})
	return err
}

// Execute implements scheduler.Executor: it installs a *Run bound to task
// and steps, runs the job's program function, and writes back the
// resulting suspend/resolve outcome (spec §4.6).
func (q *Queue) Execute(ctx context.Context, task *storage.Task, steps []*storage.Step) error {
	q.mu.RLock()
	job, ok := q.jobs[task.Job]
	q.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("flowstep: no job registered for %q", task.Job)
		errJSON, _ := canon.MarshalErrorJSON(err)
		_ = q.store.ResolveTask(ctx, task.ID, storage.TaskFailed, errJSON)
		return err
	}

	taskID := task.ID.String()

	// A task whose task-wide Timeout has elapsed is cancelled here rather
	// than run: StartNextTask surfaces it past its deadline regardless of
	// what step it was blocked on, so this is the first point the engine
	// can observe the expiry and act on it (spec's task-wide timeout,
	// mirrored on WaitFor's own per-call timeout check in run.go).
	if task.TimeoutAt != nil && !task.TimeoutAt.After(q.store.Now(ctx)) {
		reason, _ := json.Marshal(map[string]any{"type": "timeout"})
		ok, err := q.store.CancelTask(ctx, task.ID, reason)
		if err != nil {
			return err
		}
		if ok {
			job.onOutcome(taskID, task.Input, storage.TaskCancelled, nil, nil, reason)
		}
		return nil
	}

	if task.Runs <= 1 {
		job.onStart(taskID, task.Input)
	}
	job.onRun(taskID)

	r := newRun(ctx, q.store, q.log, q.id, task, steps)

	var output []byte
	var runErr error
	suspended := false

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				if IsInterrupt(rec) {
					suspended = true
					return
				}
				runErr = fmt.Errorf("flowstep: panic: %v", rec)
			}
		}()
		output, runErr = job.run(r, task.Input)
	}()

	if suspended {
		q.log.Debug("queue: task suspended", "queue", q.id, "task_id", taskID, "job", task.Job)
		return q.store.RequeueTask(ctx, task.ID)
	}

	if runErr != nil {
		errJSON, merr := canon.MarshalErrorJSON(runErr)
		if merr != nil {
			return merr
		}
		if err := q.store.ResolveTask(ctx, task.ID, storage.TaskFailed, errJSON); err != nil {
			return err
		}
		job.onOutcome(taskID, task.Input, storage.TaskFailed, nil, runErr, nil)
		return nil
	}

	if err := q.store.ResolveTask(ctx, task.ID, storage.TaskCompleted, output); err != nil {
		return err
	}
	job.onOutcome(taskID, task.Input, storage.TaskCompleted, output, nil, nil)
	return nil
}

// Package storage defines the durable substrate behind the engine: tasks,
// steps, and events, plus the atomic queries a scheduler needs to pick the
// next runnable task and resolve waits against incoming events (spec §4.5).
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is one of the lifecycle states a Task can be in (spec §3).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskStalled   TaskStatus = "stalled"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s is one of the task's terminal statuses.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// StepStatus is one of the lifecycle states a Step can be in (spec §3).
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepPending   StepStatus = "pending"
	StepStalled   StepStatus = "stalled"
	StepWaiting   StepStatus = "waiting"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Task is one attempted execution of a job for a specific input.
//
// The Debounce/Throttle/RateLimit fields carry the concurrency-control
// configuration (spec §4.3/§5) resolved at dispatch time by the Job layer,
// so Storage can evaluate admission purely from stored columns without a
// callback into job configuration.
type Task struct {
	ID        uuid.UUID
	ParentID  *uuid.UUID
	Queue     string
	Job       string
	Key       string
	Input     []byte // canonical JSON
	Status    TaskStatus
	Runs      int
	Started   bool
	StartedAt *time.Time
	Priority  float64
	CreatedAt time.Time
	UpdatedAt time.Time
	Data      []byte // final result or serialized error, JSON

	// NotBefore, when set, makes the task ineligible to start until this
	// instant — used for debounce's "schedule after ms" delay.
	NotBefore *time.Time

	// TimeoutAt, when set, is the instant at which the task is cancelled
	// with reason {type:"timeout"} regardless of what step it is currently
	// blocked on (resolved from the job's configured task-wide Timeout at
	// dispatch time).
	TimeoutAt *time.Time

	// DebounceGroup scopes which other tasks get cancelled by a later
	// dispatch sharing the same group (queue+job+debounce.id).
	DebounceGroup *string

	// ThrottleGroup/ThrottleMinGap enforce minimum spacing between starts
	// of tasks sharing the group (queue+throttle.id, across jobs).
	ThrottleGroup  *string
	ThrottleMinGap time.Duration

	// RateLimitGroup/RateLimitN/RateLimitWindow enforce "N starts per
	// window" admission across tasks sharing the group.
	RateLimitGroup *string
	RateLimitN     int
	RateLimitWindow time.Duration
}

// Step is a memoized suspension point within one task.
type Step struct {
	ID              uuid.UUID
	TaskID          uuid.UUID
	Queue           string
	Job             string
	Key             string
	Step            string // "user/<id>#<ordinal>" or "system/<kind>#<ordinal>"
	Status          StepStatus
	Runs            int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SleepUntil      *time.Time
	WaitFor         *string
	WaitFilter      []byte // structural JSON matcher
	WaitRetroactive *bool
	Data            []byte // result or error, JSON
}

// Event is a durable, append-only entry on a pipe or a job lifecycle
// transition.
type Event struct {
	ID        uuid.UUID
	Queue     string
	Key       string // "pipe/<id>" or "job/<id>/<kind>"
	CreatedAt time.Time
	Input     []byte // match payload
	Data      []byte // delivery payload
}

// AddTaskParams is the input to AddTask.
type AddTaskParams struct {
	Queue    string
	Job      string
	Key      string
	Input    []byte
	ParentID *uuid.UUID
	Priority float64

	NotBefore *time.Time
	TimeoutAt *time.Time

	DebounceGroup *string

	ThrottleGroup  *string
	ThrottleMinGap time.Duration

	RateLimitGroup  *string
	RateLimitN      int
	RateLimitWindow time.Duration
}

// StartNextTaskResult is what StartNextTask returns when a task was claimed.
type StartNextTaskResult struct {
	Task    *Task
	Steps   []*Step
	HasMore bool
}

// TaskDetail bundles a task with its full step and event history, the shape
// the admin read surface (spec §6) returns.
type TaskDetail struct {
	Task   *Task
	Steps  []*Step
	Events []*Event
}

// Storage is the full set of operations spec §4.5 requires. A single
// behavioral interface, backed by an embedded relational store; gormstore
// and memstore both implement it.
type Storage interface {
	// GetTask returns the live task for (queue, job, key), or nil if none.
	GetTask(ctx context.Context, queue, job, key string) (*Task, error)

	// AddTask inserts a task, no-op on conflict of the unique (queue, job,
	// key) while a prior task with that key is still live. Returns the
	// inserted flag and the resulting (possibly pre-existing) task.
	AddTask(ctx context.Context, p AddTaskParams) (inserted bool, task *Task, err error)

	// CancelDebounceGroup cancels every non-started task sharing
	// (queue, job, group) other than exceptID, storing reason as their
	// data payload. Returns the cancelled task ids.
	CancelDebounceGroup(ctx context.Context, queue, job, group string, exceptID uuid.UUID, reason []byte) ([]uuid.UUID, error)

	// StartNextTask atomically selects the highest-priority pending task
	// none of whose steps are blocking (see the blocking predicate) and
	// whose debounce/throttle/rate-limit gates admit it, transitions it to
	// running, and returns its step rows plus whether another task is
	// immediately ready. A task whose TimeoutAt has elapsed is selected
	// regardless of any blocking step or gate, so its caller can observe and
	// cancel it. Returns nil if none is ready.
	StartNextTask(ctx context.Context, queue string) (*StartNextTaskResult, error)

	// NextFutureTask returns the duration until the nearest future wake
	// (a stalled step's sleep_until, a debounce NotBefore, or a task's
	// TimeoutAt), or nil if there is none. Throttle and rate-limit slots are
	// not included.
	NextFutureTask(ctx context.Context, queue string) (*time.Duration, error)

	// ResolveTask performs a terminal write: status is one of completed,
	// failed, or cancelled, and data carries the result or serialized
	// error.
	ResolveTask(ctx context.Context, taskID uuid.UUID, status TaskStatus, data []byte) error

	// RequeueTask moves a running task back to pending because its program
	// function returned with steps still outstanding.
	RequeueTask(ctx context.Context, taskID uuid.UUID) error

	// CancelTask marks a live (non-terminal) task cancelled, storing reason
	// as its data payload. Returns false if the task was already terminal.
	CancelTask(ctx context.Context, taskID uuid.UUID, reason []byte) (bool, error)

	// Heartbeat refreshes the liveness marker on a running task so the
	// maintenance reaper does not reclaim it.
	Heartbeat(ctx context.Context, taskID uuid.UUID) error

	// ReclaimStale moves every running task in queue whose last heartbeat
	// is older than olderThan back to pending, for a worker that crashed or
	// was killed mid-execution. Returns the number of tasks reclaimed.
	ReclaimStale(ctx context.Context, queue string, olderThan time.Duration) (int, error)

	// PruneTerminal deletes terminal (completed/failed/cancelled) tasks in
	// queue, and their steps, whose UpdatedAt is older than olderThan.
	// Returns the number of tasks deleted.
	PruneTerminal(ctx context.Context, queue string, olderThan time.Duration) (int, error)

	// RecordStep upserts a step on its unique (task_id, step) key and
	// returns the stored row.
	RecordStep(ctx context.Context, step *Step) (*Step, error)

	// RecordEvent appends an event to (queue, key).
	RecordEvent(ctx context.Context, queue, key string, input, data []byte) (*Event, error)

	// ResolveEvent atomically finds, among the events satisfying step's
	// wait_for/wait_filter/wait_retroactive, the one created nearest in time
	// to the step's own creation; on a match it sets the step to
	// completed with that event's data and returns (data, true). No match
	// returns (nil, false).
	ResolveEvent(ctx context.Context, step *Step) (data []byte, ok bool, err error)

	// --- admin read-only surface (spec §6), plain Go methods, no HTTP ---

	ListQueues(ctx context.Context) ([]string, error)
	ListJobsForQueue(ctx context.Context, queue string) ([]string, error)
	ListTasksForJob(ctx context.Context, queue, job string) ([]*Task, error)
	GetTaskDetail(ctx context.Context, taskID uuid.UUID) (*TaskDetail, error)
	Now(ctx context.Context) time.Time

	// Close releases the underlying connection, if this Storage owns it.
	Close() error
}

package flowstep

import (
	"context"
	"fmt"

	"github.com/flowstep/flowstep/internal/broadcast"
	"github.com/flowstep/flowstep/internal/canon"
)

// PipeConfig configures a Pipe.
type PipeConfig[T any] struct {
	ID    string
	Input Validator[T]
}

// Pipe is a named, typed event stream durably appended to by Dispatch (spec
// §4.2, GLOSSARY). Like Job, it is generic, so the interpreter-side
// memoized dispatch/waitFor operations live as free functions in this
// file rather than generic methods.
type Pipe[T any] struct {
	cfg   PipeConfig[T]
	queue *Queue
}

// NewPipe builds a Pipe from cfg. It must be registered with a Queue via
// AddPipe before Dispatch or any interpreter op can use it.
func NewPipe[T any](cfg PipeConfig[T]) *Pipe[T] { return &Pipe[T]{cfg: cfg} }

// ID returns the pipe's configured id.
func (p *Pipe[T]) ID() string { return p.cfg.ID }

func (p *Pipe[T]) bind(q *Queue) { p.queue = q }

func (p *Pipe[T]) key() string { return "pipe/" + p.cfg.ID }

// Dispatch records an event on the pipe and returns immediately (spec
// §4.2). Safe to call from outside a job; for a memoized call from inside
// a job's program function use the free DispatchPipe function instead.
func (p *Pipe[T]) Dispatch(ctx context.Context, input T) error {
	if p.queue == nil {
		return fmt.Errorf("flowstep: pipe %s is not bound to a queue", p.cfg.ID)
	}
	if p.cfg.Input != nil {
		if _, err := p.cfg.Input.Parse(input); err != nil {
			return &ValidatorError{Field: "input", Err: err}
		}
	}
	canonical, err := canon.Canonicalize(input)
	if err != nil {
		return err
	}
	if _, err := p.queue.store.RecordEvent(ctx, p.queue.id, p.key(), []byte(canonical), []byte(canonical)); err != nil {
		return err
	}
	p.queue.emit(broadcast.Event{Queue: p.queue.id, Job: p.cfg.ID, Kind: "pipe", Data: input})
	p.queue.poke()
	return nil
}

// DispatchPipe is Pipe.Dispatch wrapped as a memoized system step, for use
// from inside a job's program function (spec §4.2: "when called inside a
// job, it is auto-wrapped as a memoized system step"), so a re-run of the
// task does not append the event a second time.
func DispatchPipe[T any](r *Run, p *Pipe[T], input T) error {
	_, err := parseStep[struct{}](r, "dispatch", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.Dispatch(ctx, input)
	})
	return err
}

// WaitForPipe suspends until a matching event is dispatched on p,
// resolving with the event's decoded payload (spec §4.4 Job.waitFor).
func WaitForPipe[T any](r *Run, p *Pipe[T], opts WaitOpts) (T, error) {
	return WaitFor[T](r, PipeTarget(p.cfg.ID), opts)
}

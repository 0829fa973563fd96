// Package maintenance runs the two periodic sweeps a long-lived queue needs
// beyond its scheduler loop: reclaiming tasks abandoned by a worker that
// died mid-execution, and pruning terminal rows past a retention window.
// Both are generalized from the teacher's staleRunning handling inside
// ClaimNextRunnable/Worker.Start, which inlined a single heartbeat check
// into the claim query; here they run on their own cron schedule so a
// crashed worker's tasks aren't stuck until some other task happens to
// poll the same queue.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowstep/flowstep/internal/logging"
	"github.com/flowstep/flowstep/internal/storage"
)

// Config controls one Sweeper's schedules and thresholds.
type Config struct {
	Queues []string

	// StaleAfter is how long a running task may go without a heartbeat
	// before it is presumed abandoned and reclaimed to pending.
	StaleAfter time.Duration

	// RetainFor is how long a terminal task (and its steps) is kept before
	// PruneTerminal deletes it.
	RetainFor time.Duration

	// ReclaimSchedule and PruneSchedule are cron specs (robfig/cron/v3
	// syntax, including "@every 1m" style); defaulted if empty.
	ReclaimSchedule string
	PruneSchedule   string
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.RetainFor <= 0 {
		c.RetainFor = 7 * 24 * time.Hour
	}
	if c.ReclaimSchedule == "" {
		c.ReclaimSchedule = "@every 1m"
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "@every 1h"
	}
	return c
}

// Sweeper owns a cron scheduler driving ReclaimStale and PruneTerminal
// across a fixed set of queues.
type Sweeper struct {
	store storage.Storage
	log   *logging.Logger
	cfg   Config
	cron  *cron.Cron
}

// New builds a Sweeper. Call Start to begin running its schedules.
func New(store storage.Storage, log *logging.Logger, cfg Config) *Sweeper {
	return &Sweeper{
		store: store,
		log:   log,
		cfg:   cfg.withDefaults(),
		cron:  cron.New(),
	}
}

// Start registers both sweeps and begins the cron scheduler's own
// goroutine. Returns an error only if a schedule spec fails to parse.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.ReclaimSchedule, s.reclaimOnce); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.PruneSchedule, s.pruneOnce); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) reclaimOnce() {
	ctx := context.Background()
	for _, q := range s.cfg.Queues {
		n, err := s.store.ReclaimStale(ctx, q, s.cfg.StaleAfter)
		if err != nil {
			s.log.Error("maintenance: reclaim failed", "queue", q, "error", err)
			continue
		}
		if n > 0 {
			s.log.Info("maintenance: reclaimed stale tasks", "queue", q, "count", n)
		}
	}
}

func (s *Sweeper) pruneOnce() {
	ctx := context.Background()
	for _, q := range s.cfg.Queues {
		n, err := s.store.PruneTerminal(ctx, q, s.cfg.RetainFor)
		if err != nil {
			s.log.Error("maintenance: prune failed", "queue", q, "error", err)
			continue
		}
		if n > 0 {
			s.log.Info("maintenance: pruned terminal tasks", "queue", q, "count", n)
		}
	}
}

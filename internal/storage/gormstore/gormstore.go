// Package gormstore is the relational Storage implementation: GORM over
// Postgres or SQLite, modeled directly on the teacher's
// internal/data/repos/jobs.JobRunRepo — in particular ClaimNextRunnable's
// SELECT ... FOR UPDATE SKIP LOCKED transaction, generalized from one
// job-run row to the engine's task/step/event tables and the full
// concurrency-control gate (debounce/throttle/rate-limit/priority) spec §5
// requires.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowstep/flowstep/internal/canon"
	"github.com/flowstep/flowstep/internal/logging"
	"github.com/flowstep/flowstep/internal/storage"
)

// Store is a GORM-backed Storage implementation.
type Store struct {
	db       *gorm.DB
	log      *logging.Logger
	ownsConn bool
}

// Open wraps an already-configured *gorm.DB. ownsConn controls whether Close
// closes the underlying connection; the engine "tolerates an externally
// managed database" per spec §6 and never closes one it did not open.
func Open(db *gorm.DB, log *logging.Logger, ownsConn bool) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gormstore: nil db")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("gormstore: automigrate: %w", err)
	}
	return &Store{db: db, log: log.With("component", "gormstore"), ownsConn: ownsConn}, nil
}

func (s *Store) Close() error {
	if !s.ownsConn {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Now(ctx context.Context) time.Time { return time.Now() }

func (s *Store) GetTask(ctx context.Context, queue, job, key string) (*storage.Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).
		Where("queue = ? AND job = ? AND \"key\" = ? AND live = ?", queue, job, key, true).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toTask(&row), nil
}

func (s *Store) AddTask(ctx context.Context, p storage.AddTaskParams) (bool, *storage.Task, error) {
	var inserted bool
	var result *taskRow

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing taskRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("queue = ? AND job = ? AND \"key\" = ? AND live = ?", p.Queue, p.Job, p.Key, true).
			Order("created_at DESC").
			First(&existing).Error
		if err == nil {
			result = &existing
			inserted = false
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		row := fromAddParams(p)
		row.ID = uuid.New()
		now := time.Now()
		row.CreatedAt = now
		row.UpdatedAt = now
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		result = row
		inserted = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return inserted, toTask(result), nil
}

func (s *Store) CancelDebounceGroup(ctx context.Context, queue, job, group string, exceptID uuid.UUID, reason []byte) ([]uuid.UUID, error) {
	var rows []taskRow
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("queue = ? AND job = ? AND debounce_group = ? AND id <> ? AND started = ? AND live = ?",
				queue, job, group, exceptID, false, true).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return tx.Model(&taskRow{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     string(storage.TaskCancelled),
				"data":       datatypes.JSON(reason),
				"live":       false,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out, nil
}

// blockingTaskIDs returns the ids of pending tasks in queue whose steps
// currently block them (spec §4.5's blocking predicate), evaluated with the
// same transaction's view of the world.
func blockingTaskIDs(tx *gorm.DB, queue string, now time.Time) (map[uuid.UUID]bool, error) {
	var rows []stepRow
	if err := tx.Where("queue = ? AND (status = ? OR status = ? OR status = ?)",
		queue, string(storage.StepStalled), string(storage.StepWaiting), string(storage.StepRunning)).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	blocked := map[uuid.UUID]bool{}
	for _, st := range rows {
		switch storage.StepStatus(st.Status) {
		case storage.StepRunning:
			blocked[st.TaskID] = true
		case storage.StepStalled:
			if st.SleepUntil != nil && st.SleepUntil.After(now) {
				blocked[st.TaskID] = true
			}
		case storage.StepWaiting:
			ok, err := eventExistsForStep(tx, toStep(&st))
			if err != nil {
				return nil, err
			}
			if !ok {
				blocked[st.TaskID] = true
			}
		}
	}
	return blocked, nil
}

// eventExistsForStep reports whether any event currently satisfies step's
// wait_for/wait_filter/wait_retroactive. The SQL reference implementation
// walks json_tree(filter) against json_extract(event.input, fullKey); this
// implementation narrows candidates via SQL (queue, key, retroactive cutoff)
// and applies the identical canon.MatchFilter matcher in Go, avoiding a
// Postgres/SQLite dialect fork for JSON path predicates.
func eventExistsForStep(tx *gorm.DB, step *storage.Step) (bool, error) {
	if step.WaitFor == nil {
		return false, nil
	}
	q := tx.Model(&eventRow{}).Where("queue = ? AND \"key\" = ?", step.Queue, *step.WaitFor)
	if step.WaitRetroactive == nil || !*step.WaitRetroactive {
		q = q.Where("created_at >= ?", step.CreatedAt)
	}
	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return false, err
	}
	filter, err := decodeFilter(step.WaitFilter)
	if err != nil {
		return false, err
	}
	for _, ev := range rows {
		input, err := decodeFilter(ev.Input)
		if err != nil {
			return false, err
		}
		if canon.MatchFilter(filter, input) {
			return true, nil
		}
	}
	return false, nil
}

func decodeFilter(raw datatypes.JSON) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) StartNextTask(ctx context.Context, queue string) (*storage.StartNextTaskResult, error) {
	var out *storage.StartNextTaskResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		blocked, err := blockingTaskIDs(tx, queue, now)
		if err != nil {
			return err
		}

		var candidates []taskRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ? AND status = ?", queue, string(storage.TaskPending)).
			Where("(not_before IS NULL OR not_before <= ?) OR (timeout_at IS NOT NULL AND timeout_at <= ?)", now, now).
			Order("priority DESC, created_at ASC").
			Find(&candidates).Error; err != nil {
			return err
		}

		var eligible []taskRow
		for _, c := range candidates {
			// A task whose deadline has passed is always eligible,
			// bypassing its own blocking steps and admission gates, so its
			// executor gets a chance to observe and cancel it with a
			// timeout reason instead of leaving it stuck behind a sleep or
			// wait that may never resolve.
			if c.TimeoutAt != nil && !c.TimeoutAt.After(now) {
				eligible = append(eligible, c)
				continue
			}
			if blocked[c.ID] {
				continue
			}
			ready, err := gateReady(tx, &c, now)
			if err != nil {
				return err
			}
			if ready {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) == 0 {
			return nil
		}
		chosen := eligible[0]

		updates := map[string]any{
			"status":     string(storage.TaskRunning),
			"runs":       chosen.Runs + 1,
			"updated_at": now,
		}
		if !chosen.Started {
			updates["started"] = true
			updates["started_at"] = now
		}
		if err := tx.Model(&taskRow{}).Where("id = ?", chosen.ID).Updates(updates).Error; err != nil {
			return err
		}
		chosen.Status = string(storage.TaskRunning)
		chosen.Runs++
		if !chosen.Started {
			chosen.Started = true
			t := now
			chosen.StartedAt = &t
		}

		var steps []stepRow
		if err := tx.Where("task_id = ?", chosen.ID).Order("created_at ASC").Find(&steps).Error; err != nil {
			return err
		}
		stepPtrs := make([]*storage.Step, len(steps))
		for i := range steps {
			stepPtrs[i] = toStep(&steps[i])
		}

		out = &storage.StartNextTaskResult{
			Task:    toTask(&chosen),
			Steps:   stepPtrs,
			HasMore: len(eligible) > 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// gateReady evaluates the debounce/throttle/rate-limit admission gates for
// candidate c within the active transaction.
func gateReady(tx *gorm.DB, c *taskRow, now time.Time) (bool, error) {
	if c.ThrottleGroup != nil {
		var last taskRow
		err := tx.Where("queue = ? AND throttle_group = ? AND started_at IS NOT NULL", c.Queue, *c.ThrottleGroup).
			Order("started_at DESC").
			Limit(1).
			Find(&last).Error
		if err != nil {
			return false, err
		}
		if last.StartedAt != nil && now.Before(last.StartedAt.Add(time.Duration(c.ThrottleMinGapNS))) {
			return false, nil
		}
	}
	if c.RateLimitGroup != nil && c.RateLimitN > 0 {
		windowStart := now.Add(-time.Duration(c.RateLimitWindowNS))
		var count int64
		err := tx.Model(&taskRow{}).
			Where("queue = ? AND rate_limit_group = ? AND started_at IS NOT NULL AND started_at > ?",
				c.Queue, *c.RateLimitGroup, windowStart).
			Count(&count).Error
		if err != nil {
			return false, err
		}
		if int(count) >= c.RateLimitN {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) NextFutureTask(ctx context.Context, queue string) (*time.Duration, error) {
	now := time.Now()
	var candidates []time.Time

	var notBefores []time.Time
	if err := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("queue = ? AND status = ? AND not_before IS NOT NULL AND not_before > ?", queue, string(storage.TaskPending), now).
		Pluck("not_before", &notBefores).Error; err != nil {
		return nil, err
	}
	candidates = append(candidates, notBefores...)

	var timeouts []time.Time
	if err := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("queue = ? AND status = ? AND timeout_at IS NOT NULL AND timeout_at > ?", queue, string(storage.TaskPending), now).
		Pluck("timeout_at", &timeouts).Error; err != nil {
		return nil, err
	}
	candidates = append(candidates, timeouts...)

	var sleepUntils []time.Time
	if err := s.db.WithContext(ctx).Model(&stepRow{}).
		Where("queue = ? AND status = ? AND sleep_until IS NOT NULL AND sleep_until > ?", queue, string(storage.StepStalled), now).
		Pluck("sleep_until", &sleepUntils).Error; err != nil {
		return nil, err
	}
	candidates = append(candidates, sleepUntils...)

	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	d := candidates[0].Sub(now)
	if d < 0 {
		d = 0
	}
	return &d, nil
}

func (s *Store) ResolveTask(ctx context.Context, taskID uuid.UUID, status storage.TaskStatus, data []byte) error {
	return s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":     string(status),
			"data":       datatypes.JSON(data),
			"live":       false,
			"updated_at": time.Now(),
		}).Error
}

func (s *Store) RequeueTask(ctx context.Context, taskID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", taskID, string(storage.TaskRunning)).
		Updates(map[string]any{
			"status":     string(storage.TaskPending),
			"updated_at": time.Now(),
		}).Error
}

func (s *Store) CancelTask(ctx context.Context, taskID uuid.UUID, reason []byte) (bool, error) {
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status NOT IN ?", taskID, []string{
			string(storage.TaskCompleted), string(storage.TaskFailed), string(storage.TaskCancelled),
		}).
		Updates(map[string]any{
			"status":     string(storage.TaskCancelled),
			"data":       datatypes.JSON(reason),
			"live":       false,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) Heartbeat(ctx context.Context, taskID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", taskID, string(storage.TaskRunning)).
		Updates(map[string]any{"updated_at": time.Now()}).Error
}

// ReclaimStale is the transactional generalization of the teacher's
// staleRunning branch inside ClaimNextRunnable: a running task whose last
// heartbeat predates the cutoff is presumed abandoned by a dead worker and
// moved back to pending, where the next StartNextTask picks it up and
// replays it from its memoized steps.
func (s *Store) ReclaimStale(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("queue = ? AND status = ? AND updated_at < ?", queue, string(storage.TaskRunning), cutoff).
		Updates(map[string]any{
			"status":     string(storage.TaskPending),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// PruneTerminal deletes terminal tasks (and their steps) past the retention
// window. Soft-deletes via taskRow's DeletedAt, mirroring the teacher's
// domain model convention, so a pruned row is recoverable by an operator
// who queries with Unscoped before the next hard vacuum.
func (s *Store) PruneTerminal(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("queue = ? AND status IN ? AND updated_at < ?", queue, []string{
			string(storage.TaskCompleted), string(storage.TaskFailed), string(storage.TaskCancelled),
		}, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return len(ids), s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id IN ?", ids).Delete(&stepRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&taskRow{}).Error
	})
}

func (s *Store) RecordStep(ctx context.Context, step *storage.Step) (*storage.Step, error) {
	row := fromStep(step)
	now := time.Now()
	row.UpdatedAt = now

	var out stepRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing stepRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ? AND step = ?", step.TaskID, step.Step).
			First(&existing).Error
		if err == nil {
			existing.Status = row.Status
			existing.Runs = row.Runs
			existing.SleepUntil = row.SleepUntil
			existing.WaitFor = row.WaitFor
			existing.WaitFilter = row.WaitFilter
			existing.WaitRetroactive = row.WaitRetroactive
			existing.Data = row.Data
			existing.UpdatedAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			out = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		row.ID = uuid.New()
		row.CreatedAt = now
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		out = *row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toStep(&out), nil
}

func (s *Store) RecordEvent(ctx context.Context, queue, key string, input, data []byte) (*storage.Event, error) {
	row := &eventRow{
		ID:        uuid.New(),
		Queue:     queue,
		Key:       key,
		Input:     datatypes.JSON(input),
		Data:      datatypes.JSON(data),
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return toEvent(row), nil
}

func (s *Store) ResolveEvent(ctx context.Context, step *storage.Step) ([]byte, bool, error) {
	var data []byte
	var found bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if step.WaitFor == nil {
			return nil
		}
		q := tx.Where("queue = ? AND \"key\" = ?", step.Queue, *step.WaitFor)
		if step.WaitRetroactive == nil || !*step.WaitRetroactive {
			q = q.Where("created_at >= ?", step.CreatedAt)
		}
		var rows []eventRow
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		filter, err := decodeFilter(datatypes.JSON(step.WaitFilter))
		if err != nil {
			return err
		}

		var best *eventRow
		var bestDelta time.Duration
		for i := range rows {
			ev := &rows[i]
			input, err := decodeFilter(ev.Input)
			if err != nil {
				return err
			}
			if !canon.MatchFilter(filter, input) {
				continue
			}
			delta := ev.CreatedAt.Sub(step.CreatedAt)
			if delta < 0 {
				delta = -delta
			}
			if best == nil || delta < bestDelta {
				best = ev
				bestDelta = delta
			}
		}
		if best == nil {
			return nil
		}
		if err := tx.Model(&stepRow{}).Where("id = ?", step.ID).
			Updates(map[string]any{
				"status":     string(storage.StepCompleted),
				"data":       best.Data,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}
		found = true
		data = []byte(best.Data)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&taskRow{}).Distinct("queue").Order("queue").Pluck("queue", &out).Error
	return out, err
}

func (s *Store) ListJobsForQueue(ctx context.Context, queue string) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("queue = ?", queue).
		Distinct("job").Order("job").Pluck("job", &out).Error
	return out, err
}

func (s *Store) ListTasksForJob(ctx context.Context, queue, job string) ([]*storage.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).
		Where("queue = ? AND job = ?", queue, job).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*storage.Task, len(rows))
	for i := range rows {
		out[i] = toTask(&rows[i])
	}
	return out, nil
}

func (s *Store) GetTaskDetail(ctx context.Context, taskID uuid.UUID) (*storage.TaskDetail, error) {
	var task taskRow
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var steps []stepRow
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at ASC").Find(&steps).Error; err != nil {
		return nil, err
	}
	var events []eventRow
	if err := s.db.WithContext(ctx).Where("queue = ?", task.Queue).Order("created_at ASC").Find(&events).Error; err != nil {
		return nil, err
	}

	stepPtrs := make([]*storage.Step, len(steps))
	for i := range steps {
		stepPtrs[i] = toStep(&steps[i])
	}
	eventPtrs := make([]*storage.Event, len(events))
	for i := range events {
		eventPtrs[i] = toEvent(&events[i])
	}
	return &storage.TaskDetail{Task: toTask(&task), Steps: stepPtrs, Events: eventPtrs}, nil
}

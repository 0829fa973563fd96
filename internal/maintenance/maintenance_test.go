package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/flowstep/flowstep/internal/logging"
	"github.com/flowstep/flowstep/internal/storage"
	"github.com/flowstep/flowstep/internal/storage/memstore"
)

func TestReclaimOnceReclaimsStaleTasksAcrossConfiguredQueues(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	store := memstore.New(func() time.Time { return clock })

	if _, _, err := store.AddTask(ctx, storage.AddTaskParams{Queue: "q1", Job: "j", Key: "a"}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := store.StartNextTask(ctx, "q1"); err != nil {
		t.Fatalf("StartNextTask: %v", err)
	}

	clock = start.Add(10 * time.Minute)

	s := New(store, logging.Discard(), Config{Queues: []string{"q1", "q2"}, StaleAfter: time.Minute})
	s.reclaimOnce()

	task, err := store.GetTask(ctx, "q1", "j", "a")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskPending {
		t.Fatalf("expected stale running task reclaimed to pending, got %s", task.Status)
	}
}

func TestPruneOnceDeletesTerminalTasksPastRetention(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	store := memstore.New(func() time.Time { return clock })

	_, task, err := store.AddTask(ctx, storage.AddTaskParams{Queue: "q1", Job: "j", Key: "a"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	taskID := task.ID
	if _, err := store.StartNextTask(ctx, "q1"); err != nil {
		t.Fatalf("StartNextTask: %v", err)
	}
	if err := store.ResolveTask(ctx, taskID, storage.TaskCompleted, []byte(`{}`)); err != nil {
		t.Fatalf("ResolveTask: %v", err)
	}

	s := New(store, logging.Discard(), Config{Queues: []string{"q1"}, RetainFor: time.Hour})

	s.pruneOnce()
	if detail, err := store.GetTaskDetail(ctx, taskID); err != nil || detail == nil {
		t.Fatalf("expected task to survive before its retention window elapses, err=%v detail=%v", err, detail)
	}

	clock = start.Add(2 * time.Hour)
	s.pruneOnce()

	detail, err := store.GetTaskDetail(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskDetail: %v", err)
	}
	if detail != nil {
		t.Fatalf("expected task pruned past its retention window")
	}
}

func TestConfigDefaultsAppliedWhenUnset(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.StaleAfter != 2*time.Minute {
		t.Fatalf("expected default StaleAfter of 2m, got %v", cfg.StaleAfter)
	}
	if cfg.RetainFor != 7*24*time.Hour {
		t.Fatalf("expected default RetainFor of 7 days, got %v", cfg.RetainFor)
	}
	if cfg.ReclaimSchedule != "@every 1m" {
		t.Fatalf("expected default reclaim schedule, got %q", cfg.ReclaimSchedule)
	}
	if cfg.PruneSchedule != "@every 1h" {
		t.Fatalf("expected default prune schedule, got %q", cfg.PruneSchedule)
	}
}

package flowstep

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyOpts gates a RunStep/Thread attempt on a named bucket shared by
// every step across every queue in this process that supplies the same ID —
// the simplification spec §4.4 leaves open ("admission is gated by counting
// running steps across the queue sharing the id"): rather than a per-queue
// count this engine keeps one process-wide semaphore.Weighted per id, which
// is simpler to reason about when a single process hosts several Queues
// that should still share one rate-limited resource (e.g. an LLM client).
type ConcurrencyOpts struct {
	ID    string
	Limit int64
}

var concurrencyGates = struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}{sems: make(map[string]*semaphore.Weighted)}

func concurrencyGate(id string, limit int64) *semaphore.Weighted {
	if limit <= 0 {
		limit = 1
	}
	concurrencyGates.mu.Lock()
	defer concurrencyGates.mu.Unlock()
	sem, ok := concurrencyGates.sems[id]
	if !ok {
		sem = semaphore.NewWeighted(limit)
		concurrencyGates.sems[id] = sem
	}
	return sem
}

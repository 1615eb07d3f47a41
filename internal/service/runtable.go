package service

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run is a record of an active profile worker.
type Run struct {
	ProfileID string    `json:"profile_id"`
	WorkerID  uuid.UUID `json:"worker_id"`
	Started   time.Time `json:"started"`
}

// RunTable maps profile ids to their running worker. Every check-and-modify
// sequence happens under one lock.
type RunTable struct {
	mx   sync.Mutex
	runs map[string]Run
}

func NewRunTable() *RunTable {
	return &RunTable{runs: make(map[string]Run)}
}

// Add records run unless its profile already has one. start is called with
// the lock held, so a worker it spawns cannot remove itself before it was
// recorded.
func (t *RunTable) Add(run Run, start func()) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	if _, ok := t.runs[run.ProfileID]; ok {
		return false
	}
	t.runs[run.ProfileID] = run
	if start != nil {
		start()
	}
	return true
}

// Remove deletes the record for profileID if it belongs to workerID and
// returns it together with the number of records left.
func (t *RunTable) Remove(profileID string, workerID uuid.UUID) (Run, int, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	run, ok := t.runs[profileID]
	if !ok || run.WorkerID != workerID {
		return Run{}, len(t.runs), false
	}
	delete(t.runs, profileID)
	return run, len(t.runs), true
}

func (t *RunTable) Has(profileID string) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	_, ok := t.runs[profileID]
	return ok
}

func (t *RunTable) Len() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.runs)
}

// Snapshot returns a copy of all records ordered by profile id.
func (t *RunTable) Snapshot() []Run {
	t.mx.Lock()
	out := make([]Run, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, run)
	}
	t.mx.Unlock()
	slices.SortFunc(out, func(a, b Run) int {
		return cmp.Compare(a.ProfileID, b.ProfileID)
	})
	return out
}

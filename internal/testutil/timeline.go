package testutil

import (
	"sync"
	"time"
)

// ExecutionRecord holds the start and end times of one job's execution.
type ExecutionRecord struct {
	Start time.Time
	End   time.Time
}

// Timeline records when fake jobs ran, so tests can assert on ordering and
// on how many were in flight at once.
type Timeline struct {
	mu      sync.Mutex
	records map[string]*ExecutionRecord
	active  int
	peak    int
}

// NewTimeline returns an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{records: make(map[string]*ExecutionRecord)}
}

// Begin marks name as started.
func (tl *Timeline) Begin(name string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.records[name] = &ExecutionRecord{Start: time.Now()}
	tl.active++
	if tl.active > tl.peak {
		tl.peak = tl.active
	}
}

// End marks name as finished.
func (tl *Timeline) End(name string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if r, ok := tl.records[name]; ok {
		r.End = time.Now()
	}
	tl.active--
}

// Ran reports whether name was started.
func (tl *Timeline) Ran(name string) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	_, ok := tl.records[name]
	return ok
}

// Record returns a copy of name's record.
func (tl *Timeline) Record(name string) (ExecutionRecord, bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	r, ok := tl.records[name]
	if !ok {
		return ExecutionRecord{}, false
	}
	return *r, true
}

// Peak returns the largest number of jobs observed running at once.
func (tl *Timeline) Peak() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.peak
}

// Started returns how many distinct jobs were started.
func (tl *Timeline) Started() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.records)
}

// Package jobrun tracks a single execution attempt of a job. Its state only
// moves forward: once a run is terminal it stays terminal.
package jobrun

import (
	"fmt"
	"sync"
	"time"
)

// State represents the execution state of a job run.
type State int32

const (
	// Pending indicates the run is waiting for its prerequisites.
	Pending State = iota
	// Ready indicates every prerequisite succeeded and the run waits for a worker.
	Ready
	// Running indicates a worker is executing the run.
	Running
	// Succeeded indicates every step exited zero.
	Succeeded
	// Failed indicates the run was attempted and did not succeed.
	Failed
	// Skipped indicates the run was never attempted.
	Skipped
)

var stateNames = map[State]string{
	Pending:   "pending",
	Ready:     "ready",
	Running:   "running",
	Succeeded: "succeeded",
	Failed:    "failed",
	Skipped:   "skipped",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText lets states appear by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", text)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Skipped
}

// allowed lists every legal transition.
var allowed = map[State][]State{
	Pending: {Ready, Skipped},
	Ready:   {Running, Skipped},
	Running: {Succeeded, Failed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Run is one execution attempt of one job.
type Run struct {
	Job string

	mu       sync.Mutex
	state    State
	exitCode int
	err      error
	started  time.Time
	finished time.Time
}

// New returns a pending run for job.
func New(job string) *Run {
	return &Run{Job: job, state: Pending}
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transition moves the run to the given state, rejecting anything that
// would move it backwards or out of a terminal state.
func (r *Run) Transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.state, to) {
		return fmt.Errorf("job %q: illegal transition %s -> %s", r.Job, r.state, to)
	}
	now := time.Now()
	switch {
	case to == Running:
		r.started = now
	case to.Terminal():
		r.finished = now
	}
	r.state = to
	return nil
}

// Finish records the outcome of a running job and moves it to Succeeded or
// Failed depending on err.
func (r *Run) Finish(exitCode int, err error) error {
	to := Succeeded
	if err != nil {
		to = Failed
	}
	if terr := r.Transition(to); terr != nil {
		return terr
	}
	r.mu.Lock()
	r.exitCode = exitCode
	r.err = err
	r.mu.Unlock()
	return nil
}

// Skip moves a pending or ready run to Skipped and records why. It returns
// false when the run had already left those states.
func (r *Run) Skip(reason error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !CanTransition(r.state, Skipped) {
		return false
	}
	r.state = Skipped
	r.err = reason
	r.finished = time.Now()
	return true
}

// ExitCode returns the exit code of the last executed step.
func (r *Run) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// Err returns why the run failed or was skipped.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Duration returns the wall-clock time spent running. Skipped runs report zero.
func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.IsZero() {
		return 0
	}
	if r.finished.IsZero() {
		return time.Since(r.started)
	}
	return r.finished.Sub(r.started)
}

package scheduler

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/specialistvlad/burstgridci/internal/executor"
	"github.com/specialistvlad/burstgridci/internal/jobrun"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	// Running is only observed through snapshots of an unfinished run.
	Running RunStatus = "running"
	// Completed means every job succeeded.
	Completed RunStatus = "completed"
	// Failed means at least one job did not succeed.
	Failed RunStatus = "failed"
)

// JobReport is the terminal record of one job.
type JobReport struct {
	Name     string
	Status   jobrun.State
	ExitCode int
	Duration time.Duration
	Err      error
	// FailedStep names the first failing step; FailedOutput is the tail of
	// its output.
	FailedStep   string
	FailedOutput string
	Artifacts    []executor.Artifact
	Warnings     []string
}

// Report summarizes a finished run.
type Report struct {
	RunID    string
	Status   RunStatus
	Jobs     map[string]*JobReport
	Started  time.Time
	Finished time.Time
}

// Names returns the job names in sorted order.
func (r *Report) Names() []string {
	names := make([]string, 0, len(r.Jobs))
	for name := range r.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns how many jobs ended in state s.
func (r *Report) Count(s jobrun.State) int {
	n := 0
	for _, j := range r.Jobs {
		if j.Status == s {
			n++
		}
	}
	return n
}

func (r *Report) settle() {
	r.Status = Completed
	for _, j := range r.Jobs {
		if j.Status != jobrun.Succeeded {
			r.Status = Failed
			return
		}
	}
}

// WriteSummary prints every job's terminal status and, for each job that did
// not succeed, why and the output of its first failing step.
func (r *Report) WriteSummary(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s %s in %s\n", r.RunID, r.Status, r.Finished.Sub(r.Started).Round(time.Millisecond))
	for _, name := range r.Names() {
		j := r.Jobs[name]
		fmt.Fprintf(&b, "  %-10s %s", j.Status, name)
		if j.Status != jobrun.Skipped {
			fmt.Fprintf(&b, " (exit %d, %s)", j.ExitCode, j.Duration.Round(time.Millisecond))
		}
		b.WriteString("\n")
		for _, warning := range j.Warnings {
			fmt.Fprintf(&b, "      warning: %s\n", warning)
		}
	}
	for _, name := range r.Names() {
		j := r.Jobs[name]
		if j.Status == jobrun.Succeeded {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s: %s", name, j.Status)
		if j.Err != nil {
			fmt.Fprintf(&b, ": %v", j.Err)
		}
		b.WriteString("\n")
		if j.FailedOutput != "" {
			if j.FailedStep != "" {
				fmt.Fprintf(&b, "output of %s:\n", j.FailedStep)
			}
			b.WriteString(j.FailedOutput)
			if !strings.HasSuffix(j.FailedOutput, "\n") {
				b.WriteString("\n")
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Aborted builds the report of a run that failed before any job could start:
// every job is Skipped with cause.
func Aborted(runID string, names []string, cause error) *Report {
	now := time.Now()
	r := &Report{RunID: runID, Status: Failed, Jobs: make(map[string]*JobReport, len(names)), Started: now, Finished: now}
	for _, name := range names {
		r.Jobs[name] = &JobReport{Name: name, Status: jobrun.Skipped, Err: cause}
	}
	return r
}

// JobSnapshot is the live view of one job.
type JobSnapshot struct {
	Name     string       `json:"name"`
	State    jobrun.State `json:"state"`
	ExitCode int          `json:"exit_code"`
	Duration string       `json:"duration,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Snapshot is the live view of a run, served by the status endpoint.
type Snapshot struct {
	RunID  string        `json:"run_id"`
	Status RunStatus     `json:"status"`
	Jobs   []JobSnapshot `json:"jobs"`
}

// Snapshot returns the report as a Snapshot.
func (r *Report) Snapshot() Snapshot {
	s := Snapshot{RunID: r.RunID, Status: r.Status}
	for _, name := range r.Names() {
		j := r.Jobs[name]
		js := JobSnapshot{Name: name, State: j.Status, ExitCode: j.ExitCode}
		if j.Duration > 0 {
			js.Duration = j.Duration.String()
		}
		if j.Err != nil {
			js.Error = j.Err.Error()
		}
		s.Jobs = append(s.Jobs, js)
	}
	return s
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/jobrun"
	"github.com/specialistvlad/burstgridci/internal/logstream"
	"github.com/specialistvlad/burstgridci/internal/shell"
	"github.com/specialistvlad/burstgridci/internal/workspace"
)

var (
	// ErrStepFailed marks a step that exited non-zero or could not run.
	ErrStepFailed = errors.New("step failed")
	// ErrTimeout marks a step killed after exceeding its timeout.
	ErrTimeout = fmt.Errorf("%w: timed out", ErrStepFailed)
)

// DefaultTailLimit bounds the output kept per step for the run summary.
const DefaultTailLimit = 16 * 1024

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string
	ExitCode int
	Duration time.Duration
	Err      error
	// Output is the tail of the step's combined output.
	Output string
}

// Result is the outcome of one job.
type Result struct {
	Status    jobrun.State
	ExitCode  int
	Steps     []StepResult
	Artifacts []Artifact
	Warnings  []string
	Err       error
	// FirstFailure points into Steps; nil when every step succeeded.
	FirstFailure *StepResult
}

// Executor runs job steps as shell subprocesses.
type Executor struct {
	// DefaultTimeout applies to steps without their own timeout. Zero means
	// no limit.
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	// Output receives every line of step output, prefixed with "[job/step]".
	Output    *logstream.Shared
	TailLimit int
}

// New returns an executor writing step output to out.
func New(out io.Writer, defaultTimeout, gracePeriod time.Duration) *Executor {
	return &Executor{
		DefaultTimeout: defaultTimeout,
		GracePeriod:    gracePeriod,
		Output:         logstream.NewShared(out),
		TailLimit:      DefaultTailLimit,
	}
}

// Run executes the job's steps in order inside ws. env holds the
// environment handle's variables; the job's own Env is appended after it.
// Artifacts are collected whatever the outcome.
func (e *Executor) Run(ctx context.Context, job *config.Job, ws *workspace.Workspace, env []string) *Result {
	ctx, logger := ctxlog.With(ctx, "job", job.Name)
	vars := jobEnv(job, ws, env)
	res := &Result{Status: jobrun.Succeeded, Steps: make([]StepResult, 0, len(job.Steps))}

	for _, step := range job.Steps {
		if ctx.Err() != nil {
			res.fail(StepResult{Name: step.Name, ExitCode: -1, Err: fmt.Errorf("%w: %w", ErrStepFailed, ctx.Err())})
			break
		}
		sr := e.runStep(ctx, job, step, ws, vars)
		if sr.Err == nil {
			res.Steps = append(res.Steps, sr)
			res.ExitCode = sr.ExitCode
			continue
		}
		res.fail(sr)
		if job.Policy == config.FailFast || ctx.Err() != nil {
			logger.Debug("Skipping remaining steps.", "policy", job.Policy, "failed_step", step.Name)
			break
		}
	}

	if res.FirstFailure != nil {
		res.Status = jobrun.Failed
		res.ExitCode = res.FirstFailure.ExitCode
		res.Err = fmt.Errorf("job %q: step %q: %w", job.Name, res.FirstFailure.Name, res.FirstFailure.Err)
	}

	res.Artifacts, res.Warnings = collectArtifacts(job.Name, res.Status, ws.Dir, job.Artifacts)
	for _, w := range res.Warnings {
		logger.Warn(w)
	}
	return res
}

func (r *Result) fail(sr StepResult) {
	r.Steps = append(r.Steps, sr)
	if r.FirstFailure == nil {
		r.FirstFailure = &r.Steps[len(r.Steps)-1]
	}
}

func (e *Executor) runStep(ctx context.Context, job *config.Job, step *config.Step, ws *workspace.Workspace, env []string) StepResult {
	logger := ctxlog.FromContext(ctx).With("step", step.Name)
	logger.Info("▶️ Starting step")

	out := e.Output
	if out == nil {
		out = logstream.NewShared(nil)
	}
	prefixed := out.Prefixed(job.Name + "/" + step.Name)
	tail := logstream.NewTail(e.TailLimit)

	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.DefaultTimeout
	}

	start := time.Now()
	code, err := shell.Run(ctx, shell.Command{
		Script:      step.Run,
		Dir:         ws.Dir,
		Env:         env,
		Output:      io.MultiWriter(prefixed, tail),
		Timeout:     timeout,
		GracePeriod: e.GracePeriod,
	})
	prefixed.Flush()

	sr := StepResult{Name: step.Name, ExitCode: code, Duration: time.Since(start), Output: tail.String()}
	switch {
	case err == nil:
		logger.Info("✅ Finished step", "duration", sr.Duration)
		return sr
	case errors.Is(err, shell.ErrTimeout):
		sr.Err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	default:
		sr.Err = fmt.Errorf("%w: %w", ErrStepFailed, err)
	}
	logger.Error("❌ Step failed", "exit_code", code, "error", sr.Err)
	return sr
}

// jobEnv layers workspace and job variables over the environment handle's.
func jobEnv(job *config.Job, ws *workspace.Workspace, env []string) []string {
	vars := make([]string, 0, len(env)+len(job.Env)+2)
	vars = append(vars, env...)
	vars = append(vars, "JOB_NAME="+job.Name, "WORKSPACE="+ws.Dir)
	keys := make([]string, 0, len(job.Env))
	for k := range job.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vars = append(vars, k+"="+job.Env[k])
	}
	return vars
}

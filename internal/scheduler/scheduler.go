package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/dag"
	"github.com/specialistvlad/burstgridci/internal/executor"
	"github.com/specialistvlad/burstgridci/internal/jobrun"
	"github.com/specialistvlad/burstgridci/internal/logstream"
	"github.com/specialistvlad/burstgridci/internal/provisioner"
	"github.com/specialistvlad/burstgridci/internal/sink"
	"github.com/specialistvlad/burstgridci/internal/workspace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPrerequisiteFailed is the skip reason of jobs downstream of a failure.
	ErrPrerequisiteFailed = errors.New("prerequisite did not succeed")
	// ErrRunStopped is the skip reason of jobs that never started because
	// the run was stopped.
	ErrRunStopped = errors.New("run stopped before the job started")
)

// Environments provisions the environment a job runs in.
type Environments interface {
	Ensure(ctx context.Context, env *config.Environment) (*provisioner.Handle, error)
}

// Runner executes the steps of one job.
type Runner interface {
	Run(ctx context.Context, job *config.Job, ws *workspace.Workspace, env []string) *executor.Result
}

// Options tunes a run.
type Options struct {
	// Workers bounds how many jobs run at once. Zero means GOMAXPROCS.
	Workers int
	// FailFast stops dispatching new jobs after the first failure.
	FailFast bool
	// GracePeriod is how long running jobs may continue after the run is
	// stopped from outside.
	GracePeriod time.Duration
	// ClassLimits bounds concurrency per resource class.
	ClassLimits map[string]int
	// RunID identifies the run; a random UUID is used when empty.
	RunID string
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Environments map[string]*config.Environment
	Provisioner  Environments
	Workspaces   *workspace.Manager
	Stager       workspace.Stager
	Fetcher      workspace.Fetcher
	Executor     Runner
	Sink         sink.Sink
	// Output receives stage and fetch output, prefixed per job.
	Output *logstream.Shared
}

// Scheduler runs the jobs of one graph.
type Scheduler struct {
	opts    Options
	deps    Deps
	workers *semaphore.Weighted
	classes map[string]*semaphore.Weighted

	mu      sync.RWMutex
	runs    map[string]*jobrun.Run
	reports map[string]*JobReport
	status  RunStatus
}

// New returns a scheduler. Without a Sink artifacts are dropped, and without
// a workspace manager workspaces go below the system temp dir.
func New(opts Options, deps Deps) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if deps.Sink == nil {
		deps.Sink = sink.Nop{}
	}
	if deps.Output == nil {
		deps.Output = logstream.NewShared(nil)
	}
	if deps.Workspaces == nil {
		deps.Workspaces = &workspace.Manager{Root: filepath.Join(os.TempDir(), "burstgridci"), RunID: opts.RunID, Retention: workspace.RetainNever}
	}
	s := &Scheduler{
		opts:    opts,
		deps:    deps,
		workers: semaphore.NewWeighted(int64(opts.Workers)),
		classes: make(map[string]*semaphore.Weighted),
		runs:    make(map[string]*jobrun.Run),
		reports: make(map[string]*JobReport),
		status:  Running,
	}
	for class, limit := range opts.ClassLimits {
		if limit > 0 {
			s.classes[class] = semaphore.NewWeighted(int64(limit))
		}
	}
	return s
}

// RunID returns the identifier of the run.
func (s *Scheduler) RunID() string { return s.opts.RunID }

type outcome struct {
	name  string
	state jobrun.State
}

// Run executes every job of g and returns once all of them are terminal. An
// invalid graph starts no job at all.
func (s *Scheduler) Run(ctx context.Context, g *dag.Graph) *Report {
	ctx, logger := ctxlog.With(ctx, "run_id", s.opts.RunID)
	started := time.Now()

	s.mu.Lock()
	for _, name := range g.Names() {
		s.runs[name] = jobrun.New(name)
	}
	s.mu.Unlock()

	if !g.Validated() {
		if err := g.Validate(); err != nil {
			logger.Error("Job graph is invalid, no job will run.", "error", err)
			for _, name := range g.Names() {
				s.run(name).Skip(err)
			}
			return s.finish(started)
		}
	}

	logger.Info("▶️ Starting run", "jobs", g.Len(), "workers", s.opts.Workers, "fail_fast", s.opts.FailFast)

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	jobCtx, stopJobs := graceContext(ctx, s.opts.GracePeriod)
	defer stopJobs()

	var (
		wg        errgroup.Group
		done      = make(chan outcome, g.Len())
		completed = make(map[string]bool)
		handled   = make(map[string]bool)
		inFlight  int
		stopped   bool
	)

	skipRemaining := func(reason error) {
		for _, name := range g.Names() {
			if !handled[name] {
				handled[name] = true
				s.skip(ctx, name, reason)
			}
		}
	}
	dispatch := func() {
		if stopped {
			return
		}
		for _, name := range g.ReadySet(completed, handled) {
			handled[name] = true
			s.transition(ctx, name, jobrun.Ready)
			inFlight++
			wg.Go(func() error {
				done <- outcome{name: name, state: s.work(dispatchCtx, jobCtx, g, name)}
				return nil
			})
		}
	}

	stop := dispatchCtx.Done()
	dispatch()
	for inFlight > 0 {
		select {
		case o := <-done:
			inFlight--
			if o.state == jobrun.Succeeded {
				completed[o.name] = true
				dispatch()
				continue
			}
			descendants, _ := g.Descendants(o.name)
			for _, d := range descendants {
				if !handled[d] {
					handled[d] = true
					s.skip(ctx, d, fmt.Errorf("%w: %s", ErrPrerequisiteFailed, o.name))
				}
			}
			if o.state == jobrun.Failed && s.opts.FailFast && !stopped {
				logger.Warn("Job failed, fail-fast stops the run.", "job", o.name)
				stopped = true
				stopDispatch()
				skipRemaining(fmt.Errorf("%w: fail-fast after %s failed", ErrRunStopped, o.name))
			}
		case <-stop:
			stop = nil
			if !stopped {
				logger.Warn("Run stopped, running jobs get the grace period.", "grace_period", s.opts.GracePeriod)
				stopped = true
				skipRemaining(fmt.Errorf("%w: %v", ErrRunStopped, context.Cause(ctx)))
			}
		}
	}
	_ = wg.Wait()

	if ctx.Err() != nil {
		skipRemaining(fmt.Errorf("%w: %v", ErrRunStopped, context.Cause(ctx)))
	}
	skipRemaining(fmt.Errorf("%w: unreachable", ErrPrerequisiteFailed))
	return s.finish(started)
}

// work runs one Ready job on a worker and returns its terminal state.
func (s *Scheduler) work(dispatchCtx, jobCtx context.Context, g *dag.Graph, name string) jobrun.State {
	job, _ := g.Job(name)
	ctx, logger := ctxlog.With(jobCtx, "job", name)

	// The class slot comes first so a job waiting on a saturated class never
	// holds a worker that unrelated ready jobs could use.
	if class := s.classes[job.ResourceClass]; class != nil {
		if err := acquire(dispatchCtx, class); err != nil {
			s.skip(ctx, name, fmt.Errorf("%w: %v", ErrRunStopped, err))
			return jobrun.Skipped
		}
		defer class.Release(1)
	}

	if err := acquire(dispatchCtx, s.workers); err != nil {
		s.skip(ctx, name, fmt.Errorf("%w: %v", ErrRunStopped, err))
		return jobrun.Skipped
	}
	defer s.workers.Release(1)

	s.transition(ctx, name, jobrun.Running)
	logger.Info("▶️ Starting job")
	report := s.execute(ctx, job)

	run := s.run(name)
	if err := run.Finish(report.ExitCode, report.Err); err != nil {
		logger.Error("Recording job outcome failed.", "error", err)
	}
	report.Status = run.State()
	report.Duration = run.Duration()
	s.record(report)

	if report.Status == jobrun.Succeeded {
		logger.Info("✅ Finished job", "duration", report.Duration)
	} else {
		logger.Error("❌ Job failed", "exit_code", report.ExitCode, "error", report.Err)
	}
	return report.Status
}

// execute performs the job sequence and returns its report. Status is filled
// in by the caller.
func (s *Scheduler) execute(ctx context.Context, job *config.Job) *JobReport {
	logger := ctxlog.FromContext(ctx)
	report := &JobReport{Name: job.Name}
	fail := func(step string, code int, err error, output string) *JobReport {
		report.ExitCode, report.Err, report.FailedStep, report.FailedOutput = code, err, step, output
		return report
	}

	var env []string
	if job.Environment != "" {
		decl, ok := s.deps.Environments[job.Environment]
		if !ok || s.deps.Provisioner == nil {
			return fail("environment", -1, fmt.Errorf("environment %q is not available", job.Environment), "")
		}
		handle, err := s.deps.Provisioner.Ensure(ctx, decl)
		if err != nil {
			code := -1
			var perr *provisioner.ProvisioningError
			if errors.As(err, &perr) {
				code = perr.ExitCode
			}
			return fail("environment", code, err, "")
		}
		env = handle.Env()
	}

	ws, err := s.deps.Workspaces.Create(job.Name)
	if err != nil {
		return fail("workspace", -1, err, "")
	}
	succeeded := false
	defer func() {
		if err := s.deps.Workspaces.Release(ctx, ws, succeeded); err != nil {
			logger.Warn("Releasing workspace failed.", "path", ws.Dir, "error", err)
		}
	}()

	if s.deps.Stager != nil {
		out, tail := s.output(job.Name, "stage")
		err := s.deps.Stager.Stage(ctx, ws, job.Workspace, out)
		out.Flush()
		if err != nil {
			return fail("stage", -1, err, tail.String())
		}
	}
	if s.deps.Fetcher != nil && job.FetchData != nil {
		out, tail := s.output(job.Name, "fetch_data")
		vars := append(append([]string(nil), env...), "WORKSPACE="+ws.Dir)
		err := s.deps.Fetcher.Fetch(ctx, ws, job.FetchData, vars, out)
		out.Flush()
		if err != nil {
			code := -1
			var ferr *workspace.FetchError
			if errors.As(err, &ferr) {
				code = ferr.ExitCode
			}
			return fail("fetch_data", code, err, tail.String())
		}
	}

	res := s.deps.Executor.Run(ctx, job, ws, env)
	report.ExitCode = res.ExitCode
	report.Err = res.Err
	report.Artifacts = res.Artifacts
	report.Warnings = append(report.Warnings, res.Warnings...)
	if res.FirstFailure != nil {
		report.FailedStep = res.FirstFailure.Name
		report.FailedOutput = res.FirstFailure.Output
	}

	for _, a := range res.Artifacts {
		if err := s.deps.Sink.Put(ctx, a); err != nil {
			logger.Warn("Storing artifact failed.", "artifact", a.Rel, "error", err)
			report.Warnings = append(report.Warnings, err.Error())
		}
	}
	succeeded = res.Status == jobrun.Succeeded
	return report
}

// phaseOutput streams the output of a stage or fetch phase to the run log
// while keeping its tail for the report.
type phaseOutput struct {
	prefixed *logstream.PrefixWriter
	tail     *logstream.Tail
}

func (p *phaseOutput) Write(b []byte) (int, error) {
	p.tail.Write(b)
	return p.prefixed.Write(b)
}

func (p *phaseOutput) Flush() { p.prefixed.Flush() }

func (s *Scheduler) output(job, phase string) (*phaseOutput, *logstream.Tail) {
	tail := logstream.NewTail(executor.DefaultTailLimit)
	return &phaseOutput{prefixed: s.deps.Output.Prefixed(job + "/" + phase), tail: tail}, tail
}

// Snapshot returns the live state of every job.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := &Report{RunID: s.opts.RunID, Status: s.status, Jobs: make(map[string]*JobReport, len(s.runs))}
	for name, run := range s.runs {
		if jr, ok := s.reports[name]; ok {
			r.Jobs[name] = jr
			continue
		}
		r.Jobs[name] = &JobReport{Name: name, Status: run.State(), Duration: run.Duration(), Err: run.Err()}
	}
	return r.Snapshot()
}

func (s *Scheduler) finish(started time.Time) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Report{RunID: s.opts.RunID, Jobs: make(map[string]*JobReport, len(s.runs)), Started: started, Finished: time.Now()}
	for name, run := range s.runs {
		if jr, ok := s.reports[name]; ok {
			r.Jobs[name] = jr
			continue
		}
		if !run.State().Terminal() {
			run.Skip(ErrRunStopped)
		}
		r.Jobs[name] = &JobReport{Name: name, Status: run.State(), ExitCode: run.ExitCode(), Duration: run.Duration(), Err: run.Err()}
	}
	r.settle()
	s.status = r.Status
	return r
}

func (s *Scheduler) run(name string) *jobrun.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[name]
}

func (s *Scheduler) record(jr *JobReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[jr.Name] = jr
}

func (s *Scheduler) transition(ctx context.Context, name string, to jobrun.State) {
	if err := s.run(name).Transition(to); err != nil {
		ctxlog.FromContext(ctx).Error("Illegal job transition.", "job", name, "error", err)
	}
}

func (s *Scheduler) skip(ctx context.Context, name string, reason error) {
	if s.run(name).Skip(reason) {
		ctxlog.FromContext(ctx).Info("⏭️ Skipping job", "job", name, "reason", reason)
	}
}

// acquire takes one slot of sem unless ctx is already done.
func acquire(ctx context.Context, sem *semaphore.Weighted) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		sem.Release(1)
		return err
	}
	return nil
}

// graceContext returns a context that outlives parent by grace: it is
// cancelled grace after parent is done, or when the returned stop is called.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel(fmt.Errorf("grace period of %s expired: %w", grace, context.Cause(parent)))
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

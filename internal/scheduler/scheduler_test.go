package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/dag"
	"github.com/specialistvlad/burstgridci/internal/executor"
	"github.com/specialistvlad/burstgridci/internal/jobrun"
	"github.com/specialistvlad/burstgridci/internal/provisioner"
	"github.com/specialistvlad/burstgridci/internal/testutil"
	"github.com/specialistvlad/burstgridci/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	tl    *testutil.Timeline
	fail  map[string]bool
	delay map[string]time.Duration
	block map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{tl: testutil.NewTimeline(), fail: map[string]bool{}, delay: map[string]time.Duration{}, block: map[string]bool{}}
}

func (f *fakeRunner) Run(ctx context.Context, job *config.Job, _ *workspace.Workspace, _ []string) *executor.Result {
	f.tl.Begin(job.Name)
	defer f.tl.End(job.Name)

	stopped := func() *executor.Result {
		return &executor.Result{Status: jobrun.Failed, ExitCode: -1, Err: fmt.Errorf("%w: %w", executor.ErrStepFailed, ctx.Err())}
	}
	if d := f.delay[job.Name]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return stopped()
		}
	}
	if f.block[job.Name] {
		<-ctx.Done()
		return stopped()
	}
	if f.fail[job.Name] {
		step := &executor.StepResult{Name: "test", ExitCode: 1, Output: "boom\n", Err: executor.ErrStepFailed}
		return &executor.Result{
			Status:       jobrun.Failed,
			ExitCode:     1,
			Steps:        []executor.StepResult{*step},
			FirstFailure: step,
			Err:          fmt.Errorf("job %q: %w", job.Name, executor.ErrStepFailed),
		}
	}
	return &executor.Result{Status: jobrun.Succeeded}
}

func job(name string, needs ...string) *config.Job {
	return &config.Job{Name: name, Needs: needs, Steps: []*config.Step{{Name: "s", Run: "true"}}}
}

func graph(t *testing.T, jobs ...*config.Job) *dag.Graph {
	t.Helper()
	g := dag.New()
	for _, j := range jobs {
		require.NoError(t, g.AddJob(j))
	}
	return g
}

func newScheduler(t *testing.T, opts Options, runner Runner) *Scheduler {
	t.Helper()
	if opts.RunID == "" {
		opts.RunID = "test-run"
	}
	return New(opts, Deps{
		Workspaces: &workspace.Manager{Root: t.TempDir(), RunID: opts.RunID, Retention: workspace.RetainNever},
		Executor:   runner,
	})
}

func states(r *Report) map[string]jobrun.State {
	out := make(map[string]jobrun.State, len(r.Jobs))
	for name, j := range r.Jobs {
		out[name] = j.Status
	}
	return out
}

func TestRun_AllSucceed(t *testing.T) {
	runner := newFakeRunner()
	s := newScheduler(t, Options{Workers: 2}, runner)
	g := graph(t, job("a"), job("b", "a"), job("c", "a"), job("d", "b", "c"))

	report := s.Run(testutil.Context(t, nil), g)
	assert.Equal(t, Completed, report.Status)
	assert.Equal(t, 4, report.Count(jobrun.Succeeded))

	a, _ := runner.tl.Record("a")
	d, _ := runner.tl.Record("d")
	for _, mid := range []string{"b", "c"} {
		r, ok := runner.tl.Record(mid)
		require.True(t, ok)
		assert.False(t, r.Start.Before(a.End), "%s started before its prerequisite finished", mid)
		assert.False(t, d.Start.Before(r.End), "d started before %s finished", mid)
	}
}

func TestRun_FailureSkipsDescendants(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["a"] = true
	s := newScheduler(t, Options{Workers: 4}, runner)
	g := graph(t, job("a"), job("b", "a"), job("c", "b"), job("d"))

	report := s.Run(testutil.Context(t, nil), g)
	want := map[string]jobrun.State{"a": jobrun.Failed, "b": jobrun.Skipped, "c": jobrun.Skipped, "d": jobrun.Succeeded}
	if diff := cmp.Diff(want, states(report)); diff != "" {
		t.Errorf("job states mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Failed, report.Status)
	assert.False(t, runner.tl.Ran("b"))
	assert.False(t, runner.tl.Ran("c"))
	assert.ErrorIs(t, report.Jobs["c"].Err, ErrPrerequisiteFailed)
	assert.Equal(t, "test", report.Jobs["a"].FailedStep)
	assert.Equal(t, 1, report.Jobs["a"].ExitCode)
}

func TestRun_CycleStartsNothing(t *testing.T) {
	runner := newFakeRunner()
	s := newScheduler(t, Options{}, runner)
	g := graph(t, job("a", "c"), job("b", "a"), job("c", "b"), job("free"))

	report := s.Run(testutil.Context(t, nil), g)
	assert.Equal(t, Failed, report.Status)
	assert.Equal(t, 0, runner.tl.Started())
	assert.Equal(t, 4, report.Count(jobrun.Skipped))
	assert.ErrorIs(t, report.Jobs["free"].Err, dag.ErrCycleDetected)
}

func TestRun_SingleWorkerIsDeterministic(t *testing.T) {
	var first map[string]jobrun.State
	for i := 0; i < 5; i++ {
		runner := newFakeRunner()
		runner.fail["flaky-free"] = true
		s := newScheduler(t, Options{Workers: 1, RunID: fmt.Sprintf("run-%d", i)}, runner)
		g := graph(t, job("x"), job("y"), job("z"), job("flaky-free"), job("after", "x", "y"))

		report := s.Run(testutil.Context(t, nil), g)
		assert.Equal(t, 1, runner.tl.Peak())
		if first == nil {
			first = states(report)
			continue
		}
		assert.Empty(t, cmp.Diff(first, states(report)))
	}
	assert.Equal(t, jobrun.Succeeded, first["after"])
	assert.Equal(t, jobrun.Failed, first["flaky-free"])
}

func TestRun_ResourceClassLimit(t *testing.T) {
	runner := newFakeRunner()
	jobs := make([]*config.Job, 0, 5)
	for i := 0; i < 4; i++ {
		j := job(fmt.Sprintf("large-%d", i))
		j.ResourceClass = "large"
		runner.delay[j.Name] = 20 * time.Millisecond
		jobs = append(jobs, j)
	}
	s := newScheduler(t, Options{Workers: 4, ClassLimits: map[string]int{"large": 1}}, runner)

	report := s.Run(testutil.Context(t, nil), graph(t, jobs...))
	assert.Equal(t, Completed, report.Status)
	assert.Equal(t, 1, runner.tl.Peak())
}

func TestRun_SaturatedClassLeavesWorkersFree(t *testing.T) {
	runner := newFakeRunner()
	jobs := make([]*config.Job, 0, 5)
	for i := 0; i < 3; i++ {
		j := job(fmt.Sprintf("large-%d", i))
		j.ResourceClass = "large"
		runner.delay[j.Name] = 200 * time.Millisecond
		jobs = append(jobs, j)
	}
	jobs = append(jobs, job("lint"), job("unit", "lint"))
	s := newScheduler(t, Options{Workers: 2, ClassLimits: map[string]int{"large": 1}}, runner)

	report := s.Run(testutil.Context(t, nil), graph(t, jobs...))
	require.Equal(t, Completed, report.Status)

	// Only one large job can run, so the second worker serves lint and unit
	// while the first large job is still running.
	var firstLargeEnd time.Time
	for i := 0; i < 3; i++ {
		r, ok := runner.tl.Record(fmt.Sprintf("large-%d", i))
		require.True(t, ok)
		if firstLargeEnd.IsZero() || r.End.Before(firstLargeEnd) {
			firstLargeEnd = r.End
		}
	}
	unit, ok := runner.tl.Record("unit")
	require.True(t, ok)
	assert.True(t, unit.End.Before(firstLargeEnd), "unit waited for a large job to release its worker")
	assert.LessOrEqual(t, runner.tl.Peak(), 2)
}

func TestRun_FailFastStopsDispatching(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["a"] = true
	runner.delay["a"] = 30 * time.Millisecond
	runner.delay["y"] = 150 * time.Millisecond
	s := newScheduler(t, Options{Workers: 4, FailFast: true}, runner)
	g := graph(t, job("a"), job("y"), job("z", "y"))

	report := s.Run(testutil.Context(t, nil), g)
	assert.Equal(t, jobrun.Failed, report.Jobs["a"].Status)
	assert.Equal(t, jobrun.Succeeded, report.Jobs["y"].Status, "running jobs finish normally")
	assert.Equal(t, jobrun.Skipped, report.Jobs["z"].Status)
	assert.ErrorIs(t, report.Jobs["z"].Err, ErrRunStopped)
}

func TestRun_CancelSkipsPendingAndKillsAfterGrace(t *testing.T) {
	runner := newFakeRunner()
	runner.block["long"] = true
	s := newScheduler(t, Options{Workers: 2, GracePeriod: 50 * time.Millisecond}, runner)
	g := graph(t, job("long"), job("after", "long"))

	ctx, cancel := context.WithCancel(testutil.Context(t, nil))
	go func() {
		for !runner.tl.Ran("long") {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	report := s.Run(ctx, g)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, jobrun.Failed, report.Jobs["long"].Status)
	assert.Equal(t, jobrun.Skipped, report.Jobs["after"].Status)
	assert.Equal(t, Failed, report.Status)
	for _, j := range report.Jobs {
		assert.True(t, j.Status.Terminal())
	}
}

type fakeProvisioner struct {
	err error
}

func (f *fakeProvisioner) Ensure(_ context.Context, env *config.Environment) (*provisioner.Handle, error) {
	if f.err != nil {
		return nil, &provisioner.ProvisioningError{Name: env.Name, ExitCode: 7, Err: f.err}
	}
	return &provisioner.Handle{Name: env.Name, Path: "/envs/" + env.Name}, nil
}

func TestRun_EnvironmentFailureFailsJob(t *testing.T) {
	runner := newFakeRunner()
	a := job("a")
	a.Environment = "conda"
	s := New(Options{RunID: "r"}, Deps{
		Environments: map[string]*config.Environment{"conda": {Name: "conda"}},
		Provisioner:  &fakeProvisioner{err: errors.New("solver exploded")},
		Workspaces:   &workspace.Manager{Root: t.TempDir(), RunID: "r"},
		Executor:     runner,
	})

	report := s.Run(testutil.Context(t, nil), graph(t, a, job("b", "a")))
	assert.Equal(t, jobrun.Failed, report.Jobs["a"].Status)
	assert.ErrorIs(t, report.Jobs["a"].Err, provisioner.ErrProvisioningFailed)
	assert.Equal(t, 7, report.Jobs["a"].ExitCode)
	assert.Equal(t, jobrun.Skipped, report.Jobs["b"].Status)
	assert.False(t, runner.tl.Ran("a"))
}

type failingStager struct{}

func (failingStager) Stage(_ context.Context, _ *workspace.Workspace, _ *config.Workspace, out io.Writer) error {
	fmt.Fprintln(out, "fatal: repository not found")
	return fmt.Errorf("%w: clone failed", workspace.ErrDeploymentFailed)
}

func TestRun_StageFailureIsJobFatal(t *testing.T) {
	runner := newFakeRunner()
	s := New(Options{RunID: "r"}, Deps{
		Workspaces: &workspace.Manager{Root: t.TempDir(), RunID: "r"},
		Stager:     failingStager{},
		Executor:   runner,
	})

	report := s.Run(testutil.Context(t, nil), graph(t, job("a")))
	require.Equal(t, jobrun.Failed, report.Jobs["a"].Status)
	assert.ErrorIs(t, report.Jobs["a"].Err, workspace.ErrDeploymentFailed)
	assert.Equal(t, "stage", report.Jobs["a"].FailedStep)
	assert.Contains(t, report.Jobs["a"].FailedOutput, "repository not found")
	assert.False(t, runner.tl.Ran("a"))
}

func TestRun_FetchFailureKeepsExitCode(t *testing.T) {
	runner := newFakeRunner()
	a := job("a")
	a.FetchData = &config.Step{Name: "fetch_data", Run: "echo 'download refused'; exit 9"}
	s := New(Options{RunID: "r"}, Deps{
		Workspaces: &workspace.Manager{Root: t.TempDir(), RunID: "r"},
		Fetcher:    &workspace.CommandFetcher{GracePeriod: time.Second},
		Executor:   runner,
	})

	report := s.Run(testutil.Context(t, nil), graph(t, a))
	got := report.Jobs["a"]
	require.Equal(t, jobrun.Failed, got.Status)
	assert.ErrorIs(t, got.Err, workspace.ErrDataFetchFailed)
	assert.Equal(t, 9, got.ExitCode)
	assert.Equal(t, "fetch_data", got.FailedStep)
	assert.Contains(t, got.FailedOutput, "download refused")
	assert.False(t, runner.tl.Ran("a"))
}

func TestReport_WriteSummaryAndSnapshot(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["unit"] = true
	s := newScheduler(t, Options{}, runner)

	report := s.Run(testutil.Context(t, nil), graph(t, job("lint"), job("unit"), job("deploy", "unit")))

	var buf bytes.Buffer
	require.NoError(t, report.WriteSummary(&buf))
	out := buf.String()
	assert.Contains(t, out, "Run test-run failed")
	assert.Contains(t, out, "succeeded  lint")
	assert.Contains(t, out, "failed     unit")
	assert.Contains(t, out, "skipped    deploy")
	assert.Contains(t, out, "output of test:\nboom\n")
	assert.True(t, strings.Index(out, "--- deploy") > 0)

	snap := s.Snapshot()
	assert.Equal(t, Failed, snap.Status)
	require.Len(t, snap.Jobs, 3)
	assert.Equal(t, "deploy", snap.Jobs[0].Name)
	assert.Equal(t, jobrun.Skipped, snap.Jobs[0].State)
}

func TestAborted(t *testing.T) {
	cause := errors.New("spec file unreadable")
	r := Aborted("r", []string{"a", "b"}, cause)
	assert.Equal(t, Failed, r.Status)
	assert.Equal(t, 2, r.Count(jobrun.Skipped))
	assert.ErrorIs(t, r.Jobs["a"].Err, cause)
}

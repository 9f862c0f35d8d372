package executor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/jobrun"
	"github.com/specialistvlad/burstgridci/internal/testutil"
	"github.com/specialistvlad/burstgridci/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T, job string) *workspace.Workspace {
	t.Helper()
	return &workspace.Workspace{Job: job, Dir: t.TempDir()}
}

func steps(scripts ...string) []*config.Step {
	out := make([]*config.Step, 0, len(scripts)/2)
	for i := 0; i+1 < len(scripts); i += 2 {
		out = append(out, &config.Step{Name: scripts[i], Run: scripts[i+1]})
	}
	return out
}

func TestRun_Succeeds(t *testing.T) {
	var out testutil.SafeBuffer
	e := New(&out, 0, time.Second)
	ws := newWorkspace(t, "build")
	job := &config.Job{
		Name:  "build",
		Env:   map[string]string{"GREETING": "hello"},
		Steps: steps("greet", `echo "$GREETING from $JOB_NAME"`, "touch", "touch done"),
	}

	res := e.Run(context.Background(), job, ws, []string{"ENV_PATH=/envs/x"})
	require.NoError(t, res.Err)
	assert.Equal(t, jobrun.Succeeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Nil(t, res.FirstFailure)
	require.Len(t, res.Steps, 2)
	assert.Contains(t, out.String(), "[build/greet] hello from build\n")
	assert.FileExists(t, filepath.Join(ws.Dir, "done"))
}

func TestRun_FailFastStopsAtFirstFailure(t *testing.T) {
	e := New(nil, 0, time.Second)
	ws := newWorkspace(t, "unit")
	job := &config.Job{
		Name:   "unit",
		Policy: config.FailFast,
		Steps:  steps("one", "echo boom; exit 3", "two", "touch should-not-exist"),
	}

	res := e.Run(context.Background(), job, ws, nil)
	assert.Equal(t, jobrun.Failed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.ErrorIs(t, res.Err, ErrStepFailed)
	require.Len(t, res.Steps, 1)
	require.NotNil(t, res.FirstFailure)
	assert.Equal(t, "one", res.FirstFailure.Name)
	assert.Equal(t, "boom\n", res.FirstFailure.Output)
	assert.NoFileExists(t, filepath.Join(ws.Dir, "should-not-exist"))
}

// A pipeline step that fails must not prevent the regression check that
// follows it, and whatever the pipeline produced is still collected.
func TestRun_KeepGoingChipseqMisc(t *testing.T) {
	var out testutil.SafeBuffer
	e := New(&out, 0, time.Second)
	ws := newWorkspace(t, "chipseq-misc")
	job := &config.Job{
		Name:      "chipseq-misc",
		Policy:    config.KeepGoing,
		Artifacts: []string{"workflows/chipseq/data/*", "reports/*.html"},
		Steps: steps(
			"pipeline", "mkdir -p workflows/chipseq/data && echo peaks > workflows/chipseq/data/peaks.bed && exit 1",
			"check", "echo checked > check.log",
		),
	}

	res := e.Run(context.Background(), job, ws, nil)
	assert.Equal(t, jobrun.Failed, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "pipeline", res.FirstFailure.Name)
	assert.NoError(t, res.Steps[1].Err)
	assert.FileExists(t, filepath.Join(ws.Dir, "check.log"))

	require.Len(t, res.Artifacts, 1)
	a := res.Artifacts[0]
	assert.Equal(t, "chipseq-misc", a.Job)
	assert.Equal(t, jobrun.Failed, a.Status)
	assert.Equal(t, filepath.Join("workflows", "chipseq", "data", "peaks.bed"), a.Rel)
	assert.Equal(t, int64(len("peaks\n")), a.Size)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "reports/*.html")
}

func TestRun_StepTimeout(t *testing.T) {
	e := New(nil, 100*time.Millisecond, 200*time.Millisecond)
	ws := newWorkspace(t, "slow")
	job := &config.Job{Name: "slow", Steps: steps("sleep", "sleep 5")}

	start := time.Now()
	res := e.Run(context.Background(), job, ws, nil)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, jobrun.Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.ErrorIs(t, res.Err, ErrStepFailed)
}

func TestRun_StepTimeoutOverridesDefault(t *testing.T) {
	e := New(nil, 50*time.Millisecond, 100*time.Millisecond)
	ws := newWorkspace(t, "j")
	job := &config.Job{Name: "j", Steps: []*config.Step{{Name: "s", Run: "sleep 0.3", Timeout: 5 * time.Second}}}

	res := e.Run(context.Background(), job, ws, nil)
	assert.Equal(t, jobrun.Succeeded, res.Status)
}

func TestRun_CancelledContext(t *testing.T) {
	e := New(nil, 0, 100*time.Millisecond)
	ws := newWorkspace(t, "j")
	job := &config.Job{Name: "j", Policy: config.KeepGoing, Steps: steps("a", "true", "b", "true")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Run(ctx, job, ws, nil)
	assert.Equal(t, jobrun.Failed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Len(t, res.Steps, 1)
}

func TestCollectArtifacts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "out", "nested"), 0o755))
	for _, f := range []string{"a.txt", "out/b.log", "out/nested/c.log"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, f), []byte(f), 0o644))
	}

	artifacts, warnings := collectArtifacts("j", jobrun.Succeeded, root, []string{"*.txt", "out", "a.txt", "../etc/passwd", "[", "missing/*"})
	rels := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		rels = append(rels, filepath.ToSlash(a.Rel))
	}
	assert.Equal(t, []string{"a.txt", "out/b.log", "out/nested/c.log"}, rels)
	require.Len(t, warnings, 3)
	assert.True(t, strings.Contains(warnings[0], "outside"))
	assert.True(t, strings.Contains(warnings[1], "invalid"))
	assert.True(t, strings.Contains(warnings[2], "matched no files"))
}

func TestRun_OutputPrefixedPerStep(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf, 0, time.Second)
	ws := newWorkspace(t, "p")
	job := &config.Job{Name: "p", Steps: steps("s", "printf 'one\\ntwo'")}
	res := e.Run(context.Background(), job, ws, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, "[p/s] one\n[p/s] two\n", buf.String())
}

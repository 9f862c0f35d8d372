// Package workspace creates the isolated directory each job runs in and
// populates it through the deployment and data-fetch collaborators.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/burstgridci/internal/ctxlog"
)

var (
	// ErrDeploymentFailed wraps every staging failure.
	ErrDeploymentFailed = errors.New("deployment failed")
	// ErrDataFetchFailed wraps every data-fetch failure.
	ErrDataFetchFailed = errors.New("data fetch failed")
)

// Retention decides which workspaces survive the end of their job.
type Retention int

const (
	// RetainOnFailure keeps workspaces of jobs that did not succeed.
	RetainOnFailure Retention = iota
	// RetainNever removes every workspace.
	RetainNever
	// RetainAlways keeps every workspace.
	RetainAlways
)

// ParseRetention accepts "on-failure", "never" and "always".
func ParseRetention(s string) (Retention, error) {
	switch strings.ToLower(s) {
	case "", "on-failure":
		return RetainOnFailure, nil
	case "never":
		return RetainNever, nil
	case "always":
		return RetainAlways, nil
	default:
		return RetainOnFailure, fmt.Errorf("invalid retention %q: must be 'on-failure', 'never' or 'always'", s)
	}
}

// Workspace is a directory owned by exactly one job run.
type Workspace struct {
	Job string
	Dir string
}

// Manager hands out per-job workspaces below Root/RunID.
type Manager struct {
	Root      string
	RunID     string
	Retention Retention
}

// Create makes an empty workspace for job. Creating the same job twice in
// one run is an error, which keeps workspaces from ever being shared.
func (m *Manager) Create(job string) (*Workspace, error) {
	if job == "" || strings.ContainsAny(job, `/\`) || job == "." || job == ".." {
		return nil, fmt.Errorf("%w: invalid job name %q for a workspace", ErrDeploymentFailed, job)
	}
	runDir := filepath.Join(m.Root, m.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeploymentFailed, err)
	}
	dir := filepath.Join(runDir, job)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating workspace for %q: %v", ErrDeploymentFailed, job, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeploymentFailed, err)
	}
	return &Workspace{Job: job, Dir: abs}, nil
}

// Release applies the retention policy once the job has finished.
func (m *Manager) Release(ctx context.Context, ws *Workspace, succeeded bool) error {
	logger := ctxlog.FromContext(ctx)
	keep := m.Retention == RetainAlways || (m.Retention == RetainOnFailure && !succeeded)
	if keep {
		logger.Info("Workspace kept for inspection.", "path", ws.Dir)
		return nil
	}
	logger.Debug("Removing workspace.", "path", ws.Dir)
	return os.RemoveAll(ws.Dir)
}

// Cleanup removes the run directory when no workspace was kept in it.
func (m *Manager) Cleanup() error {
	runDir := filepath.Join(m.Root, m.RunID)
	entries, err := os.ReadDir(runDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return os.Remove(runDir)
	}
	return nil
}

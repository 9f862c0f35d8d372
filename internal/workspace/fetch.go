package workspace

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/shell"
)

// Fetcher populates a staged workspace with external data.
type Fetcher interface {
	Fetch(ctx context.Context, ws *Workspace, step *config.Step, env []string, output io.Writer) error
}

// FetchError carries the exit status of a failed fetch_data script.
type FetchError struct {
	ExitCode int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v (exit code %d): %v", ErrDataFetchFailed, e.ExitCode, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDataFetchFailed) hold.
func (e *FetchError) Is(target error) bool { return target == ErrDataFetchFailed }

// CommandFetcher runs the job's fetch_data script inside the workspace.
type CommandFetcher struct {
	GracePeriod time.Duration
}

// Fetch implements Fetcher.
func (f *CommandFetcher) Fetch(ctx context.Context, ws *Workspace, step *config.Step, env []string, output io.Writer) error {
	if step == nil {
		return nil
	}
	code, err := shell.Run(ctx, shell.Command{
		Script:      step.Run,
		Dir:         ws.Dir,
		Env:         env,
		Output:      output,
		Timeout:     step.Timeout,
		GracePeriod: f.GracePeriod,
	})
	if err != nil {
		return &FetchError{ExitCode: code, Err: err}
	}
	return nil
}

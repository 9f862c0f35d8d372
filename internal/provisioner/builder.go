package provisioner

import (
	"context"
	"io"
	"time"

	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/logstream"
	"github.com/specialistvlad/burstgridci/internal/shell"
)

// CommandBuilder runs an environment's build script through the shell with
// ENV_NAME and ENV_PATH exported.
type CommandBuilder struct {
	// Dir is the working directory of build scripts.
	Dir string
	// Output receives the build log, one "[env:<name>]" prefixed line at a time.
	Output *logstream.Shared
	// GracePeriod applies when a build is cancelled or times out.
	GracePeriod time.Duration
}

// Build implements Builder.
func (b *CommandBuilder) Build(ctx context.Context, env *config.Environment, dest string) (int, error) {
	var out io.Writer = io.Discard
	if b.Output != nil {
		w := b.Output.Prefixed("env:" + env.Name)
		defer w.Flush()
		out = w
	}
	return shell.Run(ctx, shell.Command{
		Script:      env.Build,
		Dir:         b.Dir,
		Env:         []string{"ENV_NAME=" + env.Name, "ENV_PATH=" + dest},
		Output:      out,
		Timeout:     env.Timeout,
		GracePeriod: b.GracePeriod,
	})
}

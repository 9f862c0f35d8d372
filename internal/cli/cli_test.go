package cli

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/burstgridci/internal/app"
	"github.com/specialistvlad/burstgridci/internal/objectstore"
	"github.com/specialistvlad/burstgridci/internal/shell"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	cwd, err := filepath.Abs(".")
	require.NoError(t, err)

	testCases := []struct {
		name           string
		args           []string
		expectExit     bool
		expectCode     int
		expectedConfig *app.Config
		checkOutput    func(t *testing.T, output string)
	}{
		{
			name: "Happy path with all flags",
			args: []string{
				"-config", "/ci/graph",
				"--base-dir=" + base,
				"--workers=8",
				"--fail-fast",
				"--grace-period=3s",
				"--step-timeout=1m",
				"--cache-dir=/var/cache/bg",
				"--workspace-root=ws",
				"--retain=always",
				"--artifact-dir=out",
				"--sink=none",
				"--log-level=debug",
				"--log-format=json",
				"--healthcheck-port=8080",
				"--dry-run",
			},
			expectedConfig: &app.Config{
				ConfigPath:      "/ci/graph",
				BaseDir:         base,
				Workers:         8,
				FailFast:        true,
				GracePeriod:     3 * time.Second,
				StepTimeout:     time.Minute,
				CacheBackend:    "fs",
				CacheDir:        "/var/cache/bg",
				WorkspaceRoot:   filepath.Join(base, "ws"),
				Retain:          "always",
				ArtifactDir:     filepath.Join(base, "out"),
				Sink:            "none",
				S3:              objectstore.Config{Prefix: "burstgridci", UseSSL: true},
				LogFormat:       "json",
				LogLevel:        "debug",
				HealthcheckPort: 8080,
				DryRun:          true,
			},
		},
		{
			name: "Shorthand flag and defaults",
			args: []string{"-c", "ci.hcl"},
			expectedConfig: &app.Config{
				ConfigPath:    "ci.hcl",
				BaseDir:       cwd,
				Workers:       4,
				GracePeriod:   shell.DefaultGracePeriod,
				CacheBackend:  "fs",
				CacheDir:      filepath.Join(cwd, ".burstgridci", "cache"),
				WorkspaceRoot: filepath.Join(cwd, ".burstgridci", "workspaces"),
				Retain:        "on-failure",
				ArtifactDir:   filepath.Join(cwd, ".burstgridci", "artifacts"),
				Sink:          "local",
				S3:            objectstore.Config{Prefix: "burstgridci", UseSSL: true},
				LogFormat:     "text",
				LogLevel:      "info",
			},
		},
		{
			name: "Positional argument for path",
			args: []string{"--sink=NONE", "ci.yml"},
			checkOutput: func(t *testing.T, output string) {
				require.Empty(t, output)
			},
		},
		{
			name:       "Help flag triggers clean exit",
			args:       []string{"-h"},
			expectExit: true,
			checkOutput: func(t *testing.T, output string) {
				require.Contains(t, output, "Usage:")
			},
		},
		{
			name:       "No path triggers clean exit with usage",
			args:       []string{},
			expectExit: true,
			checkOutput: func(t *testing.T, output string) {
				require.Contains(t, output, "Usage:")
				require.Contains(t, output, "Exit codes:")
			},
		},
		{name: "Unknown flag", args: []string{"--nope", "ci.hcl"}, expectCode: ExitUsage},
		{name: "Invalid log level", args: []string{"--log-level=foo", "ci.hcl"}, expectCode: ExitUsage},
		{name: "Invalid log format", args: []string{"--log-format=yaml", "ci.hcl"}, expectCode: ExitUsage},
		{name: "Invalid retention", args: []string{"--retain=sometimes", "ci.hcl"}, expectCode: ExitUsage},
		{name: "Invalid sink", args: []string{"--sink=ftp", "ci.hcl"}, expectCode: ExitUsage},
		{name: "Invalid cache backend", args: []string{"--cache-backend=redis", "ci.hcl"}, expectCode: ExitUsage},
		{name: "Minio backend without endpoint", args: []string{"--cache-backend=minio", "ci.hcl"}, expectCode: ExitUsage},
		{name: "Negative workers", args: []string{"--workers=-1", "ci.hcl"}, expectCode: ExitUsage},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			out := &bytes.Buffer{}

			// --- Act ---
			cfg, shouldExit, err := Parse(tc.args, out)

			// --- Assert ---
			if tc.expectCode != 0 {
				require.Error(t, err)
				exitErr, ok := err.(*ExitError)
				require.True(t, ok, "Expected error to be of type ExitError")
				require.Equal(t, tc.expectCode, exitErr.Code)
				require.NotEmpty(t, exitErr.Message)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectExit, shouldExit)
			if !tc.expectExit {
				require.NotNil(t, cfg)
			}

			if tc.expectedConfig != nil {
				if diff := cmp.Diff(tc.expectedConfig, cfg); diff != "" {
					t.Errorf("Config mismatch (-want +got):\n%s", diff)
				}
			}
			if tc.checkOutput != nil {
				tc.checkOutput(t, out.String())
			}
		})
	}
}

func TestExitError(t *testing.T) {
	err := &ExitError{Code: ExitRunFailed, Message: "run failed"}
	require.EqualError(t, err, "run failed")
}

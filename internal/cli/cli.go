package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/specialistvlad/burstgridci/internal/app"
	"github.com/specialistvlad/burstgridci/internal/objectstore"
	"github.com/specialistvlad/burstgridci/internal/shell"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Exit codes of the burstgridci binary.
const (
	ExitOK        = 0
	ExitRunFailed = 1
	ExitUsage     = 2
)

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("burstgridci", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
burstgridci - A cache-aware, dependency-ordered CI job orchestrator.

Usage:
  burstgridci [options] [CONFIG_PATH]

Arguments:
  CONFIG_PATH
    Path to a .hcl/.yml file or a directory containing them.

Exit codes:
  0 every job succeeded, 1 the run failed, 2 usage or configuration error.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the graph file or directory.")
	cFlag := flagSet.String("c", "", "Path to the graph file or directory (shorthand).")
	baseDirFlag := flagSet.String("base-dir", ".", "Directory relative paths in the graph are resolved against.")
	workersFlag := flagSet.Int("workers", 4, "Number of jobs running at once.")
	failFastFlag := flagSet.Bool("fail-fast", false, "Stop starting jobs after the first failure.")
	graceFlag := flagSet.Duration("grace-period", shell.DefaultGracePeriod, "Time running jobs get to finish after a stop request.")
	stepTimeoutFlag := flagSet.Duration("step-timeout", 0, "Default timeout for steps without their own. 0 is unlimited.")
	cacheBackendFlag := flagSet.String("cache-backend", "fs", "Environment cache backend. Options: 'fs' or 'minio'.")
	cacheDirFlag := flagSet.String("cache-dir", "", "Directory of the fs cache backend. Defaults to .burstgridci/cache.")
	workspaceRootFlag := flagSet.String("workspace-root", "", "Directory job workspaces are created in. Defaults to .burstgridci/workspaces.")
	retainFlag := flagSet.String("retain", "on-failure", "Which workspaces to keep. Options: 'always', 'on-failure', 'never'.")
	artifactDirFlag := flagSet.String("artifact-dir", "", "Directory of the local artifact sink. Defaults to .burstgridci/artifacts.")
	sinkFlag := flagSet.String("sink", "local", "Artifact sink. Options: 'local', 'minio', 'none'.")
	s3EndpointFlag := flagSet.String("s3-endpoint", "", "S3 compatible endpoint (host:port).")
	s3BucketFlag := flagSet.String("s3-bucket", "", "Bucket for the minio cache backend and sink.")
	s3PrefixFlag := flagSet.String("s3-prefix", "burstgridci", "Object name prefix.")
	s3AccessKeyFlag := flagSet.String("s3-access-key", "", "Access key. Defaults to $AWS_ACCESS_KEY_ID.")
	s3SecretKeyFlag := flagSet.String("s3-secret-key", "", "Secret key. Defaults to $AWS_SECRET_ACCESS_KEY.")
	s3RegionFlag := flagSet.String("s3-region", "", "Bucket region. Defaults to $AWS_REGION.")
	s3SSLFlag := flagSet.Bool("s3-ssl", true, "Use TLS to reach the endpoint.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check and status server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Validate the graph and print the plan without running anything.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *configFlag != "" {
		path = *configFlag
	} else if *cFlag != "" {
		path = *cFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Config path determined.", "path", path)

	if path == "" {
		slog.Debug("No config path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: ExitUsage, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: ExitUsage, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		ConfigPath:    path,
		BaseDir:       *baseDirFlag,
		Workers:       *workersFlag,
		FailFast:      *failFastFlag,
		GracePeriod:   *graceFlag,
		StepTimeout:   *stepTimeoutFlag,
		CacheBackend:  strings.ToLower(*cacheBackendFlag),
		CacheDir:      *cacheDirFlag,
		WorkspaceRoot: *workspaceRootFlag,
		Retain:        strings.ToLower(*retainFlag),
		ArtifactDir:   *artifactDirFlag,
		Sink:          strings.ToLower(*sinkFlag),
		S3: objectstore.Config{
			Endpoint:  *s3EndpointFlag,
			Bucket:    *s3BucketFlag,
			Prefix:    *s3PrefixFlag,
			AccessKey: *s3AccessKeyFlag,
			SecretKey: *s3SecretKeyFlag,
			Region:    *s3RegionFlag,
			UseSSL:    *s3SSLFlag,
		},
		HealthcheckPort: *healthPortFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		DryRun:          *dryRunFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: ExitUsage, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config_path", config.ConfigPath)
	return config, false, nil
}

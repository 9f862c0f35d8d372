package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/specialistvlad/burstgridci/internal/objectstore"
	"github.com/specialistvlad/burstgridci/internal/workspace"
)

// ErrConfig marks problems with the command line or the graph documents.
var ErrConfig = errors.New("configuration error")

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPath string // .hcl/.yml file or directory
	// BaseDir resolves relative spec files, environment paths and workspace
	// sources. Defaults to the current directory.
	BaseDir string

	Workers     int
	FailFast    bool
	GracePeriod time.Duration
	StepTimeout time.Duration

	CacheBackend  string // fs | minio
	CacheDir      string
	WorkspaceRoot string
	Retain        string // always | on-failure | never
	ArtifactDir   string
	Sink          string // local | minio | none
	S3            objectstore.Config

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	DryRun          bool
}

const stateDir = ".burstgridci"

// NewConfig fills defaults and validates cfg.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, fmt.Errorf("%w: ConfigPath is a required configuration field and cannot be empty", ErrConfig)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "."
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.BaseDir = abs

	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "fs"
	}
	if cfg.Sink == "" {
		cfg.Sink = "local"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(stateDir, "cache")
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(stateDir, "workspaces")
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = filepath.Join(stateDir, "artifacts")
	}
	cfg.CacheDir = cfg.resolve(cfg.CacheDir)
	cfg.WorkspaceRoot = cfg.resolve(cfg.WorkspaceRoot)
	cfg.ArtifactDir = cfg.resolve(cfg.ArtifactDir)

	var problems []string
	if cfg.Workers < 0 {
		problems = append(problems, "workers must not be negative")
	}
	if cfg.GracePeriod < 0 || cfg.StepTimeout < 0 {
		problems = append(problems, "durations must not be negative")
	}
	switch cfg.CacheBackend {
	case "fs", "minio":
	default:
		problems = append(problems, fmt.Sprintf("invalid cache-backend %q: must be 'fs' or 'minio'", cfg.CacheBackend))
	}
	switch cfg.Sink {
	case "local", "minio", "none":
	default:
		problems = append(problems, fmt.Sprintf("invalid sink %q: must be 'local', 'minio' or 'none'", cfg.Sink))
	}
	if _, err := workspace.ParseRetention(cfg.Retain); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.CacheBackend == "minio" || cfg.Sink == "minio" {
		cfg.S3 = cfg.S3.WithEnvDefaults()
		if err := cfg.S3.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return &cfg, nil
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

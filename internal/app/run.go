package app

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/specialistvlad/burstgridci/internal/artifactcache"
	"github.com/specialistvlad/burstgridci/internal/cachekey"
	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/dag"
	"github.com/specialistvlad/burstgridci/internal/executor"
	"github.com/specialistvlad/burstgridci/internal/jobrun"
	"github.com/specialistvlad/burstgridci/internal/logstream"
	"github.com/specialistvlad/burstgridci/internal/objectstore"
	"github.com/specialistvlad/burstgridci/internal/provisioner"
	"github.com/specialistvlad/burstgridci/internal/scheduler"
	"github.com/specialistvlad/burstgridci/internal/sink"
	"github.com/specialistvlad/burstgridci/internal/workspace"
)

// Run loads the graph, provisions the environments it uses and executes
// every job. Problems with the documents are returned as errors wrapping
// ErrConfig. Everything else, including an invalid graph or a failed
// environment build, ends in a Report with status Failed.
func (a *App) Run(ctx context.Context) (*scheduler.Report, error) {
	baseCtx := ctxlog.WithLogger(ctx, a.logger)
	ctx = baseCtx
	logger := a.logger
	logger.Debug("App.Run method started.")

	a.healthCheckServer()
	defer a.closeHealthCheckServer()

	model, err := a.loader.Load(ctx, a.config.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load %s: %v", ErrConfig, a.config.ConfigPath, err)
	}
	if err := model.Check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	graph, err := dag.FromModel(model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	logger.Debug("Job graph built.", "jobs", graph.Len())

	runID := uuid.NewString()
	ctx, logger = ctxlog.With(ctx, "run_id", runID)

	if err := graph.Validate(); err != nil {
		logger.Error("Job graph is invalid, no job will run.", "error", err)
		return a.finish(ctx, scheduler.Aborted(runID, graph.Names(), err))
	}

	if a.config.DryRun {
		return nil, a.plan(ctx, model, graph)
	}

	output := logstream.NewShared(a.outW)
	client, err := a.objectClient(ctx)
	if err != nil {
		return a.finish(ctx, scheduler.Aborted(runID, graph.Names(), err))
	}
	cache, err := a.newCache(client)
	if err != nil {
		return a.finish(ctx, scheduler.Aborted(runID, graph.Names(), err))
	}

	builder := a.builder
	if builder == nil {
		builder = &provisioner.CommandBuilder{Dir: a.config.BaseDir, Output: output, GracePeriod: a.config.GracePeriod}
	}
	prov := provisioner.New(cache, builder, a.config.BaseDir)

	used := model.UsedEnvironments()
	if len(used) > 0 {
		logger.Info("🔧 Provisioning environments", "count", len(used))
		if _, err := prov.EnsureAll(ctx, used); err != nil {
			logger.Error("Provisioning failed, no job will run.", "error", err)
			return a.finish(ctx, scheduler.Aborted(runID, graph.Names(), err))
		}
	}

	retention, _ := workspace.ParseRetention(a.config.Retain)
	workspaces := &workspace.Manager{Root: a.config.WorkspaceRoot, RunID: runID, Retention: retention}
	defer func() {
		if err := workspaces.Cleanup(); err != nil {
			logger.Warn("Removing the run's workspace directory failed.", "error", err)
		}
	}()

	exclude := []string{a.config.WorkspaceRoot, a.config.CacheDir, a.config.ArtifactDir, filepath.Join(a.config.BaseDir, ".git")}
	for _, env := range used {
		exclude = append(exclude, a.config.resolve(env.Path))
	}

	exec := executor.New(a.outW, a.config.StepTimeout, a.config.GracePeriod)
	exec.Output = output

	sched := scheduler.New(scheduler.Options{
		Workers:     a.config.Workers,
		FailFast:    a.config.FailFast,
		GracePeriod: a.config.GracePeriod,
		ClassLimits: model.ClassLimits(),
		RunID:       runID,
	}, scheduler.Deps{
		Environments: model.Environments,
		Provisioner:  prov,
		Workspaces:   workspaces,
		Stager:       &workspace.Deployer{BaseDir: a.config.BaseDir, Exclude: exclude, GracePeriod: a.config.GracePeriod},
		Fetcher:      &workspace.CommandFetcher{GracePeriod: a.config.GracePeriod},
		Executor:     exec,
		Sink:         a.newSink(client, runID),
		Output:       output,
	})
	a.setScheduler(sched)

	// The scheduler tags its own lines with the run id.
	report := sched.Run(baseCtx, graph)
	return a.finish(ctx, report)
}

func (a *App) finish(ctx context.Context, report *scheduler.Report) (*scheduler.Report, error) {
	logger := ctxlog.FromContext(ctx)
	if err := report.WriteSummary(a.outW); err != nil {
		logger.Warn("Writing the run summary failed.", "error", err)
	}
	logger.Info("🏁 Run finished.",
		"status", report.Status,
		"succeeded", report.Count(jobrun.Succeeded),
		"failed", report.Count(jobrun.Failed),
		"skipped", report.Count(jobrun.Skipped),
	)
	return report, nil
}

// plan prints the execution levels and the cache entry of every used
// environment without running anything.
func (a *App) plan(ctx context.Context, model *config.Model, graph *dag.Graph) error {
	levels, err := graph.TopologicalOrder()
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("Execution plan:\n")
	for i, level := range levels {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, strings.Join(level, ", "))
	}
	for _, env := range model.UsedEnvironments() {
		specs := make([]string, len(env.SpecFiles))
		for i, s := range env.SpecFiles {
			specs[i] = a.config.resolve(s)
		}
		key, err := cachekey.Compute(specs...)
		if err != nil {
			fmt.Fprintf(&b, "  environment %s: %v\n", env.Name, err)
			continue
		}
		fmt.Fprintf(&b, "  environment %s: cache entry %s\n", env.Name, cachekey.ForEnvironment(env.Name, key))
	}
	ctxlog.FromContext(ctx).Info("📝 Dry run, nothing executed.", "levels", len(levels))
	_, err = fmt.Fprint(a.outW, b.String())
	return err
}

// objectClient connects to the object store when a component needs it.
func (a *App) objectClient(ctx context.Context) (*minio.Client, error) {
	if a.config.CacheBackend != "minio" && a.config.Sink != "minio" {
		return nil, nil
	}
	client, err := objectstore.NewClient(a.config.S3)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	if err := objectstore.EnsureBucket(ctx, client, a.config.S3); err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	return client, nil
}

func (a *App) newCache(client *minio.Client) (artifactcache.Cache, error) {
	if a.config.CacheBackend == "minio" {
		cfg := a.config.S3
		cfg.Prefix = path.Join(cfg.Prefix, "cache")
		return artifactcache.NewMinioStore(client, cfg, ""), nil
	}
	return artifactcache.NewFSStore(a.config.CacheDir)
}

func (a *App) newSink(client *minio.Client, runID string) sink.Sink {
	switch a.config.Sink {
	case "minio":
		cfg := a.config.S3
		cfg.Prefix = path.Join(cfg.Prefix, "artifacts")
		return sink.NewMinio(client, cfg, runID)
	case "none":
		return sink.Nop{}
	default:
		return sink.NewLocal(a.config.ArtifactDir, runID)
	}
}

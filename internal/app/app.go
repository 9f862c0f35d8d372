package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/provisioner"
	"github.com/specialistvlad/burstgridci/internal/scheduler"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx    context.Context
	outW   io.Writer
	logger *slog.Logger
	config *Config
	loader config.Loader

	// builder overrides the environment builder; nil runs build scripts.
	builder provisioner.Builder

	mu         sync.Mutex
	scheduler  *scheduler.Scheduler
	httpServer *http.Server
}

// NewApp is the constructor for the main application. Logs, subprocess
// output and the run summary all go to outW.
func NewApp(outW io.Writer, cfg *Config, loader config.Loader) *App {
	logger := newLogger(cfg, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	return &App{
		ctx:    ctx,
		outW:   outW,
		logger: logger,
		config: cfg,
		loader: loader,
	}
}

// Snapshot returns the live state of the current run, if any.
func (a *App) Snapshot() (scheduler.Snapshot, bool) {
	a.mu.Lock()
	s := a.scheduler
	a.mu.Unlock()
	if s == nil {
		return scheduler.Snapshot{}, false
	}
	return s.Snapshot(), true
}

func (a *App) setScheduler(s *scheduler.Scheduler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scheduler = s
}

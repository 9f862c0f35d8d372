// Package provisioner materializes named execution environments. An
// environment is restored from the artifact cache when an entry exists for
// the hash of its spec files; otherwise its build script runs once and the
// result is saved for later runs.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/specialistvlad/burstgridci/internal/artifactcache"
	"github.com/specialistvlad/burstgridci/internal/cachekey"
	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrProvisioningFailed marks every error caused by a failed environment build.
var ErrProvisioningFailed = errors.New("provisioning failed")

// ProvisioningError carries the build tool's exit status.
type ProvisioningError struct {
	Name     string
	ExitCode int
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning environment %q failed (exit code %d): %v", e.Name, e.ExitCode, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrProvisioningFailed) hold.
func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioningFailed }

// Handle describes a provisioned environment.
type Handle struct {
	Name string
	Key  cachekey.Key
	Path string
	// Restored is true when the environment came from the cache.
	Restored bool
}

// Env returns the variables a job needs to run inside the environment.
func (h *Handle) Env() []string {
	return []string{
		"ENV_NAME=" + h.Name,
		"ENV_PATH=" + h.Path,
		"PATH=" + filepath.Join(h.Path, "bin") + string(os.PathListSeparator) + os.Getenv("PATH"),
	}
}

// Builder performs the expensive construction of an environment at dest.
type Builder interface {
	Build(ctx context.Context, env *config.Environment, dest string) (exitCode int, err error)
}

type result struct {
	handle *Handle
	err    error
}

// Provisioner ensures environments exist. Calls for the same environment and
// key are collapsed: one caller builds, the others wait for its outcome, and
// that outcome is remembered for the lifetime of the Provisioner.
type Provisioner struct {
	cache   artifactcache.Cache
	builder Builder
	baseDir string

	group   singleflight.Group
	mu      sync.Mutex
	results map[string]result
}

// New returns a Provisioner. Relative spec file and environment paths are
// resolved against baseDir.
func New(cache artifactcache.Cache, builder Builder, baseDir string) *Provisioner {
	return &Provisioner{
		cache:   cache,
		builder: builder,
		baseDir: baseDir,
		results: make(map[string]result),
	}
}

// resolve returns an absolute path, since jobs use environments from inside
// their own workspaces.
func (p *Provisioner) resolve(path string) string {
	if !filepath.IsAbs(path) && p.baseDir != "" {
		path = filepath.Join(p.baseDir, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Ensure returns a handle to env, restoring or building it as needed.
func (p *Provisioner) Ensure(ctx context.Context, env *config.Environment) (*Handle, error) {
	specs := make([]string, len(env.SpecFiles))
	for i, s := range env.SpecFiles {
		specs[i] = p.resolve(s)
	}
	key, err := cachekey.Compute(specs...)
	if err != nil {
		return nil, fmt.Errorf("environment %q: %w", env.Name, err)
	}
	entry := cachekey.ForEnvironment(env.Name, key)

	v, err, _ := p.group.Do(entry, func() (any, error) {
		p.mu.Lock()
		r, ok := p.results[entry]
		p.mu.Unlock()
		if !ok {
			h, err := p.ensure(ctx, env, key, entry)
			r = result{handle: h, err: err}
			p.mu.Lock()
			p.results[entry] = r
			p.mu.Unlock()
		}
		return r.handle, r.err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (p *Provisioner) ensure(ctx context.Context, env *config.Environment, key cachekey.Key, entry string) (*Handle, error) {
	ctx, logger := ctxlog.With(ctx, "environment", env.Name, "key", key.Short())
	path := p.resolve(env.Path)
	handle := &Handle{Name: env.Name, Key: key, Path: path}

	found, err := p.cache.Restore(ctx, entry, []string{path})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Cache restore failed, building from scratch.", "error", err)
	}
	if found && exists(path) {
		logger.Info("♻️ Environment restored from cache", "path", path)
		handle.Restored = true
		return handle, nil
	}

	// Whatever is at path was built from different specs.
	if err := os.RemoveAll(path); err != nil {
		return nil, &ProvisioningError{Name: env.Name, ExitCode: -1, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &ProvisioningError{Name: env.Name, ExitCode: -1, Err: err}
	}

	logger.Info("🔧 Building environment", "path", path)
	code, err := p.builder.Build(ctx, env, path)
	if err != nil {
		return nil, &ProvisioningError{Name: env.Name, ExitCode: code, Err: err}
	}
	if !exists(path) {
		return nil, &ProvisioningError{Name: env.Name, ExitCode: code, Err: fmt.Errorf("build did not create %s", path)}
	}

	if err := p.cache.Save(ctx, entry, []string{path}); err != nil {
		logger.Warn("Environment built but could not be cached.", "error", err)
	}
	logger.Info("✅ Environment ready", "path", path)
	return handle, nil
}

// EnsureAll provisions every environment concurrently. Builds run to
// completion even when one of them fails, so successful ones still reach
// the cache; the first failure is returned.
func (p *Provisioner) EnsureAll(ctx context.Context, envs []*config.Environment) (map[string]*Handle, error) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		handles = make(map[string]*Handle, len(envs))
	)
	for _, env := range envs {
		g.Go(func() error {
			h, err := p.Ensure(ctx, env)
			if err != nil {
				return err
			}
			mu.Lock()
			handles[env.Name] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return handles, err
	}
	return handles, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/shell"
)

// Stager populates a freshly created workspace.
type Stager interface {
	Stage(ctx context.Context, ws *Workspace, spec *config.Workspace, output io.Writer) error
}

// Deployer clones a repository when the declaration names one and copies the
// included paths from Source otherwise; overlay files are applied last.
type Deployer struct {
	// BaseDir resolves relative Source and overlay paths.
	BaseDir string
	// Exclude lists directories never copied into a workspace, such as the
	// workspace root itself or the cache directory.
	Exclude     []string
	GracePeriod time.Duration
}

// Stage implements Stager.
func (d *Deployer) Stage(ctx context.Context, ws *Workspace, spec *config.Workspace, output io.Writer) error {
	if spec == nil {
		return nil
	}
	logger := ctxlog.FromContext(ctx)

	source := d.resolve(spec.Source)
	if spec.Repository != "" {
		logger.Debug("Cloning repository into workspace.", "repository", spec.Repository, "ref", spec.Ref)
		if err := d.clone(ctx, ws.Dir, spec, output); err != nil {
			return fmt.Errorf("%w: %v", ErrDeploymentFailed, err)
		}
		source = ws.Dir
	} else {
		logger.Debug("Copying paths into workspace.", "source", source, "include", spec.Include)
		include := spec.Include
		if len(include) == 0 {
			include = []string{"."}
		}
		for _, rel := range include {
			src, dst, err := within(source, ws.Dir, rel)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrDeploymentFailed, err)
			}
			if err := copyTree(src, dst, d.excluded(ws.Dir)); err != nil {
				return fmt.Errorf("%w: copying %s: %v", ErrDeploymentFailed, rel, err)
			}
		}
	}

	targets := make([]string, 0, len(spec.Overlay))
	for from := range spec.Overlay {
		targets = append(targets, from)
	}
	sort.Strings(targets)
	for _, from := range targets {
		src := from
		if !filepath.IsAbs(src) {
			src = filepath.Join(d.resolve(spec.Source), from)
		}
		_, dst, err := within(ws.Dir, ws.Dir, spec.Overlay[from])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeploymentFailed, err)
		}
		if err := copyTree(src, dst, nil); err != nil {
			return fmt.Errorf("%w: overlaying %s: %v", ErrDeploymentFailed, from, err)
		}
	}
	return nil
}

func (d *Deployer) resolve(p string) string {
	if p == "" {
		p = "."
	}
	if filepath.IsAbs(p) || d.BaseDir == "" {
		return p
	}
	return filepath.Join(d.BaseDir, p)
}

func (d *Deployer) excluded(wsDir string) map[string]bool {
	skip := map[string]bool{wsDir: true}
	for _, p := range d.Exclude {
		if abs, err := filepath.Abs(p); err == nil {
			skip[abs] = true
		}
	}
	return skip
}

func (d *Deployer) clone(ctx context.Context, dest string, spec *config.Workspace, output io.Writer) error {
	args := []string{"git", "clone", "--depth", "1"}
	if spec.Ref != "" {
		args = append(args, "--branch", spec.Ref)
	}
	args = append(args, spec.Repository, ".")
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quote(a)
	}
	_, err := shell.Run(ctx, shell.Command{
		Script:      strings.Join(quoted, " "),
		Dir:         dest,
		Output:      output,
		GracePeriod: d.GracePeriod,
	})
	return err
}

// within joins rel onto both roots and rejects paths escaping them.
func within(srcRoot, dstRoot, rel string) (string, string, error) {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q must stay inside the workspace", rel)
	}
	return filepath.Join(srcRoot, clean), filepath.Join(dstRoot, clean), nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// copyTree copies a file, symlink or directory tree from src to dst,
// preserving permission bits. Directories whose absolute path is in skip are
// left out.
func copyTree(src, dst string, skip map[string]bool) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && len(skip) > 0 {
			if abs, err := filepath.Abs(p); err == nil && skip[abs] {
				return filepath.SkipDir
			}
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

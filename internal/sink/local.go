package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/executor"
)

// ManifestName is the file, inside the run directory, listing every artifact.
const ManifestName = "manifest.jsonl"

// Local copies artifacts into Dir/RunID/<job>/ and appends one JSON line per
// artifact to Dir/RunID/manifest.jsonl.
type Local struct {
	Dir   string
	RunID string

	mu sync.Mutex
}

// NewLocal returns a sink rooted at dir for the given run.
func NewLocal(dir, runID string) *Local {
	return &Local{Dir: dir, RunID: runID}
}

// RunDir is where this run's artifacts land.
func (s *Local) RunDir() string {
	return filepath.Join(s.Dir, s.RunID)
}

// Put implements Sink.
func (s *Local) Put(ctx context.Context, a executor.Artifact) error {
	dst := filepath.Join(s.RunDir(), a.Job, a.Rel)
	if err := copyFile(a.Path, dst); err != nil {
		return fmt.Errorf("storing artifact %s of job %q: %w", a.Rel, a.Job, err)
	}

	line, err := json.Marshal(ManifestEntry{
		RunID:    s.RunID,
		Job:      a.Job,
		Status:   a.Status.String(),
		Path:     filepath.ToSlash(filepath.Join(a.Job, a.Rel)),
		Size:     a.Size,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.RunDir(), ManifestName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	ctxlog.FromContext(ctx).Debug("Artifact stored.", "job", a.Job, "path", dst)
	return f.Close()
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

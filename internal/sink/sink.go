// Package sink receives the artifacts jobs produce. Artifacts are handed over
// whatever the job's outcome, so the files of a failed run stay inspectable.
package sink

import (
	"context"
	"time"

	"github.com/specialistvlad/burstgridci/internal/executor"
)

// Sink stores artifacts of one run.
type Sink interface {
	Put(ctx context.Context, a executor.Artifact) error
}

// Nop discards every artifact.
type Nop struct{}

// Put implements Sink.
func (Nop) Put(context.Context, executor.Artifact) error { return nil }

// ManifestEntry is one line of the local manifest.
type ManifestEntry struct {
	RunID    string    `json:"run_id"`
	Job      string    `json:"job"`
	Status   string    `json:"status"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

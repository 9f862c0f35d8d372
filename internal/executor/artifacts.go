package executor

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specialistvlad/burstgridci/internal/jobrun"
)

// Artifact is a file produced by a job, kept whatever the job's outcome.
type Artifact struct {
	Job    string
	Status jobrun.State
	// Path is absolute; Rel is relative to the workspace.
	Path string
	Rel  string
	Size int64
}

// collectArtifacts expands patterns relative to root. Matched directories
// contribute every regular file below them. Patterns matching nothing, or
// pointing outside root, produce warnings.
func collectArtifacts(job string, status jobrun.State, root string, patterns []string) ([]Artifact, []string) {
	var (
		artifacts []Artifact
		warnings  []string
		seen      = map[string]bool{}
	)
	add := func(p string, info fs.FileInfo) {
		rel, err := filepath.Rel(root, p)
		if err != nil || seen[rel] {
			return
		}
		seen[rel] = true
		artifacts = append(artifacts, Artifact{Job: job, Status: status, Path: p, Rel: rel, Size: info.Size()})
	}

	for _, pattern := range patterns {
		clean := filepath.Clean(pattern)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			warnings = append(warnings, fmt.Sprintf("artifact pattern %q points outside the workspace", pattern))
			continue
		}
		matches, err := filepath.Glob(filepath.Join(root, clean))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("artifact pattern %q is invalid: %v", pattern, err))
			continue
		}
		found := 0
		for _, m := range matches {
			_ = filepath.WalkDir(m, func(p string, d fs.DirEntry, err error) error {
				if err != nil || !d.Type().IsRegular() {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					return nil
				}
				add(p, info)
				found++
				return nil
			})
		}
		if found == 0 {
			warnings = append(warnings, fmt.Sprintf("artifact pattern %q matched no files", pattern))
		}
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Rel < artifacts[j].Rel })
	return artifacts, warnings
}

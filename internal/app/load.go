package app

import (
	"context"
	"errors"

	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/fsutil"
)

// formatLoader hands every document to the loader of its format and merges
// the results, so one directory may mix HCL and YAML files.
type formatLoader struct {
	hcl  config.Loader
	yaml config.Loader
}

// NewLoader returns a config.Loader dispatching .hcl files to hclLoader and
// .yml/.yaml files to yamlLoader.
func NewLoader(hclLoader, yamlLoader config.Loader) config.Loader {
	return &formatLoader{hcl: hclLoader, yaml: yamlLoader}
}

// Load implements config.Loader.
func (l *formatLoader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	hclFiles, err := fsutil.FindFiles(paths, ".hcl")
	if err != nil {
		return nil, err
	}
	yamlFiles, err := fsutil.FindFiles(paths, ".yml", ".yaml")
	if err != nil {
		return nil, err
	}
	if len(hclFiles)+len(yamlFiles) == 0 {
		return nil, errors.New("no .hcl, .yml or .yaml documents found")
	}
	logger.Debug("Loading graph documents.", "hcl", len(hclFiles), "yaml", len(yamlFiles))

	// Each loader gets the original paths so it applies its own discovery
	// rules, such as skipping YAML files that are not graph documents.
	model := config.NewModel()
	for _, part := range []struct {
		loader config.Loader
		files  []string
	}{{l.hcl, hclFiles}, {l.yaml, yamlFiles}} {
		if len(part.files) == 0 {
			continue
		}
		if part.loader == nil {
			return nil, errors.New("no loader configured for " + part.files[0])
		}
		m, err := part.loader.Load(ctx, paths...)
		if err != nil {
			return nil, err
		}
		if err := model.Merge(m); err != nil {
			return nil, err
		}
	}
	if len(model.Jobs) == 0 && len(model.Environments) == 0 && len(model.ResourceClasses) == 0 {
		return nil, errors.New("no graph documents found")
	}
	return model, nil
}

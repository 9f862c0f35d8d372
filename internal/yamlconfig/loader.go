// Package yamlconfig loads job graphs written as CI-style YAML documents
// into the format-agnostic config.Model.
package yamlconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/specialistvlad/burstgridci/internal/config"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// Document is the top-level shape of a YAML graph file.
type Document struct {
	ResourceClasses map[string]ResourceClass `yaml:"resource_classes"`
	Environments    map[string]Environment   `yaml:"environments"`
	Jobs            map[string]Job           `yaml:"jobs"`
}

// ResourceClass caps how many jobs of the class may run at once.
type ResourceClass struct {
	Limit int `yaml:"limit"`
}

// Environment describes a cached environment and how to build it.
type Environment struct {
	SpecFiles []string `yaml:"spec_files"`
	Path      string   `yaml:"path"`
	Build     string   `yaml:"build"`
	Timeout   string   `yaml:"timeout"`
}

// Job is one job of the graph, keyed by name in Document.Jobs.
type Job struct {
	Needs         StringList        `yaml:"needs"`
	Environment   string            `yaml:"environment"`
	OnFailure     string            `yaml:"on_failure"`
	ResourceClass string            `yaml:"resource_class"`
	Artifacts     StringList        `yaml:"artifacts"`
	Env           map[string]string `yaml:"env"`
	Workspace     *Workspace        `yaml:"workspace"`
	FetchData     *Step             `yaml:"fetch_data"`
	Steps         []Step            `yaml:"steps"`
}

// Workspace selects where a job's working tree comes from. Source is only
// used when Repository is empty.
type Workspace struct {
	Repository string            `yaml:"repository"`
	Ref        string            `yaml:"ref"`
	Source     string            `yaml:"source"`
	Include    StringList        `yaml:"include"`
	Overlay    map[string]string `yaml:"overlay"`
}

// Step is a shell command. It is used for job steps and for fetch_data.
type Step struct {
	Name    string `yaml:"name"`
	Run     string `yaml:"run"`
	Timeout string `yaml:"timeout"`
}

// StringList accepts either a single string or a sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = StringList{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// Loader is the YAML implementation of config.Loader.
type Loader struct {
	// Getenv resolves ${VAR} references in job env values; nil means
	// os.Getenv.
	Getenv func(string) string
}

// NewLoader creates a new YAML configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .yml and .yaml file below paths into one model. Files
// named directly must be graph documents. Files found by walking a directory
// are skipped unless they have a top-level jobs, environments or
// resource_classes key, so environment specifications such as a conda
// env.yml can live next to the graph.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	model := config.NewModel()
	for _, root := range paths {
		files, err := fsutil.FindFiles([]string{root}, ".yml", ".yaml")
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		walked := info.IsDir()
		logger.Debug("Discovered YAML files.", "path", root, "count", len(files))

		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, err
			}
			if walked && !IsGraphDocument(data) {
				logger.Debug("Skipping YAML file that is not a graph document.", "file", file)
				continue
			}
			fileModel, err := l.Parse(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			if err := model.Merge(fileModel); err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
		}
	}
	logger.Debug("YAML loading complete.", "environments", len(model.Environments), "jobs", len(model.Jobs))
	return model, nil
}

// IsGraphDocument reports whether data is a YAML mapping with at least one of
// the top-level keys a graph document uses.
func IsGraphDocument(data []byte) bool {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return false
	}
	for _, key := range []string{"jobs", "environments", "resource_classes"} {
		if _, ok := top[key]; ok {
			return true
		}
	}
	return false
}

// Parse translates a single YAML document. Unknown keys are rejected and
// jobs keep their document order.
func (l *Loader) Parse(data []byte) (*config.Model, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	order, err := jobOrder(data)
	if err != nil {
		return nil, err
	}
	return l.translate(&doc, order)
}

// jobOrder returns the job names in the order they appear in the document.
func jobOrder(data []byte) ([]string, error) {
	var raw struct {
		Jobs yaml.Node `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	var names []string
	for i := 0; i+1 < len(raw.Jobs.Content); i += 2 {
		names = append(names, raw.Jobs.Content[i].Value)
	}
	return names, nil
}

func (l *Loader) translate(doc *Document, order []string) (*config.Model, error) {
	m := config.NewModel()
	for name, rc := range doc.ResourceClasses {
		m.ResourceClasses[name] = &config.ResourceClass{Name: name, Limit: rc.Limit}
	}
	for name, e := range doc.Environments {
		timeout, err := config.ParseDuration("environment "+name+" timeout", e.Timeout)
		if err != nil {
			return nil, err
		}
		m.Environments[name] = &config.Environment{
			Name:      name,
			SpecFiles: e.SpecFiles,
			Path:      e.Path,
			Build:     e.Build,
			Timeout:   timeout,
		}
	}

	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, name := range order {
		j, ok := doc.Jobs[name]
		if !ok {
			continue
		}
		job, err := translateJob(name, j, getenv)
		if err != nil {
			return nil, err
		}
		m.Jobs = append(m.Jobs, job)
	}
	return m, nil
}

func translateJob(name string, j Job, getenv func(string) string) (*config.Job, error) {
	policy, err := config.ParseStepPolicy(j.OnFailure)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", name, err)
	}
	out := &config.Job{
		Name:          name,
		Needs:         j.Needs,
		Environment:   j.Environment,
		Policy:        policy,
		ResourceClass: j.ResourceClass,
		Artifacts:     j.Artifacts,
	}
	if len(j.Env) > 0 {
		out.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			out.Env[k] = os.Expand(v, getenv)
		}
	}
	if w := j.Workspace; w != nil {
		out.Workspace = &config.Workspace{
			Repository: w.Repository,
			Ref:        w.Ref,
			Source:     w.Source,
			Include:    w.Include,
			Overlay:    w.Overlay,
		}
	}
	if f := j.FetchData; f != nil {
		timeout, err := config.ParseDuration("job "+name+" fetch_data timeout", f.Timeout)
		if err != nil {
			return nil, err
		}
		out.FetchData = &config.Step{Name: "fetch_data", Run: f.Run, Timeout: timeout}
	}

	seen := make(map[string]bool, len(j.Steps))
	for i, s := range j.Steps {
		stepName := s.Name
		if stepName == "" {
			stepName = fmt.Sprintf("step-%d", i+1)
		}
		if seen[stepName] {
			return nil, fmt.Errorf("job %q: step %q declared more than once", name, stepName)
		}
		seen[stepName] = true
		timeout, err := config.ParseDuration("job "+name+" step "+stepName+" timeout", s.Timeout)
		if err != nil {
			return nil, err
		}
		out.Steps = append(out.Steps, &config.Step{Name: stepName, Run: s.Run, Timeout: timeout})
	}
	return out, nil
}


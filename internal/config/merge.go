package config

import (
	"fmt"
	"strings"
)

// Merge folds other into m. Names must stay unique across documents.
func (m *Model) Merge(other *Model) error {
	for name, env := range other.Environments {
		if _, ok := m.Environments[name]; ok {
			return fmt.Errorf("environment %q declared more than once", name)
		}
		m.Environments[name] = env
	}
	for name, rc := range other.ResourceClasses {
		if _, ok := m.ResourceClasses[name]; ok {
			return fmt.Errorf("resource class %q declared more than once", name)
		}
		m.ResourceClasses[name] = rc
	}
	m.Jobs = append(m.Jobs, other.Jobs...)
	return nil
}

// Check validates references that do not involve graph edges: every job's
// environment and resource class must be declared, every job needs at least
// one step, and every environment needs spec files, a path and a build script.
// Prerequisite edges are checked by the dag package.
func (m *Model) Check() error {
	var problems []string
	for name, env := range m.Environments {
		if len(env.SpecFiles) == 0 {
			problems = append(problems, fmt.Sprintf("environment %q has no spec_files", name))
		}
		if env.Path == "" {
			problems = append(problems, fmt.Sprintf("environment %q has no path", name))
		}
		if strings.TrimSpace(env.Build) == "" {
			problems = append(problems, fmt.Sprintf("environment %q has no build script", name))
		}
	}
	for name, rc := range m.ResourceClasses {
		if rc.Limit < 1 {
			problems = append(problems, fmt.Sprintf("resource class %q must have a limit of at least 1", name))
		}
	}
	for _, job := range m.Jobs {
		if len(job.Steps) == 0 {
			problems = append(problems, fmt.Sprintf("job %q has no steps", job.Name))
		}
		if job.Environment != "" {
			if _, ok := m.Environments[job.Environment]; !ok {
				problems = append(problems, fmt.Sprintf("job %q uses undeclared environment %q", job.Name, job.Environment))
			}
		}
		if job.ResourceClass != "" {
			if _, ok := m.ResourceClasses[job.ResourceClass]; !ok {
				problems = append(problems, fmt.Sprintf("job %q uses undeclared resource class %q", job.Name, job.ResourceClass))
			}
		}
		for i, step := range job.Steps {
			if strings.TrimSpace(step.Run) == "" {
				problems = append(problems, fmt.Sprintf("job %q step %d has an empty run script", job.Name, i+1))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// UsedEnvironments returns the environments referenced by at least one job.
func (m *Model) UsedEnvironments() []*Environment {
	seen := make(map[string]bool)
	var out []*Environment
	for _, job := range m.Jobs {
		if job.Environment == "" || seen[job.Environment] {
			continue
		}
		seen[job.Environment] = true
		if env, ok := m.Environments[job.Environment]; ok {
			out = append(out, env)
		}
	}
	return out
}

// ClassLimits returns the resource class limits keyed by class name.
func (m *Model) ClassLimits() map[string]int {
	out := make(map[string]int, len(m.ResourceClasses))
	for name, rc := range m.ResourceClasses {
		out[name] = rc.Limit
	}
	return out
}

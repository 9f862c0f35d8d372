package hcl

import (
	"fmt"

	"github.com/specialistvlad/burstgridci/internal/config"
)

// translate converts the decoded HCL blocks of one file into the model.
func translate(root *fileRoot) (*config.Model, error) {
	m := config.NewModel()

	for _, rc := range root.ResourceClasses {
		if _, ok := m.ResourceClasses[rc.Name]; ok {
			return nil, fmt.Errorf("resource class %q declared more than once", rc.Name)
		}
		m.ResourceClasses[rc.Name] = &config.ResourceClass{Name: rc.Name, Limit: rc.Limit}
	}

	for _, e := range root.Environments {
		if _, ok := m.Environments[e.Name]; ok {
			return nil, fmt.Errorf("environment %q declared more than once", e.Name)
		}
		timeout, err := config.ParseDuration("environment "+e.Name+" timeout", e.Timeout)
		if err != nil {
			return nil, err
		}
		m.Environments[e.Name] = &config.Environment{
			Name:      e.Name,
			SpecFiles: e.SpecFiles,
			Path:      e.Path,
			Build:     e.Build,
			Timeout:   timeout,
		}
	}

	for _, j := range root.Jobs {
		job, err := translateJob(j)
		if err != nil {
			return nil, err
		}
		m.Jobs = append(m.Jobs, job)
	}
	return m, nil
}

func translateJob(j *job) (*config.Job, error) {
	policy, err := config.ParseStepPolicy(j.OnFailure)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", j.Name, err)
	}
	out := &config.Job{
		Name:          j.Name,
		Needs:         j.Needs,
		Environment:   j.Environment,
		Policy:        policy,
		ResourceClass: j.ResourceClass,
		Env:           j.Env,
		Artifacts:     j.Artifacts,
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
		timeout, err := config.ParseDuration("job "+j.Name+" fetch_data timeout", f.Timeout)
		if err != nil {
			return nil, err
		}
		out.FetchData = &config.Step{Name: "fetch_data", Run: f.Run, Timeout: timeout}
	}

	seen := make(map[string]bool, len(j.Steps))
	for _, s := range j.Steps {
		if seen[s.Name] {
			return nil, fmt.Errorf("job %q: step %q declared more than once", j.Name, s.Name)
		}
		seen[s.Name] = true
		timeout, err := config.ParseDuration("job "+j.Name+" step "+s.Name+" timeout", s.Timeout)
		if err != nil {
			return nil, err
		}
		out.Steps = append(out.Steps, &config.Step{Name: s.Name, Run: s.Run, Timeout: timeout})
	}
	return out, nil
}

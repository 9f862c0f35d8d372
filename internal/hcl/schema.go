package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block a document may contain.
type fileRoot struct {
	ResourceClasses []*resourceClass `hcl:"resource_class,block"`
	Environments    []*environment   `hcl:"environment,block"`
	Jobs            []*job           `hcl:"job,block"`
	Remain          hcl.Body         `hcl:",remain"`
}

type resourceClass struct {
	Name  string `hcl:"name,label"`
	Limit int    `hcl:"limit"`
}

type environment struct {
	Name      string   `hcl:"name,label"`
	SpecFiles []string `hcl:"spec_files"`
	Path      string   `hcl:"path"`
	Build     string   `hcl:"build"`
	Timeout   string   `hcl:"timeout,optional"`
}

type job struct {
	Name          string            `hcl:"name,label"`
	Needs         []string          `hcl:"needs,optional"`
	Environment   string            `hcl:"environment,optional"`
	OnFailure     string            `hcl:"on_failure,optional"`
	ResourceClass string            `hcl:"resource_class,optional"`
	Artifacts     []string          `hcl:"artifacts,optional"`
	Env           map[string]string `hcl:"env,optional"`
	Workspace     *workspace        `hcl:"workspace,block"`
	FetchData     *fetchData        `hcl:"fetch_data,block"`
	Steps         []*step           `hcl:"step,block"`
}

type workspace struct {
	Repository string            `hcl:"repository,optional"`
	Ref        string            `hcl:"ref,optional"`
	Source     string            `hcl:"source,optional"`
	Include    []string          `hcl:"include,optional"`
	Overlay    map[string]string `hcl:"overlay,optional"`
}

type fetchData struct {
	Run     string `hcl:"run"`
	Timeout string `hcl:"timeout,optional"`
}

type step struct {
	Name    string `hcl:"name,label"`
	Run     string `hcl:"run"`
	Timeout string `hcl:"timeout,optional"`
}

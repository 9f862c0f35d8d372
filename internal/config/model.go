// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the unified model every loader produces.
//
// Why a separate model?
//
// Jobs can be declared in HCL or in CI-style YAML. Both front ends decode
// their own syntax and translate it into these plain structs, so the graph,
// the provisioner and the scheduler never depend on a particular format.
// Durations and policies are already parsed here; nothing downstream has to
// interpret strings.
package config

import (
	"fmt"
	"time"
)

// Model is the unified representation of a job graph document.
type Model struct {
	Environments    map[string]*Environment
	ResourceClasses map[string]*ResourceClass
	Jobs            []*Job
}

// NewModel returns an empty, ready to fill model.
func NewModel() *Model {
	return &Model{
		Environments:    make(map[string]*Environment),
		ResourceClasses: make(map[string]*ResourceClass),
	}
}

// Environment is a named, cacheable execution environment.
type Environment struct {
	Name string
	// SpecFiles seed the cache key, in order.
	SpecFiles []string
	// Path is where the environment lives once provisioned.
	Path string
	// Build is the shell script constructing the environment at Path.
	Build   string
	Timeout time.Duration
}

// ResourceClass caps how many jobs of one class may run at once.
type ResourceClass struct {
	Name  string
	Limit int
}

// StepPolicy governs what happens to the remaining steps after one fails.
type StepPolicy int

const (
	// FailFast aborts the remaining steps on the first failure.
	FailFast StepPolicy = iota
	// KeepGoing runs every step and reports aggregate failure.
	KeepGoing
)

// String implements fmt.Stringer.
func (p StepPolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case KeepGoing:
		return "keep-going"
	default:
		return fmt.Sprintf("StepPolicy(%d)", int(p))
	}
}

// ParseStepPolicy accepts "fail-fast", "keep-going" or "" (fail-fast).
func ParseStepPolicy(s string) (StepPolicy, error) {
	switch s {
	case "", "fail-fast":
		return FailFast, nil
	case "keep-going":
		return KeepGoing, nil
	default:
		return FailFast, fmt.Errorf("unknown step failure policy %q: must be 'fail-fast' or 'keep-going'", s)
	}
}

// Job is a named unit of work with prerequisite edges.
type Job struct {
	Name          string
	Needs         []string
	Environment   string
	Policy        StepPolicy
	ResourceClass string
	Env           map[string]string
	Artifacts     []string
	Workspace     *Workspace
	FetchData     *Step
	Steps         []*Step
}

// Step is a single shell invocation.
type Step struct {
	Name    string
	Run     string
	Timeout time.Duration
}

// Workspace declares how a job's staged workspace is populated.
type Workspace struct {
	// Repository and Ref select a clone; when Repository is empty the
	// Include paths are copied from Source instead.
	Repository string
	Ref        string
	Source     string
	Include    []string
	// Overlay maps source files to destinations inside the workspace.
	Overlay map[string]string
}

// ParseDuration parses an optional duration attribute.
func ParseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, s)
	}
	return d, nil
}

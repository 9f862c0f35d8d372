// Package config defines the format-agnostic model of a job graph document,
// along with the Loader interface implemented by the HCL and YAML front ends.
//
// The `config.Model` is the single source of truth for the `dag`,
// `provisioner` and `scheduler` packages. Concrete loaders live in separate
// packages.
package config

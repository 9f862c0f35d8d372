// Package hcl provides the HCL implementation of config.Loader. It is
// responsible for file discovery, parsing, expression evaluation and the
// translation of HCL blocks into the format-agnostic config.Model.
package hcl

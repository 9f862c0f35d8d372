// Package executor runs the steps of one job inside its staged workspace and
// collects the artifacts the job declares.
package executor

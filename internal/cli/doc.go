// Package cli turns command-line arguments into an app.Config. Usage
// problems are reported as an ExitError carrying exit code 2, the same code
// the binary uses for invalid graph documents.
package cli

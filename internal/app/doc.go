// Package app contains the core application logic. It defines the main App
// struct and its configuration, and wires the loaders, the environment
// provisioner, the scheduler and the artifact sink into one run, decoupled
// from any specific entrypoint like a CLI or server.
package app

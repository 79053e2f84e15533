// Package app wires configuration, backends, the executor and the pipeline
// into one runnable application, decoupled from any specific entrypoint
// like a CLI.
package app

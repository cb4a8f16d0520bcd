// Package api holds the public types of the adflow orchestration core:
// workflow states and the transition table, the durable Run record, step
// definitions for the saga executor, the error taxonomy, and the Observer
// used for logging and metrics.
//
// The package is intentionally free of storage concerns; persistence lives
// in internal/persistence and the artifact stores in internal/modules.
package api

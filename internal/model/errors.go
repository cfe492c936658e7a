// Package model holds the data model shared by the collective scheduler,
// the workload FSM, and the node orchestrator: layers, stream batches,
// and the fatal-error taxonomy that terminates a run.
package model

import "fmt"

// ConfigError reports an invalid workload/system file, an unknown
// collective kind, a topology inconsistency, or any other misconfiguration
// discovered before or during a run. ConfigErrors are always fatal.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config error: %s", e.Reason)
	}
	return fmt.Sprintf("config error (%s): %s", e.Key, e.Reason)
}

// NewConfigError builds a ConfigError carrying the offending key so the
// terminating panic line can name it.
func NewConfigError(key, reason string) *ConfigError {
	return &ConfigError{Key: key, Reason: reason}
}

// DependencyViolation is raised when the FSM believes a phase is complete
// (i.e. it is about to advance past a Blocking barrier) while that phase's
// batch map is non-empty. It is always a fatal assertion failure.
type DependencyViolation struct {
	LayerID int
	Phase   string
}

func (e *DependencyViolation) Error() string {
	return fmt.Sprintf("dependency violation at layer %d phase %s: "+
		"batch map not empty at barrier", e.LayerID, e.Phase)
}

// BackendError reports a failure reported by the network backend on a
// send/recv. The affected stream enters a stuck state; a subsequent
// completion check on that stream re-raises this as a panic.
type BackendError struct {
	Dst int
	Tag int
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error on (dst=%d, tag=%d): %v", e.Dst, e.Tag, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Panic terminates the simulator with a single printed reason. Callers
// should only use this for ConfigError and DependencyViolation conditions
// discovered outside of a recoverable path.
func Panic(err error) {
	panic(err)
}

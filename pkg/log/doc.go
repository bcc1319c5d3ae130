// Package log wraps zerolog with a process-wide logger and child-logger
// helpers for the fields every component shares (component, target, run_id,
// stage).
package log

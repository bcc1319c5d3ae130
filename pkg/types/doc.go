// Package types defines the shared domain model for Capstan: targets and
// their workload units, backups, deployment manifests, slot pointers and the
// pipeline stage/outcome vocabulary used by the orchestrator.
package types

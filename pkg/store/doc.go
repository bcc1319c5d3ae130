/*
Package store persists the orchestrator's shared mutable state in BoltDB:
deployment manifests, dual-slot pointers and pipeline run records.

The slot pointer is the only value with concurrent writers in principle
(two deploy attempts racing against the same target), so it is versioned
and mutated exclusively through CompareAndSwapPointer. Everything else has
a single writing stage and uses plain put semantics inside a bolt
transaction, which installs values atomically.
*/
package store

// Package manifest records what is running now and what ran before, per
// target. It is the source of truth for rollback points independent of the
// backup manager's own retention.
package manifest

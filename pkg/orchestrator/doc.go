/*
Package orchestrator sequences the release pipeline.

A run walks a linear state machine with one failure branch: validate,
back up, pull images, deploy, migrate, health-check, smoke-test, cut over,
clean up. From the backup stage onward a recoverable failure restores the
most recent backup before the run is reported failed. A successful cutover
is the commit point; nothing after it can flip the outcome.

Runs for a single target are strictly sequential, enforced by a per-target
in-flight lock. Independent targets may deploy concurrently.
*/
package orchestrator

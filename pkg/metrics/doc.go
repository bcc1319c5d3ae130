// Package metrics defines Prometheus instrumentation for the release
// pipeline: run and stage durations, gate failures, rollbacks, backups and
// proxy reloads. Metrics register with the default registry at init time;
// exposing them over HTTP is the embedding program's concern.
package metrics

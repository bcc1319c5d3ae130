/*
Package health implements the liveness gate for newly deployed workload
units.

Each unit moves through a small state machine:

	Starting ──> Healthy            (gate passes)
	Starting ──> Unhealthy          (gate fails, terminal)
	Starting ──> Timeout            (gate fails, treated same as Unhealthy)

The Prober polls at a fixed interval up to a bounded total timeout. HTTP
checks that fail during the unit's startup grace period do not count toward
the unhealthy threshold; once the grace period passes, the configured number
of consecutive failures is terminal. Retrying a failed gate is the caller's
decision, never the prober's.
*/
package health

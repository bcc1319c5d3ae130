// Package proxy wraps the reverse proxy collaborator behind a two-method
// client: validate configuration syntax and reload. The orchestrator treats
// reload as a critical section per proxy instance: it never issues a second
// reload before observing the result of the first.
package proxy

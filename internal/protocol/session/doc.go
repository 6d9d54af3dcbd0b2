// Package session owns the aux-plane reliability primitives.
//
// Ownership boundary:
// - per-request timeout and retry budget, counted in link cycles
// - backoff between retries
// - the outbox of requests awaiting a reply
package session

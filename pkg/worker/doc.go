// Package worker leases jobs from the store and runs their handlers.
//
// A Worker polls its lanes in a weighted round-robin cycle, falling back
// to the remaining lanes when the preferred one is empty, so the low
// priority enrichment lane is slowed but never starved. Each leased job
// runs under its kind's timeout with a heartbeat extending the lease.
// Failures are retried with capped exponential backoff until the attempt
// budget is spent, after which the job is dead-lettered exactly once.
package worker

// Package concurrency holds the small primitives shared by the poller and the
// delivery engine: a bounded worker pool, an upstream call quota, a fixed-delay
// retry helper and a per-key serialized runner.
package concurrency

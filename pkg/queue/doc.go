// Package queue implements a durable background job queue.
//
// Jobs are persisted through a Store and delivered at least once to the
// Handler registered for their kind. Each kind runs in its own lane with a
// fixed number of workers, so a lane with concurrency 1 processes its jobs
// strictly one at a time. Idempotency keys make enqueueing safe to repeat:
// a key that was already used is dropped without error.
//
// Failed jobs are retried with exponential backoff when the handler returns a
// retryable engine error, and marked dead otherwise or once MaxAttempts is
// reached. A worker that dies mid-job loses its lease, and the job becomes
// claimable again once the lease expires.
//
// Repeating work is scheduled with cron expressions; every tick enqueues one
// job whose idempotency key is derived from the tick, so several dispatchers
// sharing a store enqueue each tick only once.
package queue

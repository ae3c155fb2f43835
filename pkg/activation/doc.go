// Package activation rolls a candidate eligibility policy out across the
// catalog in two phases.
//
// Prepare creates a run frozen at a snapshot cutoff and enqueues the
// orchestrator job. The orchestrator pages through ready items by id and
// fans out one idempotent evaluate-item job per item. Item jobs evaluate the
// item, write the evaluation row keyed by (item, policy version) and record
// failures on the run instead of failing the job.
//
// Run counters are never incremented. They are recomputed from the
// evaluation rows of the run, so redelivered jobs cannot double count. The
// watchdog does this recomputation on a fixed interval under a distributed
// lock and moves finished runs to PREPARED, resumes stalled dispatch, and
// fails runs that made no progress for too long.
//
// Promote re-checks the blocking reasons and then, in one store transaction,
// activates the run's policy and marks the run PROMOTED. Business rule
// violations are returned as a *Failure inside the result, never as an
// error; errors are reserved for missing records and infrastructure faults.
//
// Basic usage:
//
//	svc := activation.NewService(store, dispatcher, locker, activation.Config{})
//	if err := svc.Register(dispatcher); err != nil {
//		return err
//	}
//	res, err := svc.Prepare(ctx, policyID, activation.PrepareOptions{CreatedBy: "ops"})
package activation

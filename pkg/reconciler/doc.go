/*
Package reconciler converges a flow cluster subtree to a declaration.

A Reconcile call runs the full pipeline against one target process group:

	┌──────────┐   ┌────────┐   ┌─────────┐   ┌──────────┐
	│ observer │──▶│ differ │──▶│ orderer │──▶│ executor │
	└──────────┘   └────────┘   └─────────┘   └──────────┘
	  snapshot      change-set    ordered        outcome
	                              change-set

The reconciler holds no entity state between calls. Every pass starts from a
fresh snapshot, so a run that was interrupted halfway is finished by the next
one.

# Retries

Two levels of retry exist:

  - The executor retries a single change on a stale revision, refetching the
    entity between attempts, up to Policy.MaxConflictRetries times.
  - When the executor gives up with a ConflictExhausted error, the
    reconciler waits (DefaultBackoff: 500ms, doubling, capped at 10s) and
    repeats the whole observe/diff/order/apply pass, up to
    Policy.TopLevelRetries times.

Any other failure ends the call. Reconcile never returns an error of its own;
the result is an executor.Outcome carrying Err.

# Usage

	r := reconciler.NewReconciler(client,
		reconciler.WithBroker(broker),
		reconciler.WithHistory(store),
		reconciler.WithRetention(100),
	)

	plan, err := r.Plan(ctx, desired, policy)   // dry run
	out := r.Reconcile(ctx, desired, policy)    // apply

# Loop

Loop runs Reconcile on an interval and on demand. The watch command triggers
it from the manifest watcher and serves its health on /ready:

	loop := reconciler.NewLoop(r, loadDesired, policy, 5*time.Minute)
	go loop.Run(ctx)
	loop.Trigger()

Triggers that arrive while a run is in progress collapse into one follow-up
run.
*/
package reconciler

/*
Package storage keeps the history of reconcile runs in a BoltDB file.

flowsync holds no entity state of its own: every reconcile reads the cluster
fresh. What it does keep is an audit trail, one record per Reconcile call,
so operators can see what changed and what failed without digging through
logs:

	store, err := storage.NewBoltStore("/var/lib/flowsync")
	if err != nil {
		return err
	}
	defer store.Close()

	_ = store.RecordRun(storage.NewRun(root, policy, outcome))
	runs, _ := store.ListRuns(20)

# Layout

Two buckets live in flowsync.db:

	runs       8-byte big-endian start time + run id  ->  JSON Run
	run_index  run id                                  ->  key in runs

Keys in runs sort by start time, so ListRuns walks the cursor backwards to
return the newest runs first. PruneRuns trims the oldest records.

BoltDB allows one writer per file; opening a database held by another
process fails after one second instead of blocking forever.
*/
package storage

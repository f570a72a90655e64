package replication

/**
This package keeps the part sets of several replicas of one table in sync.
Replication is based on a shared log kept in the coordination store.
Every change to the data (insert, merge, mutation, drop, replace) is appended
to /log as an entry; each replica copies new entries into its own queue and
executes them in order, fetching parts from peers or producing them locally.

When a replica starts, the following background tasks are initialized for
its coordination session:

- queue updating
	Pulls new /log entries into the replica queue and syncs /mutations.
	Woken by watches on both nodes.

- queue executor
	Picks executable queue entries and runs them on the worker pool.
	Entries that conflict with running work are postponed.

- leader election
	One replica is elected leader. Only the leader proposes merges and
	mutations and cleans up shared state.

- merge selecting, cleanup, part check, alter watching, mutation finalizing
	Periodic tasks, woken early when there is something for them to do.

When the session expires everything above is stopped, the replica turns
readonly and the restarting thread opens a new session and starts over.
*/

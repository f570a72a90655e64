package replication

import (
	"time"

	"github.com/pkg/errors"
)

// AlterSync says which replicas a partition operation or ALTER waits for
// before returning.
type AlterSync int

const (
	// AlterSyncLocal waits for this replica only.
	AlterSyncLocal AlterSync = iota
	// AlterSyncNone returns once the entry is in the log.
	AlterSyncNone
	// AlterSyncAll waits for every active replica.
	AlterSyncAll
)

// ParseAlterSync maps "none", "local" and "all" to an AlterSync. The empty
// string is AlterSyncLocal.
func ParseAlterSync(s string) (AlterSync, error) {
	switch s {
	case "", "local":
		return AlterSyncLocal, nil
	case "none":
		return AlterSyncNone, nil
	case "all":
		return AlterSyncAll, nil
	}
	return AlterSyncLocal, errors.Errorf("unknown alter sync mode %q", s)
}

// Settings tunes the background machinery of a replica. Zero values are
// replaced by defaults in WithDefaults.
type Settings struct {
	MaxReplicatedMergesInQueue int
	MaxPartsToMergeAtOnce      int
	MaxBytesToMerge            uint64
	MaxMutationsPerPass        int
	MergeSelectingPeriod       time.Duration

	MaxParallelFetchesForTable int
	FetchTimeout               time.Duration

	InsertQuorumTimeout time.Duration
	QuorumRecordTTL     time.Duration

	AlterPartitionsSync AlterSync

	MaxSuspiciousBrokenParts int
	PartCheckPeriod          time.Duration

	MinReplicatedLogs             int
	ReplicatedDeduplicationWindow int
	FinishedMutationsToKeep       int
	CleanupPeriod                 time.Duration
	OldPartsLifetime              time.Duration

	QueueUpdatePeriod   time.Duration
	QueueBackoffInitial time.Duration
	QueueBackoffMax     time.Duration
	TaskJitter          time.Duration

	RejoinInterval     time.Duration
	RejoinBackoffCoeff int
	RejoinMaxAttempts  int
}

func DefaultSettings() Settings {
	return Settings{
		MaxReplicatedMergesInQueue:    16,
		MaxPartsToMergeAtOnce:         100,
		MaxBytesToMerge:               150 << 30,
		MaxMutationsPerPass:           8,
		MergeSelectingPeriod:          5 * time.Second,
		MaxParallelFetchesForTable:    0,
		FetchTimeout:                  10 * time.Minute,
		InsertQuorumTimeout:           10 * time.Minute,
		QuorumRecordTTL:               time.Hour,
		MaxSuspiciousBrokenParts:      10,
		PartCheckPeriod:               10 * time.Minute,
		MinReplicatedLogs:             100,
		ReplicatedDeduplicationWindow: 100,
		FinishedMutationsToKeep:       100,
		CleanupPeriod:                 30 * time.Second,
		OldPartsLifetime:              8 * time.Minute,
		QueueUpdatePeriod:             10 * time.Second,
		QueueBackoffInitial:           100 * time.Millisecond,
		QueueBackoffMax:               30 * time.Second,
		TaskJitter:                    500 * time.Millisecond,
		RejoinInterval:                time.Second,
		RejoinBackoffCoeff:            2,
		RejoinMaxAttempts:             10,
	}
}

// WithDefaults fills every zero field from DefaultSettings. Fields where
// zero is meaningful (MaxParallelFetchesForTable, AlterPartitionsSync) are
// kept as is.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.MaxReplicatedMergesInQueue == 0 {
		s.MaxReplicatedMergesInQueue = d.MaxReplicatedMergesInQueue
	}
	if s.MaxPartsToMergeAtOnce == 0 {
		s.MaxPartsToMergeAtOnce = d.MaxPartsToMergeAtOnce
	}
	if s.MaxBytesToMerge == 0 {
		s.MaxBytesToMerge = d.MaxBytesToMerge
	}
	if s.MaxMutationsPerPass == 0 {
		s.MaxMutationsPerPass = d.MaxMutationsPerPass
	}
	if s.MergeSelectingPeriod == 0 {
		s.MergeSelectingPeriod = d.MergeSelectingPeriod
	}
	if s.FetchTimeout == 0 {
		s.FetchTimeout = d.FetchTimeout
	}
	if s.InsertQuorumTimeout == 0 {
		s.InsertQuorumTimeout = d.InsertQuorumTimeout
	}
	if s.QuorumRecordTTL == 0 {
		s.QuorumRecordTTL = d.QuorumRecordTTL
	}
	if s.MaxSuspiciousBrokenParts == 0 {
		s.MaxSuspiciousBrokenParts = d.MaxSuspiciousBrokenParts
	}
	if s.PartCheckPeriod == 0 {
		s.PartCheckPeriod = d.PartCheckPeriod
	}
	if s.MinReplicatedLogs == 0 {
		s.MinReplicatedLogs = d.MinReplicatedLogs
	}
	if s.ReplicatedDeduplicationWindow == 0 {
		s.ReplicatedDeduplicationWindow = d.ReplicatedDeduplicationWindow
	}
	if s.FinishedMutationsToKeep == 0 {
		s.FinishedMutationsToKeep = d.FinishedMutationsToKeep
	}
	if s.CleanupPeriod == 0 {
		s.CleanupPeriod = d.CleanupPeriod
	}
	if s.OldPartsLifetime == 0 {
		s.OldPartsLifetime = d.OldPartsLifetime
	}
	if s.QueueUpdatePeriod == 0 {
		s.QueueUpdatePeriod = d.QueueUpdatePeriod
	}
	if s.QueueBackoffInitial == 0 {
		s.QueueBackoffInitial = d.QueueBackoffInitial
	}
	if s.QueueBackoffMax == 0 {
		s.QueueBackoffMax = d.QueueBackoffMax
	}
	if s.TaskJitter == 0 {
		s.TaskJitter = d.TaskJitter
	}
	if s.RejoinInterval == 0 {
		s.RejoinInterval = d.RejoinInterval
	}
	if s.RejoinBackoffCoeff == 0 {
		s.RejoinBackoffCoeff = d.RejoinBackoffCoeff
	}
	if s.RejoinMaxAttempts == 0 {
		s.RejoinMaxAttempts = d.RejoinMaxAttempts
	}
	return s
}

func (s Settings) Validate() error {
	if s.MaxPartsToMergeAtOnce < 2 {
		return errors.New("max_parts_to_merge_at_once must be at least 2")
	}
	if s.MaxParallelFetchesForTable < 0 {
		return errors.New("max_parallel_fetches_for_table must not be negative")
	}
	if s.AlterPartitionsSync < AlterSyncLocal || s.AlterPartitionsSync > AlterSyncAll {
		return errors.New("alter_partitions_sync must be none, local or all")
	}
	if s.RejoinBackoffCoeff < 1 {
		return errors.New("rejoin_backoff_coeff must be at least 1")
	}
	return nil
}

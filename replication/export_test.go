package replication

import (
	"context"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/models"
)

// RepairMissingPart runs the part check for a registered part that a
// stale snapshot reported as missing.
func (r *Replica) RepairMissingPart(ctx context.Context, part string) (bool, error) {
	s, err := r.currentSession()
	if err != nil {
		return false, err
	}
	return r.checker.repairMissing(ctx, s.zk, part)
}

// CheckAllParts runs one full, non-startup part check.
func (r *Replica) CheckAllParts(ctx context.Context) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	return r.checker.CheckParts(ctx, s.zk, false)
}

// FetchPart fetches part, or a part covering it, and returns what was
// downloaded.
func (r *Replica) FetchPart(ctx context.Context, part string) (FetchResult, error) {
	s, err := r.currentSession()
	if err != nil {
		return FetchResult{}, err
	}
	return r.fetcher.FetchPart(ctx, s.zk, part, "", false, false)
}

type Donor struct {
	ReplicaPath string
	Part        string
	Checksum    string
}

// DownloadFrom downloads from donors in order, discards the payload and
// returns the replica path of the donor that served it.
func (r *Replica) DownloadFrom(ctx context.Context, donors ...Donor) (string, error) {
	s, err := r.currentSession()
	if err != nil {
		return "", err
	}
	ds := make([]donor, 0, len(donors))
	for _, d := range donors {
		ds = append(ds, donor{replicaPath: d.ReplicaPath, part: d.Part, header: models.PartHeader{Checksum: d.Checksum}})
	}
	tmp, d, err := r.fetcher.downloadFrom(ctx, s.zk, ds, "", "")
	if err != nil {
		return "", err
	}
	tmp.Discard()
	return d.replicaPath, nil
}

// ProposeMergeAfter selects the widest merge of partition, calls between,
// then proposes it against the state read before between ran.
func (r *Replica) ProposeMergeAfter(ctx context.Context, partition string, between func()) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	state, err := r.selectionState(ctx, s.zk)
	if err != nil {
		return err
	}
	w, ok := r.selectMerge(state, partition, r.settings.MaxPartsToMergeAtOnce, true)
	if !ok {
		return errors.Errorf("nothing to merge in %s", partition)
	}
	between()
	return r.proposeMerge(ctx, s.zk, state, w)
}

// ExecuteEntry applies e as if it was taken from the queue again.
func (r *Replica) ExecuteEntry(ctx context.Context, e *models.LogEntry) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	return r.executeEntry(ctx, s.zk, &QueueEntry{LogEntry: e})
}

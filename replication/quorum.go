package replication

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// quorumCoordinator tracks, per inserted part, which replicas hold it. The
// record under /quorum/<part> exists until enough replicas confirmed.
type quorumCoordinator struct {
	paths   tablePaths
	replica string
}

// CreateOps starts the record of a quorum insert. The inserting replica
// counts as the first confirmation.
func (q quorumCoordinator) CreateOps(part, insertID string, required int) ([]coordination.Op, error) {
	if required <= 1 {
		return nil, nil
	}
	data, err := models.Encode(&models.QuorumEntry{
		PartName: part,
		InsertID: insertID,
		Required: required,
		Replicas: []string{q.replica},
	})
	if err != nil {
		return nil, err
	}
	return []coordination.Op{coordination.NewCreate(q.paths.quorumFor(part), data, coordination.Persistent)}, nil
}

// UpdateOps confirms that this replica holds part. The ops are versioned
// against the record read here, so a concurrent confirmation makes the
// caller's transaction fail with ErrBadVersion and it must retry. No ops
// are returned when there is nothing to confirm.
func (q quorumCoordinator) UpdateOps(ctx context.Context, zk coordination.Client, part string,
) ([]coordination.Op, error) {
	data, stat, err := zk.Get(ctx, q.paths.quorumFor(part))
	if errors.Is(err, coordination.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(classify(err), "read quorum of %s", part)
	}
	entry := &models.QuorumEntry{}
	if err := models.Decode(data, entry); err != nil {
		return nil, errors.Wrapf(err, "decode quorum of %s", part)
	}
	if entry.HasReplica(q.replica) {
		return nil, nil
	}
	entry.Replicas = append(entry.Replicas, q.replica)
	if entry.Satisfied() {
		return []coordination.Op{coordination.NewDelete(q.paths.quorumFor(part), stat.Version)}, nil
	}
	updated, err := models.Encode(entry)
	if err != nil {
		return nil, err
	}
	return []coordination.Op{coordination.NewSet(q.paths.quorumFor(part), updated, stat.Version)}, nil
}

// Wait blocks until the quorum record of part is gone.
func (q quorumCoordinator) Wait(ctx context.Context, zk coordination.Client, part string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		exists, _, watch, err := zk.ExistsW(ctx, q.paths.quorumFor(part))
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return errors.Wrap(ErrQuorumTimeout, part)
			}
			return errors.Wrapf(classify(err), "watch quorum of %s", part)
		}
		if !exists {
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return errors.Wrap(ErrQuorumTimeout, part)
			}
			return errors.Wrap(ErrAborted, ctx.Err().Error())
		case <-zk.Expired():
			return errors.Wrapf(ErrSessionExpired, "waiting for quorum of %s", part)
		case <-watch:
		}
	}
}

// Abandon deletes the record of a part that can no longer reach its
// quorum. Failures are logged only.
func (q quorumCoordinator) Abandon(ctx context.Context, zk coordination.Client, part string) {
	err := zk.Delete(ctx, q.paths.quorumFor(part), coordination.AnyVersion)
	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		log.Warn("abandon quorum of %s: %v", part, err)
		return
	}
	log.Warn("quorum of lost part %s abandoned", part)
}

// Pending lists the parts whose quorum is not reached yet.
func (q quorumCoordinator) Pending(ctx context.Context, zk coordination.Client) (map[string]bool, error) {
	names, err := zk.Children(ctx, q.paths.quorum())
	if err != nil {
		return nil, errors.Wrap(classify(err), "list quorum records")
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

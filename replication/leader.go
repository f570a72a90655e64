package replication

import (
	"context"
	"path"
	"sort"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// runLeaderElection takes part in the election under /leader_election
// until the session ends. The candidate with the lowest sequence number
// leads; every other candidate watches only its predecessor.
func (r *Replica) runLeaderElection(ctx context.Context, zk coordination.Client) {
	node, err := zk.Create(ctx, r.paths.leaderElection()+"/"+leaderElectionPrefix,
		[]byte(r.cfg.ReplicaName), coordination.EphemeralSequential)
	if err != nil {
		if !isBenign(classify(err)) {
			log.Error("%sjoin leader election: %v", r.prefix, err)
		}
		return
	}
	defer func() {
		r.setLeader(false)
		// the node is ephemeral; removing it early lets the next candidate lead now
		delCtx := context.WithoutCancel(ctx)
		if err := zk.Delete(delCtx, node, coordination.AnyVersion); err != nil &&
			!errors.Is(err, coordination.ErrNoNode) && !coordination.IsHardwareError(err) {
			log.Warn("%sleave leader election: %v", r.prefix, err)
		}
	}()

	for {
		leading, watch, err := r.electionRound(ctx, zk, path.Base(node))
		if err != nil {
			if !isBenign(classify(err)) {
				log.Error("%sleader election: %v", r.prefix, err)
			}
			return
		}
		if leading {
			r.setLeader(true)
			log.Info("%sbecame leader", r.prefix)
			r.mergeSelecting.Wake()
			r.cleanupTask.Wake()
		}
		select {
		case <-ctx.Done():
			return
		case <-zk.Expired():
			return
		case <-watch:
			if leading {
				// our own node vanished; only happens when the session is gone
				log.Warn("%sleader election node disappeared", r.prefix)
				return
			}
		}
	}
}

// electionRound returns whether self leads and a channel that fires when
// the next round is due.
func (r *Replica) electionRound(ctx context.Context, zk coordination.Client, self string,
) (bool, <-chan coordination.Event, error) {
	for {
		candidates, err := zk.Children(ctx, r.paths.leaderElection())
		if err != nil {
			return false, nil, err
		}
		// zero padded sequence suffixes sort lexicographically
		sort.Strings(candidates)
		pos := sort.SearchStrings(candidates, self)
		if pos == len(candidates) || candidates[pos] != self {
			return false, nil, errors.Wrap(coordination.ErrNoNode, "own election node is gone")
		}

		watched := self
		if pos > 0 {
			watched = candidates[pos-1]
		}
		exists, _, watch, err := zk.ExistsW(ctx, r.paths.leaderElection()+"/"+watched)
		if err != nil {
			return false, nil, err
		}
		if !exists {
			// predecessor left between listing and watching
			continue
		}
		return pos == 0, watch, nil
	}
}

func (r *Replica) setLeader(leading bool) {
	if r.leader.Swap(leading) && !leading {
		log.Info("%sstopped being leader", r.prefix)
	}
	metrics.IsLeader.WithLabelValues(r.cfg.ReplicaName).Set(metrics.BoolGauge(leading))
}

package replication

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

const cleanupBatchSize = 100

// cleanupPass removes shared state nobody needs any more (leader only) and
// deletes local parts that have been outdated long enough.
func (r *Replica) cleanupPass(ctx context.Context) error {
	removed, err := r.parts.ClearOutdated(r.settings.OldPartsLifetime)
	if len(removed) > 0 {
		log.Info("%sremoved %d outdated parts", r.prefix, len(removed))
	}
	if err != nil {
		return err
	}

	if !r.IsLeader() {
		return nil
	}
	s, err := r.currentSession()
	if err != nil {
		return nil
	}
	steps := []struct {
		name string
		fn   func(ctx context.Context, zk coordination.Client) error
	}{
		{"old log entries", r.clearOldLogs},
		{"old deduplication blocks", r.clearOldBlocks},
		{"abandoned block numbers", r.clearAbandonedLocks},
		{"stale quorum records", r.clearOldQuorum},
		{"finished mutations", r.clearOldMutations},
	}
	for _, step := range steps {
		if err := step.fn(ctx, s.zk); err != nil {
			return errors.Wrapf(err, "clear %s", step.name)
		}
	}
	return nil
}

func (r *Replica) deleteBatched(ctx context.Context, zk coordination.Client, paths []string) error {
	for len(paths) > 0 {
		batch := paths
		if len(batch) > cleanupBatchSize {
			batch = batch[:cleanupBatchSize]
		}
		paths = paths[len(batch):]
		ops := make([]coordination.Op, len(batch))
		for i, p := range batch {
			ops[i] = coordination.NewDelete(p, coordination.AnyVersion)
		}
		if _, err := zk.Multi(ctx, ops...); err != nil {
			if !errors.Is(err, coordination.ErrNoNode) {
				return classify(err)
			}
			// somebody else removed one of them; fall back to single deletes
			for _, p := range batch {
				if err := zk.Delete(ctx, p, coordination.AnyVersion); err != nil && !errors.Is(err, coordination.ErrNoNode) {
					return classify(err)
				}
			}
		}
	}
	return nil
}

// clearOldLogs deletes log entries every replica has pulled, keeping the
// newest MinReplicatedLogs.
func (r *Replica) clearOldLogs(ctx context.Context, zk coordination.Client) error {
	replicas, err := zk.Children(ctx, r.paths.replicas())
	if err != nil {
		return classify(err)
	}
	minPointer := int64(-1)
	for _, name := range replicas {
		data, _, err := zk.Get(ctx, r.paths.replicaOf(name)+"/log_pointer")
		if errors.Is(err, coordination.ErrNoNode) {
			// replica being created
			return nil
		}
		if err != nil {
			return classify(err)
		}
		ptr, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			ptr = 0
		}
		if minPointer < 0 || ptr < minPointer {
			minPointer = ptr
		}
	}

	names, err := zk.Children(ctx, r.paths.log())
	if err != nil {
		return classify(err)
	}
	indexes := make([]int64, 0, len(names))
	for _, n := range names {
		if idx, ok := logIndex(n); ok {
			indexes = append(indexes, idx)
		}
	}
	if len(indexes) <= r.settings.MinReplicatedLogs {
		return nil
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	threshold := indexes[len(indexes)-1] + 1 - int64(r.settings.MinReplicatedLogs)
	if minPointer < threshold {
		threshold = minPointer
	}
	var victims []string
	for _, idx := range indexes {
		if idx >= threshold {
			break
		}
		victims = append(victims, r.paths.logEntry(coordination.FormatSequence(logPrefix, idx)))
	}
	if len(victims) == 0 {
		return nil
	}
	if err := r.deleteBatched(ctx, zk, victims); err != nil {
		return err
	}
	log.Info("%sremoved %d old log entries below %d", r.prefix, len(victims), threshold)
	return nil
}

// clearOldBlocks keeps the ReplicatedDeduplicationWindow newest
// deduplication keys, by creation time.
func (r *Replica) clearOldBlocks(ctx context.Context, zk coordination.Client) error {
	names, err := zk.Children(ctx, r.paths.blocks())
	if err != nil {
		return classify(err)
	}
	if len(names) <= r.settings.ReplicatedDeduplicationWindow {
		return nil
	}
	type block struct {
		path  string
		ctime int64
	}
	blocks := make([]block, 0, len(names))
	for _, n := range names {
		p := r.paths.blocks() + "/" + n
		exists, stat, err := zk.Exists(ctx, p)
		if err != nil {
			return classify(err)
		}
		if exists {
			blocks = append(blocks, block{path: p, ctime: stat.Ctime})
		}
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].ctime > blocks[j].ctime })
	if len(blocks) <= r.settings.ReplicatedDeduplicationWindow {
		return nil
	}
	var victims []string
	for _, b := range blocks[r.settings.ReplicatedDeduplicationWindow:] {
		victims = append(victims, b.path)
	}
	if err := r.deleteBatched(ctx, zk, victims); err != nil {
		return err
	}
	log.Info("%sremoved %d old deduplication blocks", r.prefix, len(victims))
	return nil
}

// clearAbandonedLocks releases block numbers whose writer died before
// committing, so merges can span them again.
func (r *Replica) clearAbandonedLocks(ctx context.Context, zk coordination.Client) error {
	partitions, err := r.blocks.Partitions(ctx, zk)
	if err != nil {
		return err
	}
	for _, p := range partitions {
		locks, err := r.blocks.AbandonedLocks(ctx, zk, p)
		if err != nil {
			return err
		}
		if len(locks) == 0 {
			continue
		}
		if err := r.deleteBatched(ctx, zk, locks); err != nil {
			return err
		}
		log.Warn("%sreleased %d abandoned block numbers in partition %s", r.prefix, len(locks), p)
	}
	return nil
}

// clearOldQuorum removes quorum records older than QuorumRecordTTL. Their
// inserts have long timed out.
func (r *Replica) clearOldQuorum(ctx context.Context, zk coordination.Client) error {
	names, err := zk.Children(ctx, r.paths.quorum())
	if err != nil {
		return classify(err)
	}
	cutoff := time.Now().Add(-r.settings.QuorumRecordTTL).UnixMilli()
	var victims []string
	for _, n := range names {
		p := r.paths.quorumFor(n)
		exists, stat, err := zk.Exists(ctx, p)
		if err != nil {
			return classify(err)
		}
		if exists && stat.Ctime < cutoff {
			victims = append(victims, p)
		}
	}
	if len(victims) == 0 {
		return nil
	}
	if err := r.deleteBatched(ctx, zk, victims); err != nil {
		return err
	}
	log.Warn("%sremoved %d quorum records that never completed", r.prefix, len(victims))
	return nil
}

// clearOldMutations removes mutations every replica has finished, keeping
// the FinishedMutationsToKeep newest.
func (r *Replica) clearOldMutations(ctx context.Context, zk coordination.Client) error {
	replicas, err := zk.Children(ctx, r.paths.replicas())
	if err != nil {
		return classify(err)
	}
	minPointer := ""
	for i, name := range replicas {
		data, _, err := zk.Get(ctx, r.paths.replicaOf(name)+"/mutation_pointer")
		if errors.Is(err, coordination.ErrNoNode) {
			return nil
		}
		if err != nil {
			return classify(err)
		}
		if i == 0 || string(data) < minPointer {
			minPointer = string(data)
		}
	}
	if minPointer == "" {
		return nil
	}

	ids, err := zk.Children(ctx, r.paths.mutations())
	if err != nil {
		return classify(err)
	}
	var finished []string
	for _, id := range sortedNames(ids) {
		if id <= minPointer {
			finished = append(finished, id)
		}
	}
	if len(finished) <= r.settings.FinishedMutationsToKeep {
		return nil
	}
	var victims []string
	for _, id := range finished[:len(finished)-r.settings.FinishedMutationsToKeep] {
		victims = append(victims, r.paths.mutation(id))
	}
	if err := r.deleteBatched(ctx, zk, victims); err != nil {
		return err
	}
	log.Info("%sremoved %d finished mutations", r.prefix, len(victims))
	return nil
}

// mutationFinalizingPass advances this replica's mutation pointer over the
// mutations that no current or expected part still needs.
func (r *Replica) mutationFinalizingPass(ctx context.Context) error {
	s, err := r.currentSession()
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var parts []models.PartInfo
	for _, p := range r.parts.Parts() {
		seen[p.Name] = true
		parts = append(parts, p.Info)
	}
	for _, name := range r.queue.VirtualParts() {
		if seen[name] {
			continue
		}
		if info, err := models.ParsePartName(name); err == nil && !info.IsFakeDropRange() {
			parts = append(parts, info)
		}
	}
	_, err = r.queue.FinalizeMutations(ctx, s.zk, parts)
	return err
}

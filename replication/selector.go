package replication

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// mergeCandidate is a local part that may take part in a merge.
type mergeCandidate struct {
	info    models.PartInfo
	bytes   int64
	version int64
	pending bool
}

type mergeWindow struct {
	parts []mergeCandidate
	bytes int64
}

func (w mergeWindow) better(other mergeWindow) bool {
	if len(w.parts) != len(other.parts) {
		return len(w.parts) > len(other.parts)
	}
	return w.bytes < other.bytes
}

func (w mergeWindow) names() []string {
	out := make([]string, len(w.parts))
	for i, p := range w.parts {
		out[i] = p.info.Name()
	}
	return out
}

// selectionState is what one selection pass works from.
type selectionState struct {
	logVersion int32
	locked     map[string][]int64
	quorum     map[string]bool
	maxBytes   int64
}

// mergeSelectingPass is the leader's proposer: it appends MERGE_PARTS and
// MUTATE_PART entries to the shared log while the queue has room.
func (r *Replica) mergeSelectingPass(ctx context.Context) error {
	if !r.IsLeader() {
		return nil
	}
	s, err := r.currentSession()
	if err != nil {
		return nil
	}
	r.mergeSelectingMu.Lock()
	defer r.mergeSelectingMu.Unlock()

	state, err := r.selectionState(ctx, s.zk)
	if err != nil {
		return err
	}
	merges, mutations := r.queue.CountMergesAndMutations()
	room := r.settings.MaxReplicatedMergesInQueue - merges - mutations
	if room <= 0 {
		log.Debug("%s%d merges and %d mutations queued, not selecting", r.prefix, merges, mutations)
		return nil
	}

	for _, partition := range r.parts.Partitions() {
		if room <= 0 {
			break
		}
		w, ok := r.selectMerge(state, partition, r.settings.MaxPartsToMergeAtOnce, false)
		if !ok {
			continue
		}
		if err := r.proposeMerge(ctx, s.zk, state, w); err != nil {
			if errors.Is(err, ErrPartDisappeared) {
				log.Info("%s%v", r.prefix, err)
				return nil
			}
			return err
		}
		room--
	}

	if room > 0 {
		limit := r.settings.MaxMutationsPerPass
		if limit > room {
			limit = room
		}
		if _, err := r.proposeMutations(ctx, s.zk, state, limit); err != nil {
			if errors.Is(err, ErrPartDisappeared) {
				log.Info("%s%v", r.prefix, err)
				return nil
			}
			return err
		}
	}
	return nil
}

func (r *Replica) selectionState(ctx context.Context, zk coordination.Client) (*selectionState, error) {
	_, stat, err := zk.Get(ctx, r.paths.log())
	if err != nil {
		return nil, errors.Wrap(classify(err), "read log version")
	}
	if _, err := r.queue.PullLogsToQueue(ctx, zk); err != nil {
		return nil, err
	}
	state := &selectionState{logVersion: stat.Version, locked: map[string][]int64{}}
	if state.quorum, err = r.quorum.Pending(ctx, zk); err != nil {
		return nil, err
	}
	for _, p := range r.parts.Partitions() {
		nums, err := r.blocks.LockedNumbers(ctx, zk, p)
		if err != nil {
			return nil, err
		}
		state.locked[p] = nums
	}

	state.maxBytes = int64(r.settings.MaxBytesToMerge)
	if usage, err := disk.Usage(r.parts.Root()); err == nil {
		if half := int64(usage.Free / 2); half < state.maxBytes {
			state.maxBytes = half
		}
	} else {
		log.Warn("%sfree disk space unknown: %v", r.prefix, err)
	}
	return state, nil
}

// candidates returns the mergeable runs of partition: sequences of
// adjacent parts with no foreign part, in-progress block or differing
// pending mutation between them.
func (r *Replica) candidates(state *selectionState, partition string) [][]mergeCandidate {
	virtual := r.queue.VirtualParts()
	var infos []models.PartInfo
	for _, name := range virtual {
		info, err := models.ParsePartName(name)
		if err == nil && info.Partition == partition {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Less(infos[j]) })

	var runs [][]mergeCandidate
	var cur []mergeCandidate
	flush := func() {
		if len(cur) > 0 {
			runs = append(runs, cur)
		}
		cur = nil
	}
	for _, info := range infos {
		name := info.Name()
		part, err := r.parts.Part(name)
		if err != nil || info.IsFakeDropRange() || state.quorum[name] || r.queue.IsFuturePart(name) {
			flush()
			continue
		}
		version, pending := r.queue.DesiredMutationVersion(info)
		c := mergeCandidate{info: info, bytes: part.Header.Size, version: version, pending: pending}
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			if prev.pending != c.pending || prev.version != c.version ||
				blockLockedBetween(state.locked[partition], prev.info.MaxBlock, info.MinBlock) {
				flush()
			}
		}
		cur = append(cur, c)
	}
	flush()
	return runs
}

func blockLockedBetween(locked []int64, after, before int64) bool {
	for _, n := range locked {
		if n > after && n < before {
			return true
		}
	}
	return false
}

// selectMerge picks the best window of partition. With all set the whole
// longest run is taken regardless of size limits.
func (r *Replica) selectMerge(state *selectionState, partition string, maxParts int, all bool) (mergeWindow, bool) {
	var best mergeWindow
	found := false
	for _, run := range r.candidates(state, partition) {
		if len(run) < 2 {
			continue
		}
		if all {
			w := mergeWindow{parts: run}
			for _, c := range run {
				w.bytes += c.bytes
			}
			if !found || w.better(best) {
				best, found = w, true
			}
			continue
		}
		for i := 0; i < len(run); i++ {
			var bytes int64
			for j := i; j < len(run) && j-i < maxParts; j++ {
				bytes += run[j].bytes
				if bytes > state.maxBytes {
					break
				}
				if j == i {
					continue
				}
				w := mergeWindow{parts: run[i : j+1], bytes: bytes}
				if !found || w.better(best) {
					best, found = w, true
				}
			}
		}
	}
	return best, found
}

// propose appends entry to the log unless a source part disappeared or the
// log changed shape (a drop or replace) since state was read.
func (r *Replica) propose(ctx context.Context, zk coordination.Client, state *selectionState, entry *models.LogEntry,
) (string, error) {
	data, err := entry.Encode()
	if err != nil {
		return "", err
	}
	ops := make([]coordination.Op, 0, len(entry.SourceParts)+2)
	for _, src := range entry.SourceParts {
		ops = append(ops, coordination.NewCheck(r.paths.part(src), coordination.AnyVersion))
	}
	ops = append(ops,
		coordination.NewCheck(r.paths.log(), state.logVersion),
		coordination.NewCreate(r.paths.log()+"/"+logPrefix, data, coordination.PersistentSequential),
	)
	results, err := zk.Multi(ctx, ops...)
	if err != nil {
		if errors.Is(err, coordination.ErrNoNode) || errors.Is(err, coordination.ErrBadVersion) {
			return "", errors.Wrapf(ErrPartDisappeared, "%s: %v", entry, err)
		}
		return "", errors.Wrapf(classify(err), "propose %s", entry)
	}
	metrics.MergesProposed.WithLabelValues(r.cfg.ReplicaName, string(entry.Type)).Inc()
	return results[len(results)-1].Path, nil
}

func (r *Replica) proposeMerge(ctx context.Context, zk coordination.Client, state *selectionState, w mergeWindow) error {
	sources := w.names()
	newName, err := models.MergedName(sources)
	if err != nil {
		return err
	}
	entry := &models.LogEntry{
		Type:          models.MergeParts,
		SourceReplica: r.cfg.ReplicaName,
		CreateTime:    time.Now(),
		NewPartName:   newName,
		SourceParts:   sources,
	}
	node, err := r.propose(ctx, zk, state, entry)
	if err != nil {
		return err
	}
	log.Info("%sproposed merge of %d parts into %s (%s)", r.prefix, len(sources), newName, node)
	if _, err := r.queue.PullLogsToQueue(ctx, zk); err != nil {
		return err
	}
	r.wakeExecutor()
	return nil
}

// proposeMutations queues MUTATE_PART for up to limit parts still missing
// a mutation, lowest version first.
func (r *Replica) proposeMutations(ctx context.Context, zk coordination.Client, state *selectionState, limit int,
) (int, error) {
	proposed := 0
	for _, name := range r.queue.VirtualParts() {
		if proposed >= limit {
			break
		}
		info, err := models.ParsePartName(name)
		if err != nil || info.IsFakeDropRange() || state.quorum[name] || r.queue.IsFuturePart(name) {
			continue
		}
		if !r.parts.Has(name) {
			continue
		}
		version, ok := r.queue.DesiredMutationVersion(info)
		if !ok {
			continue
		}
		newName := info.MutatedTo(version).Name()
		entry := &models.LogEntry{
			Type:            models.MutatePart,
			SourceReplica:   r.cfg.ReplicaName,
			CreateTime:      time.Now(),
			NewPartName:     newName,
			SourceParts:     []string{name},
			MutationVersion: version,
		}
		node, err := r.propose(ctx, zk, state, entry)
		if err != nil {
			return proposed, err
		}
		log.Info("%sproposed mutation of %s to %s (%s)", r.prefix, name, newName, node)
		proposed++
	}
	if proposed > 0 {
		if _, err := r.queue.PullLogsToQueue(ctx, zk); err != nil {
			return proposed, err
		}
		r.wakeExecutor()
	}
	return proposed, nil
}

// Optimize merges every mergeable run of partition (all partitions when
// empty) right away. Only the leader can propose merges. It reports
// whether anything was proposed.
func (r *Replica) Optimize(ctx context.Context, partition string, final bool) (bool, error) {
	s, err := r.currentSession()
	if err != nil {
		return false, err
	}
	if !r.IsLeader() {
		return false, ErrNotLeader
	}
	r.mergeSelectingMu.Lock()
	defer r.mergeSelectingMu.Unlock()

	state, err := r.selectionState(ctx, s.zk)
	if err != nil {
		return false, err
	}
	partitions := []string{partition}
	if partition == "" {
		partitions = r.parts.Partitions()
	}
	proposed := false
	for _, p := range partitions {
		w, ok := r.selectMerge(state, p, r.settings.MaxPartsToMergeAtOnce, final)
		if !ok {
			continue
		}
		if err := r.proposeMerge(ctx, s.zk, state, w); err != nil {
			return proposed, err
		}
		proposed = true
	}
	return proposed, nil
}

package replication

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/executor"
	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

const maxExecutorIdle = time.Second

// runQueueExecutor hands executable entries to the shared worker pool
// until the session ends.
func (r *Replica) runQueueExecutor(s *session) {
	for {
		for {
			e := r.queue.SelectEntryToProcess(s.ctx, s.zk, r.mergeAllowed)
			if e == nil {
				break
			}
			s.wg.Add(1)
			err := r.workers.Submit(s.ctx, func() {
				defer s.wg.Done()
				r.processEntry(s, e)
			})
			if err != nil {
				s.wg.Done()
				r.queue.Postpone(e, "shutting down")
				return
			}
		}

		timer := time.NewTimer(r.queue.NextAttemptIn(maxExecutorIdle))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-r.executorWake.Out():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Replica) wakeExecutor() {
	r.executorWake.In() <- struct{}{}
}

// mergeAllowed keeps at least one worker free for fetches.
func (r *Replica) mergeAllowed() bool {
	return r.workers.Size() < 2 || r.workers.Busy() < r.workers.Size()-1
}

func (r *Replica) processEntry(s *session, e *QueueEntry) {
	err := r.executeEntry(s.ctx, s.zk, e)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrPartInFlight):
		r.queue.Postpone(e, err.Error())
		metrics.QueueEntriesExecuted.WithLabelValues(r.cfg.ReplicaName, string(e.Type), "postponed").Inc()
		return
	case isBenign(err):
		result = "aborted"
		log.Info("%s%s: %v", r.prefix, e.LogEntry, err)
	case isTransient(err):
		result = "retry"
		log.Warn("%s%s will be retried: %v", r.prefix, e.LogEntry, err)
	default:
		result = "error"
		log.Error("%s%s failed: %v", r.prefix, e.LogEntry, err)
	}
	metrics.QueueEntriesExecuted.WithLabelValues(r.cfg.ReplicaName, string(e.Type), result).Inc()

	if ferr := r.queue.Finish(s.ctx, s.zk, e, err); ferr != nil {
		log.Info("%sfinish %s: %v", r.prefix, e.Znode, ferr)
	}
	r.wakeExecutor()
	if err == nil && (e.Type == models.MergeParts || e.Type == models.MutatePart) {
		r.mergeSelecting.Wake()
	}
}

// executeEntry applies one queue entry to the local part set. Every kind
// is idempotent: executing an entry whose effect is already present is a
// no-op, which is what makes crash recovery by re-execution safe.
func (r *Replica) executeEntry(ctx context.Context, zk coordination.Client, e *QueueEntry) error {
	switch e.Type {
	case models.GetPart:
		return r.executeGetPart(ctx, zk, e)
	case models.MergeParts, models.MutatePart:
		return r.executeMergeOrMutate(ctx, zk, e)
	case models.DropRange:
		return r.executeDropRange(ctx, zk, e)
	case models.ReplaceRange:
		return r.executeReplaceRange(ctx, zk, e)
	case models.ClearColumn:
		return r.executeClearColumn(ctx, zk, e)
	default:
		return errors.Errorf("unexpected log entry type %q", e.Type)
	}
}

func (r *Replica) executeGetPart(ctx context.Context, zk coordination.Client, e *QueueEntry) error {
	if p, ok := r.parts.ContainingPart(e.NewPartName); ok {
		log.Debug("%shave %s covering %s, nothing to fetch", r.prefix, p.Name, e.NewPartName)
		return nil
	}
	res, err := r.fetcher.FetchPart(ctx, zk, e.NewPartName, "", false, e.Quorum > 1)
	if errors.Is(err, ErrDonorUnavailable) {
		lost, lerr := r.fetcher.isLost(ctx, zk, e.NewPartName)
		if lerr != nil {
			return err
		}
		if lost {
			log.Error("%sno replica has part %s or a part covering it and none will; it is lost", r.prefix,
				e.NewPartName)
			if e.Quorum > 1 {
				r.quorum.Abandon(ctx, zk, e.NewPartName)
			}
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	if !res.Fetched {
		return errors.Wrap(ErrPartInFlight, e.NewPartName)
	}
	return nil
}

func (r *Replica) executeMergeOrMutate(ctx context.Context, zk coordination.Client, e *QueueEntry) error {
	if p, ok := r.parts.ContainingPart(e.NewPartName); ok {
		log.Debug("%shave %s covering %s, nothing to do", r.prefix, p.Name, e.NewPartName)
		return nil
	}
	newInfo, err := models.ParsePartName(e.NewPartName)
	if err != nil {
		return err
	}

	sources := make([]executor.Source, 0, len(e.SourceParts))
	allLocal := len(e.SourceParts) > 0
	for _, name := range e.SourceParts {
		if !r.parts.Has(name) {
			allLocal = false
			break
		}
		data, err := r.parts.ReadAll(name)
		if err != nil {
			allLocal = false
			break
		}
		sources = append(sources, executor.Source{Info: models.MustParsePartName(name), Data: data})
	}

	if allLocal {
		err := r.produceLocally(ctx, zk, e, newInfo, sources)
		if err == nil || !errors.Is(err, ErrChecksumMismatch) {
			return err
		}
		// fall back to the part another replica produced
	} else {
		log.Info("%ssource parts of %s are missing, fetching the result", r.prefix, e.NewPartName)
	}

	res, err := r.fetcher.FetchPart(ctx, zk, e.NewPartName, "", false, false)
	if err != nil {
		return err
	}
	if !res.Fetched {
		return errors.Wrap(ErrPartInFlight, e.NewPartName)
	}
	return nil
}

// produceLocally merges or mutates sources. The result must be identical
// to what any other replica already registered for the same part.
func (r *Replica) produceLocally(ctx context.Context, zk coordination.Client, e *QueueEntry, newInfo models.PartInfo,
	sources []executor.Source,
) error {
	sort.Slice(sources, func(i, j int) bool { return sources[i].Info.Less(sources[j].Info) })

	var payload []byte
	var err error
	if e.Type == models.MergeParts {
		payload, err = r.transformer.Merge(ctx, sources)
	} else {
		var commands []models.MutationCommand
		commands, err = r.queue.MutationCommands(sources[0].Info, newInfo.Mutation)
		if err != nil {
			return err
		}
		payload, err = r.transformer.Mutate(ctx, sources[0], commands)
	}
	if err != nil {
		return errors.Wrapf(err, "produce %s", e.NewPartName)
	}

	tmp, err := r.parts.NewTempPart(e.NewPartName)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Discard()
		return errors.Wrapf(err, "write %s", e.NewPartName)
	}
	header, err := tmp.Finish()
	if err != nil {
		tmp.Discard()
		return err
	}

	if peer, expected, ok := r.fetcher.registeredHeader(ctx, zk, e.NewPartName); ok && expected.Checksum != header.Checksum {
		tmp.Discard()
		metrics.ChecksumMismatches.WithLabelValues(r.cfg.ReplicaName).Inc()
		mismatch := &ChecksumMismatchError{Part: e.NewPartName, Donor: peer, Expected: expected.Checksum,
			Actual: header.Checksum}
		log.Error("%slocal result differs from the registered one: %v", r.prefix, mismatch)
		return mismatch
	}

	return r.commitPart(ctx, zk, tmp, nil)
}

// commitPart registers tmp and unregisters the parts it covers in one
// transaction, then makes it active locally. Ops returned by extra join the
// transaction; they may be versioned, a version conflict retries.
func (r *Replica) commitPart(ctx context.Context, zk coordination.Client, tmp *catalog.TempPart,
	extra func(ctx context.Context, zk coordination.Client) ([]coordination.Op, error),
) error {
	lock := r.parts.PartitionLock(tmp.Info.Partition)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 1; ; attempt++ {
		ops, err := r.registrationOps(ctx, zk, tmp.Name, tmp.Header())
		if err != nil {
			tmp.Discard()
			return err
		}
		if extra != nil {
			more, err := extra(ctx, zk)
			if err != nil {
				tmp.Discard()
				return err
			}
			ops = append(ops, more...)
		}
		if len(ops) == 0 {
			break
		}
		_, err = zk.Multi(ctx, ops...)
		if err == nil {
			break
		}
		if (errors.Is(err, coordination.ErrBadVersion) || errors.Is(err, coordination.ErrNoNode)) &&
			attempt < maxCommitAttempts {
			continue
		}
		tmp.Discard()
		return errors.Wrapf(classify(err), "register %s", tmp.Name)
	}
	r.nodesCache.add(r.paths.part(tmp.Name))

	replaced, err := tmp.Commit()
	if err != nil {
		tmp.Discard()
		var exists catalog.PartAlreadyExists
		if errors.As(err, &exists) {
			return nil
		}
		return err
	}
	for _, p := range replaced {
		r.nodesCache.forget(r.paths.part(p.Name))
	}
	log.Debug("%scommitted %s replacing %d parts", r.prefix, tmp.Name, len(replaced))
	return nil
}

// registrationOps registers name with header and removes the registration
// of every covered part.
func (r *Replica) registrationOps(ctx context.Context, zk coordination.Client, name string, header models.PartHeader,
) ([]coordination.Op, error) {
	info, err := models.ParsePartName(name)
	if err != nil {
		return nil, err
	}
	var ops []coordination.Op
	registered, err := zk.Children(ctx, r.paths.parts())
	if err != nil {
		return nil, errors.Wrap(classify(err), "list registered parts")
	}
	own := false
	for _, existing := range registered {
		ei, err := models.ParsePartName(existing)
		if err != nil {
			continue
		}
		if existing == name {
			own = true
			continue
		}
		if info.Covers(ei) {
			ops = append(ops, coordination.NewDelete(r.paths.part(existing), coordination.AnyVersion))
		}
	}
	if !own {
		data, err := models.Encode(header)
		if err != nil {
			return nil, err
		}
		ops = append([]coordination.Op{coordination.NewCreate(r.paths.part(name), data, coordination.Persistent)}, ops...)
	}
	return ops, nil
}

func (r *Replica) executeDropRange(ctx context.Context, zk coordination.Client, e *QueueEntry) error {
	dropRange, err := models.ParsePartName(e.NewPartName)
	if err != nil {
		return err
	}
	if err := r.queue.RemovePartProducingOpsInRange(ctx, zk, dropRange, e); err != nil {
		return err
	}
	return r.dropLocalRange(ctx, zk, dropRange, e.Detach)
}

// dropLocalRange unregisters and removes every part inside dropRange.
func (r *Replica) dropLocalRange(ctx context.Context, zk coordination.Client, dropRange models.PartInfo, detach bool) error {
	lock := r.parts.PartitionLock(dropRange.Partition)
	lock.Lock()
	defer lock.Unlock()

	ops, err := r.unregisterRangeOps(ctx, zk, dropRange)
	if err != nil {
		return err
	}
	if len(ops) > 0 {
		if _, err := zk.Multi(ctx, ops...); err != nil {
			return errors.Wrapf(classify(err), "unregister parts in %s", dropRange)
		}
	}
	for _, op := range ops {
		r.nodesCache.forget(op.OpPath())
	}

	if detach {
		for _, p := range r.parts.PartsInRange(dropRange) {
			if err := r.parts.Detach(p.Name, ""); err != nil {
				return err
			}
			log.Info("%sdetached %s", r.prefix, p.Name)
		}
		return nil
	}
	removed := r.parts.RemoveRange(dropRange)
	log.Info("%sdropped %d parts in %s", r.prefix, len(removed), dropRange)
	return nil
}

func (r *Replica) unregisterRangeOps(ctx context.Context, zk coordination.Client, dropRange models.PartInfo,
) ([]coordination.Op, error) {
	registered, err := zk.Children(ctx, r.paths.parts())
	if err != nil {
		return nil, errors.Wrap(classify(err), "list registered parts")
	}
	var ops []coordination.Op
	for _, name := range registered {
		info, err := models.ParsePartName(name)
		if err != nil {
			continue
		}
		if dropRange.Contains(info) {
			ops = append(ops, coordination.NewDelete(r.paths.part(name), coordination.AnyVersion))
		}
	}
	return ops, nil
}

func (r *Replica) executeReplaceRange(ctx context.Context, zk coordination.Client, e *QueueEntry) error {
	rep := e.Replace
	if rep == nil || len(rep.SourcePartNames) != len(rep.NewPartNames) {
		return errors.Wrap(ErrBadArguments, "malformed REPLACE_RANGE entry")
	}
	dropRange, err := models.ParsePartName(rep.DropRangePartName)
	if err != nil {
		return err
	}
	if err := r.queue.RemovePartProducingOpsInRange(ctx, zk, dropRange, e); err != nil {
		return err
	}

	var temps []*catalog.TempPart
	discard := func() {
		for _, t := range temps {
			t.Discard()
		}
	}
	for i, name := range rep.NewPartNames {
		if _, ok := r.parts.ContainingPart(name); ok {
			continue
		}
		tmp, err := r.fetcher.downloadReplacement(ctx, zk, name, rep.FromTablePath, rep.SourcePartNames[i],
			rep.PartChecksums[name])
		if err != nil {
			discard()
			return err
		}
		temps = append(temps, tmp)
	}

	lock := r.parts.PartitionLock(dropRange.Partition)
	lock.Lock()
	defer lock.Unlock()

	ops, err := r.unregisterRangeOps(ctx, zk, dropRange)
	if err != nil {
		discard()
		return err
	}
	for _, t := range temps {
		data, err := models.Encode(t.Header())
		if err != nil {
			discard()
			return err
		}
		ops = append(ops, coordination.NewCreate(r.paths.part(t.Name), data, coordination.Persistent))
	}
	if len(ops) > 0 {
		if _, err := zk.Multi(ctx, ops...); err != nil {
			discard()
			return errors.Wrapf(classify(err), "register replacement of %s", dropRange)
		}
	}
	removed, err := r.parts.CommitReplace(dropRange, temps)
	if err != nil {
		discard()
		return err
	}
	log.Info("%sreplaced %d parts in %s with %d parts", r.prefix, len(removed), dropRange, len(rep.NewPartNames))
	return nil
}

func (r *Replica) executeClearColumn(ctx context.Context, zk coordination.Client, e *QueueEntry) error {
	clearRange, err := models.ParsePartName(e.NewPartName)
	if err != nil {
		return err
	}
	lock := r.parts.PartitionLock(clearRange.Partition)
	lock.Lock()
	defer lock.Unlock()

	for _, p := range r.parts.PartsInRange(clearRange) {
		data, err := r.parts.ReadAll(p.Name)
		if err != nil {
			return err
		}
		out, err := r.transformer.ClearColumn(ctx, executor.Source{Info: p.Info, Data: data}, e.ColumnName)
		if err != nil {
			return err
		}
		if bytes.Equal(out, data) {
			continue
		}
		tmp, err := r.parts.NewTempPart(p.Name)
		if err != nil {
			return err
		}
		if _, err := tmp.Write(out); err != nil {
			tmp.Discard()
			return errors.Wrapf(err, "write %s", p.Name)
		}
		header, err := tmp.Finish()
		if err != nil {
			tmp.Discard()
			return err
		}
		encoded, err := models.Encode(header)
		if err != nil {
			tmp.Discard()
			return err
		}
		if _, err := zk.Set(ctx, r.paths.part(p.Name), encoded, coordination.AnyVersion); err != nil &&
			!errors.Is(err, coordination.ErrNoNode) {
			tmp.Discard()
			return errors.Wrapf(classify(err), "update header of %s", p.Name)
		}
		if err := r.parts.ReplaceInPlace(tmp); err != nil {
			tmp.Discard()
			return err
		}
	}
	log.Info("%scleared column %s in %s", r.prefix, e.ColumnName, clearRange)
	return nil
}

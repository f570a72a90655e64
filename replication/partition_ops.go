package replication

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// appendToLog writes entry to the shared log together with ops. When
// invalidate is set the /log version is bumped so that merges proposed
// against the old state fail their check.
func (r *Replica) appendToLog(ctx context.Context, zk coordination.Client, entry *models.LogEntry, invalidate bool,
	ops ...coordination.Op,
) (string, error) {
	data, err := entry.Encode()
	if err != nil {
		return "", err
	}
	var all []coordination.Op
	if invalidate {
		all = append(all, coordination.NewSet(r.paths.log(), nil, coordination.AnyVersion))
	}
	logIdx := len(all)
	all = append(all, coordination.NewCreate(r.paths.log()+"/"+logPrefix, data, coordination.PersistentSequential))
	all = append(all, ops...)
	results, err := zk.Multi(ctx, all...)
	if err != nil {
		return "", errors.Wrapf(classify(err), "append %s", entry)
	}
	return path.Base(results[logIdx].Path), nil
}

// waitForLocalEntry pulls the log and blocks until this replica has
// executed entry.
func (r *Replica) waitForLocalEntry(ctx context.Context, zk coordination.Client, entry *models.LogEntry) error {
	if _, err := r.queue.PullLogsToQueue(ctx, zk); err != nil {
		return err
	}
	r.wakeExecutor()
	return r.queue.WaitForEntry(ctx, func(e *models.LogEntry) bool { return sameEntry(e, entry) })
}

// waitForEntry blocks until the replicas named by AlterPartitionsSync have
// executed entry, appended to the log as logName.
func (r *Replica) waitForEntry(ctx context.Context, zk coordination.Client, entry *models.LogEntry, logName string) error {
	if r.settings.AlterPartitionsSync == AlterSyncNone {
		return nil
	}
	if err := r.waitForLocalEntry(ctx, zk, entry); err != nil {
		return err
	}
	if r.settings.AlterPartitionsSync != AlterSyncAll {
		return nil
	}
	replicas, err := r.activeReplicas(ctx, zk)
	if err != nil {
		return err
	}
	for _, name := range replicas {
		if name == r.cfg.ReplicaName {
			continue
		}
		if err := r.WaitForReplicaToProcessLogEntry(ctx, name, logName); err != nil {
			return errors.Wrapf(err, "wait for %s to execute %s", name, logName)
		}
	}
	return nil
}

func sameEntry(a, b *models.LogEntry) bool {
	return a.Type == b.Type && a.NewPartName == b.NewPartName && a.SourceReplica == b.SourceReplica &&
		a.CreateTime.Equal(b.CreateTime)
}

// allocateDropRange reserves a block number in partition and returns the
// fake part covering every block below it. ok is false when the partition
// never had data.
func (r *Replica) allocateDropRange(ctx context.Context, zk coordination.Client, partition string,
) (models.PartInfo, *BlockNumberLock, bool, error) {
	lock, err := r.blocks.Allocate(ctx, zk, partition, "")
	if err != nil {
		return models.PartInfo{}, nil, false, err
	}
	if lock.Number == 0 {
		if err := lock.Unlock(ctx, zk); err != nil {
			log.Warn("%srelease block number of %s: %v", r.prefix, partition, err)
		}
		return models.PartInfo{}, nil, false, nil
	}
	return models.DropRangeInfo(partition, lock.Number-1), lock, true, nil
}

// DropPartition removes (or detaches) every part of partition on every
// replica and forgets its deduplication keys. It returns once this replica
// has executed the drop.
func (r *Replica) DropPartition(ctx context.Context, partition string, detach bool) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	zk := s.zk
	dropRange, lock, ok, err := r.allocateDropRange(ctx, zk, partition)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("%spartition %s is empty, nothing to drop", r.prefix, partition)
		return nil
	}
	entry := &models.LogEntry{
		Type:          models.DropRange,
		SourceReplica: r.cfg.ReplicaName,
		CreateTime:    time.Now(),
		NewPartName:   dropRange.Name(),
		Detach:        detach,
	}
	logName, err := r.appendToLog(ctx, zk, entry, true, lock.UnlockOps()...)
	if err != nil {
		_ = lock.Unlock(ctx, zk)
		return err
	}
	log.Info("%squeued %s as %s", r.prefix, entry, logName)

	if err := r.clearPartitionBlocks(ctx, zk, partition); err != nil {
		log.Warn("%sclear deduplication keys of %s: %v", r.prefix, partition, err)
	}
	return r.waitForEntry(ctx, zk, entry, logName)
}

func (r *Replica) clearPartitionBlocks(ctx context.Context, zk coordination.Client, partition string) error {
	names, err := zk.Children(ctx, r.paths.blocks())
	if err != nil {
		return classify(err)
	}
	var victims []string
	for _, n := range names {
		if strings.HasPrefix(n, partition+"-") {
			victims = append(victims, r.paths.blocks()+"/"+n)
		}
	}
	return r.deleteBatched(ctx, zk, victims)
}

// ClearColumnInPartition resets column to its default in every part of
// partition on every replica.
func (r *Replica) ClearColumnInPartition(ctx context.Context, partition, column string) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	meta := r.Metadata()
	if !meta.HasColumn(column) {
		return errors.Wrapf(ErrBadArguments, "no column %q in table", column)
	}
	if meta.OrderBy == column {
		return errors.Wrapf(ErrBadArguments, "column %q is part of the sorting key", column)
	}
	return r.clearColumn(ctx, s.zk, partition, column)
}

func (r *Replica) clearColumn(ctx context.Context, zk coordination.Client, partition, column string) error {
	clearRange, lock, ok, err := r.allocateDropRange(ctx, zk, partition)
	if err != nil || !ok {
		return err
	}
	entry := &models.LogEntry{
		Type:          models.ClearColumn,
		SourceReplica: r.cfg.ReplicaName,
		CreateTime:    time.Now(),
		NewPartName:   clearRange.Name(),
		ColumnName:    column,
	}
	logName, err := r.appendToLog(ctx, zk, entry, true, lock.UnlockOps()...)
	if err != nil {
		_ = lock.Unlock(ctx, zk)
		return err
	}
	return r.waitForEntry(ctx, zk, entry, logName)
}

// AttachPartition turns the detached parts of partition back into active
// parts. Each gets a fresh block number and is replicated like an insert.
// Parts whose payload no longer matches their checksum are left detached.
func (r *Replica) AttachPartition(ctx context.Context, partition string) ([]string, error) {
	s, err := r.currentSession()
	if err != nil {
		return nil, err
	}
	zk := s.zk
	detached, err := r.parts.Detached()
	if err != nil {
		return nil, err
	}
	var attached []string
	for _, d := range detached {
		info, err := models.ParsePartName(d)
		if err != nil || info.Partition != partition || info.IsFakeDropRange() {
			continue
		}
		data, header, err := r.parts.ReadDetached(d)
		if err != nil {
			return attached, err
		}
		if sum := catalog.Checksum(data); sum != header.Checksum {
			log.Warn("%sdetached part %s is damaged (checksum %s, expected %s), skipping",
				r.prefix, d, sum, header.Checksum)
			continue
		}
		lock, err := r.blocks.Allocate(ctx, zk, partition, "")
		if err != nil {
			return attached, err
		}
		name := models.PartInfo{Partition: partition, MinBlock: lock.Number, MaxBlock: lock.Number, Level: info.Level}.Name()
		if _, err := r.writeNewPart(ctx, zk, lock, name, data, "", 0); err != nil {
			return attached, errors.Wrapf(err, "attach %s", d)
		}
		if err := r.parts.RemoveDetached(d); err != nil {
			log.Warn("%sremove attached detached part %s: %v", r.prefix, d, err)
		}
		log.Info("%sattached %s as %s", r.prefix, d, name)
		attached = append(attached, name)
	}
	return attached, nil
}

// sourceReplica picks the active replica of table with the highest log
// pointer.
func (r *Replica) sourceReplica(ctx context.Context, zk coordination.Client, table tablePaths) (string, error) {
	replicas, err := zk.Children(ctx, table.replicas())
	if err != nil {
		return "", errors.Wrapf(classify(err), "list replicas of %s", table.table)
	}
	best, bestPointer := "", int64(-1)
	for _, name := range sortedNames(replicas) {
		active, _, err := zk.Exists(ctx, table.replicaOf(name)+"/is_active")
		if err != nil {
			return "", errors.Wrap(classify(err), "check replica activity")
		}
		if !active {
			continue
		}
		data, _, err := zk.Get(ctx, table.replicaOf(name)+"/log_pointer")
		if err != nil {
			if errors.Is(err, coordination.ErrNoNode) {
				continue
			}
			return "", errors.Wrap(classify(err), "read log pointer")
		}
		ptr, _ := strconv.ParseInt(string(data), 10, 64)
		if ptr > bestPointer {
			best, bestPointer = name, ptr
		}
	}
	if best == "" {
		return "", errors.Wrapf(ErrDonorUnavailable, "no active replica of %s", table.table)
	}
	return best, nil
}

// sourceParts returns the maximal registered parts of partition on the
// given replica of table.
func (r *Replica) sourceParts(ctx context.Context, zk coordination.Client, table tablePaths, replica, partition string,
) ([]string, error) {
	names, err := zk.Children(ctx, table.replicaOf(replica)+"/parts")
	if err != nil {
		return nil, errors.Wrap(classify(err), "list source parts")
	}
	set, err := models.NewActivePartSet()
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		info, err := models.ParsePartName(n)
		if err != nil || info.Partition != partition {
			continue
		}
		set.Add(info)
	}
	return set.Names(), nil
}

// checkSourceStructure fails with ErrStructureMismatch unless table has
// this table's structure.
func (r *Replica) checkSourceStructure(ctx context.Context, zk coordination.Client, table tablePaths) error {
	data, _, err := zk.Get(ctx, table.metadata())
	if err != nil {
		return errors.Wrapf(classify(err), "read metadata of %s", table.table)
	}
	other := models.TableMetadata{}
	if err := models.Decode(data, &other); err != nil {
		return errors.Wrap(err, "decode source metadata")
	}
	local := r.Metadata()
	if err := local.Diff(&other); err != nil {
		return errors.Wrapf(ErrStructureMismatch, "%s: %v", table.table, err)
	}
	return nil
}

// ReplacePartitionFrom copies partition from another replicated table.
// With replace the current contents of the partition are dropped in the
// same log entry; otherwise the copied parts are added.
func (r *Replica) ReplacePartitionFrom(ctx context.Context, sourceZkPath, partition string, replace bool) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	zk := s.zk
	src := newTablePaths(sourceZkPath, "")
	if src.table == r.paths.table {
		return errors.Wrap(ErrBadArguments, "source and destination tables are the same")
	}
	if err := r.checkSourceStructure(ctx, zk, src); err != nil {
		return err
	}
	donor, err := r.sourceReplica(ctx, zk, src)
	if err != nil {
		return err
	}
	sourceNames, err := r.sourceParts(ctx, zk, src, donor, partition)
	if err != nil {
		return err
	}
	if len(sourceNames) == 0 && !replace {
		log.Info("%spartition %s of %s is empty, nothing to attach", r.prefix, partition, src.table)
		return nil
	}

	var locks []*BlockNumberLock
	release := func() {
		for _, l := range locks {
			_ = l.Unlock(ctx, zk)
		}
	}
	dropLock, err := r.blocks.Allocate(ctx, zk, partition, "")
	if err != nil {
		return err
	}
	locks = append(locks, dropLock)
	dropRange := models.PartInfo{
		Partition: partition, MinBlock: dropLock.Number, MaxBlock: dropLock.Number,
		Level: models.MaxLevel, Mutation: models.MaxLevel,
	}
	if replace {
		dropRange = models.DropRangeInfo(partition, dropLock.Number)
	}

	rep := &models.ReplaceRangeEntry{
		DropRangePartName: dropRange.Name(),
		FromTablePath:     src.table,
		PartChecksums:     map[string]string{},
	}
	donorPath := src.replicaOf(donor)
	for _, name := range sourceNames {
		d, ok, err := r.fetcher.registration(ctx, zk, donorPath, name)
		if err != nil {
			release()
			return err
		}
		if !ok {
			release()
			return errors.Wrapf(ErrPartDisappeared, "%s on %s", name, donorPath)
		}
		lock, err := r.blocks.Allocate(ctx, zk, partition, "")
		if err != nil {
			release()
			return err
		}
		locks = append(locks, lock)
		info := models.MustParsePartName(name)
		newName := models.PartInfo{Partition: partition, MinBlock: lock.Number, MaxBlock: lock.Number, Level: info.Level}.Name()
		rep.SourcePartNames = append(rep.SourcePartNames, name)
		rep.NewPartNames = append(rep.NewPartNames, newName)
		rep.PartChecksums[newName] = d.header.Checksum
	}

	entry := &models.LogEntry{
		Type:          models.ReplaceRange,
		SourceReplica: r.cfg.ReplicaName,
		CreateTime:    time.Now(),
		NewPartName:   dropRange.Name(),
		Replace:       rep,
	}
	var unlock []coordination.Op
	for _, l := range locks {
		unlock = append(unlock, l.UnlockOps()...)
	}
	logName, err := r.appendToLog(ctx, zk, entry, replace, unlock...)
	if err != nil {
		release()
		return err
	}
	if replace {
		if err := r.clearPartitionBlocks(ctx, zk, partition); err != nil {
			log.Warn("%sclear deduplication keys of %s: %v", r.prefix, partition, err)
		}
	}
	log.Info("%squeued replacement of %s from %s with %d parts", r.prefix, dropRange, src.table, len(sourceNames))
	return r.waitForEntry(ctx, zk, entry, logName)
}

// FetchPartition downloads every part of partition from another replicated
// table into this replica's detached directory. It returns the names of the
// fetched parts; AttachPartition makes them active.
func (r *Replica) FetchPartition(ctx context.Context, sourceZkPath, partition string) ([]string, error) {
	s, err := r.currentSession()
	if err != nil {
		return nil, err
	}
	zk := s.zk
	src := newTablePaths(sourceZkPath, "")
	if err := r.checkSourceStructure(ctx, zk, src); err != nil {
		return nil, err
	}
	donor, err := r.sourceReplica(ctx, zk, src)
	if err != nil {
		return nil, err
	}
	names, err := r.sourceParts(ctx, zk, src, donor, partition)
	if err != nil {
		return nil, err
	}
	var fetched []string
	for _, name := range names {
		res, err := r.fetcher.FetchPart(ctx, zk, name, src.table, true, false)
		if err != nil {
			return fetched, errors.Wrapf(err, "fetch %s from %s", name, src.table)
		}
		if res.Fetched {
			fetched = append(fetched, name)
		}
	}
	log.Info("%sfetched %d parts of partition %s from %s into detached", r.prefix, len(fetched), partition, src.table)
	return fetched, nil
}

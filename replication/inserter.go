package replication

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/executor"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

type InsertOptions struct {
	// Quorum is the number of replicas that must hold the part before
	// Insert returns. 0 and 1 mean no quorum.
	Quorum      int
	Deduplicate bool
	// BlockID overrides the deduplication key, which defaults to the
	// partition and payload checksum.
	BlockID string
}

type InsertResult struct {
	PartName  string
	Duplicate bool
}

// Insert writes rows as a new level-0 part of partition and appends the
// GET entry every other replica fetches it by.
func (r *Replica) Insert(ctx context.Context, partition string, rows []byte, opts InsertOptions) (InsertResult, error) {
	s, err := r.currentSession()
	if err != nil {
		return InsertResult{}, err
	}
	if err := r.validateRows(rows); err != nil {
		return InsertResult{}, errors.Wrap(ErrBadArguments, err.Error())
	}
	zk := s.zk

	dedupHash := ""
	blockID := ""
	if opts.Deduplicate {
		blockID = opts.BlockID
		if blockID == "" {
			blockID = partition + "_" + catalog.Checksum(rows)
		}
		dedupHash = DedupHash(blockID)
	}
	if opts.Quorum > 1 {
		active, err := r.activeReplicas(ctx, zk)
		if err != nil {
			return InsertResult{}, err
		}
		if len(active) < opts.Quorum {
			return InsertResult{}, errors.Wrapf(ErrTooFewReplicas, "%d active, quorum %d", len(active), opts.Quorum)
		}
	}

	lock, err := r.blocks.Allocate(ctx, zk, partition, dedupHash)
	if err != nil {
		return InsertResult{}, err
	}
	if lock.Duplicate {
		log.Info("%sblock %s is a duplicate of %s, skipping", r.prefix, blockID, lock.ExistingPart)
		return InsertResult{PartName: lock.ExistingPart, Duplicate: true}, nil
	}

	name := models.PartInfo{Partition: partition, MinBlock: lock.Number, MaxBlock: lock.Number}.Name()
	res, err := r.writeNewPart(ctx, zk, lock, name, rows, blockID, opts.Quorum)
	if err != nil || res.Duplicate {
		return res, err
	}

	if opts.Quorum > 1 {
		if err := r.quorum.Wait(ctx, zk, name, r.settings.InsertQuorumTimeout); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *Replica) validateRows(data []byte) error {
	rows, err := executor.ParseRows(data)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.New("no rows to insert")
	}
	if err := executor.ValidateRows(rows); err != nil {
		return err
	}
	meta := r.Metadata()
	if len(meta.Columns) == 0 {
		return nil
	}
	for _, row := range rows {
		for _, f := range row {
			if !meta.HasColumn(f.Column) {
				return errors.Errorf("no column %q in table", f.Column)
			}
		}
	}
	return nil
}

// writeNewPart stores payload as name and, in one transaction, registers
// it, appends its GET entry, records the deduplication key and quorum and
// releases the block number lock.
func (r *Replica) writeNewPart(ctx context.Context, zk coordination.Client, lock *BlockNumberLock, name string,
	payload []byte, blockID string, quorum int,
) (InsertResult, error) {
	release := func() {
		if err := lock.Unlock(ctx, zk); err != nil {
			log.Warn("%srelease block number %d of %s: %v", r.prefix, lock.Number, lock.Partition, err)
		}
	}

	tmp, err := r.parts.NewTempPart(name)
	if err != nil {
		release()
		return InsertResult{}, err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Discard()
		release()
		return InsertResult{}, errors.Wrapf(err, "write %s", name)
	}
	header, err := tmp.Finish()
	if err != nil {
		tmp.Discard()
		release()
		return InsertResult{}, err
	}

	entry := &models.LogEntry{
		Type:          models.GetPart,
		SourceReplica: r.cfg.ReplicaName,
		CreateTime:    time.Now(),
		NewPartName:   name,
		BlockID:       blockID,
		Quorum:        quorum,
	}
	entryData, err := entry.Encode()
	if err != nil {
		tmp.Discard()
		release()
		return InsertResult{}, err
	}
	headerData, err := models.Encode(header)
	if err != nil {
		tmp.Discard()
		release()
		return InsertResult{}, err
	}
	ops := []coordination.Op{
		coordination.NewCreate(r.paths.part(name), headerData, coordination.Persistent),
		coordination.NewCreate(r.paths.log()+"/"+logPrefix, entryData, coordination.PersistentSequential),
	}
	if lock.DedupPath != "" {
		ops = append(ops, coordination.NewCreate(lock.DedupPath, []byte(name), coordination.Persistent))
	}
	quorumOps, err := r.quorum.CreateOps(name, uuid.New().String(), quorum)
	if err != nil {
		tmp.Discard()
		release()
		return InsertResult{}, err
	}
	ops = append(ops, quorumOps...)
	ops = append(ops, lock.UnlockOps()...)

	partitionLock := r.parts.PartitionLock(lock.Partition)
	partitionLock.Lock()
	defer partitionLock.Unlock()

	if _, err := zk.Multi(ctx, ops...); err != nil {
		tmp.Discard()
		release()
		if op, ok := coordination.FailedOp(err); ok && lock.DedupPath != "" && op.OpPath() == lock.DedupPath &&
			errors.Is(err, coordination.ErrNodeExists) {
			// a concurrent insert of the same block won the race
			dup, derr := r.blocks.duplicate(ctx, zk, lock.Partition, lock.DedupPath)
			if derr != nil {
				return InsertResult{}, derr
			}
			return InsertResult{PartName: dup.ExistingPart, Duplicate: true}, nil
		}
		return InsertResult{}, errors.Wrapf(classify(err), "commit insert of %s", name)
	}
	r.nodesCache.add(r.paths.part(name))

	if _, err := tmp.Commit(); err != nil {
		// registered but not local: part check turns this into a fetch
		tmp.Discard()
		r.checker.Enqueue(name, 0)
		return InsertResult{}, errors.Wrapf(err, "commit %s", name)
	}
	r.queue.AddVirtualParts(name)
	log.Info("%sinserted %s (%d rows, %d bytes)", r.prefix, name, header.Rows, header.Size)
	r.mergeSelecting.Wake()
	return InsertResult{PartName: name}, nil
}

// activeReplicas lists the replicas with a live is_active node.
func (r *Replica) activeReplicas(ctx context.Context, zk coordination.Client) ([]string, error) {
	replicas, err := zk.Children(ctx, r.paths.replicas())
	if err != nil {
		return nil, errors.Wrap(classify(err), "list replicas")
	}
	var out []string
	for _, name := range replicas {
		active, _, err := zk.Exists(ctx, r.paths.replicaOf(name)+"/is_active")
		if err != nil {
			return nil, errors.Wrap(classify(err), "check replica activity")
		}
		if active {
			out = append(out, name)
		}
	}
	return sortedNames(out), nil
}

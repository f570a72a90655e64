package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// BlockNumberLock is an allocated, not yet released block number. While it
// exists, merges may not span Number.
type BlockNumberLock struct {
	Partition string
	Number    int64
	// Duplicate is set when the deduplication key was seen before; Number
	// and ExistingPart then describe the earlier insert and nothing is held.
	Duplicate    bool
	ExistingPart string
	DedupPath    string

	holderPath string
	lockPath   string
}

// UnlockOps releases the lock as part of a caller's transaction.
func (l *BlockNumberLock) UnlockOps() []coordination.Op {
	if l.Duplicate || l.lockPath == "" {
		return nil
	}
	return []coordination.Op{
		coordination.NewDelete(l.lockPath, coordination.AnyVersion),
		coordination.NewDelete(l.holderPath, coordination.AnyVersion),
	}
}

// Unlock releases the lock on its own. A lock already gone is not an error.
func (l *BlockNumberLock) Unlock(ctx context.Context, zk coordination.Client) error {
	for _, op := range l.UnlockOps() {
		err := zk.Delete(ctx, op.OpPath(), coordination.AnyVersion)
		if err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return errors.Wrapf(classify(err), "release %s", op.OpPath())
		}
	}
	return nil
}

// DedupHash turns a block id into the name used under /blocks.
func DedupHash(blockID string) string {
	sum := sha256.Sum256([]byte(blockID))
	return hex.EncodeToString(sum[:16])
}

type blockAllocator struct {
	paths tablePaths
}

// Allocate reserves the next block number of partition. The holder node is
// ephemeral so a crashed writer leaves an abandoned lock that cleanup can
// detect. When dedupHash is set, a concurrent or earlier insert with the
// same hash is reported as a duplicate instead.
func (a blockAllocator) Allocate(ctx context.Context, zk coordination.Client, partition, dedupHash string,
) (*BlockNumberLock, error) {
	if strings.ContainsAny(partition, "/_") || partition == "" {
		return nil, errors.Errorf("bad partition id %q", partition)
	}
	if err := coordination.CreateIfNotExists(ctx, zk, a.paths.partitionBlockNumbers(partition), nil); err != nil {
		return nil, errors.Wrap(classify(err), "create block numbers node")
	}

	holder, err := zk.Create(ctx, a.paths.temp()+"/"+holderPrefix, nil, coordination.EphemeralSequential)
	if err != nil {
		return nil, errors.Wrap(classify(err), "create block number holder")
	}

	var ops []coordination.Op
	dedupPath := ""
	if dedupHash != "" {
		dedupPath = a.paths.dedupBlock(partition, dedupHash)
		// fails when the hash is already registered
		ops = append(ops,
			coordination.NewCreate(dedupPath, nil, coordination.Persistent),
			coordination.NewDelete(dedupPath, coordination.AnyVersion),
		)
	}
	ops = append(ops, coordination.NewCreate(
		a.paths.partitionBlockNumbers(partition)+"/"+blockPrefix, []byte(holder), coordination.PersistentSequential))

	results, err := zk.Multi(ctx, ops...)
	if err != nil {
		if delErr := zk.Delete(ctx, holder, coordination.AnyVersion); delErr != nil && !errors.Is(delErr, coordination.ErrNoNode) {
			log.Warn("release block number holder %s: %v", holder, delErr)
		}
		if dedupPath != "" && errors.Is(err, coordination.ErrNodeExists) {
			return a.duplicate(ctx, zk, partition, dedupPath)
		}
		return nil, errors.Wrap(classify(err), "allocate block number")
	}

	lockPath := results[len(results)-1].Path
	number, err := coordination.SequenceOf(lockPath)
	if err != nil {
		return nil, err
	}
	return &BlockNumberLock{
		Partition:  partition,
		Number:     number,
		DedupPath:  dedupPath,
		holderPath: holder,
		lockPath:   lockPath,
	}, nil
}

func (a blockAllocator) duplicate(ctx context.Context, zk coordination.Client, partition, dedupPath string,
) (*BlockNumberLock, error) {
	data, _, err := zk.Get(ctx, dedupPath)
	if err != nil {
		return nil, errors.Wrapf(classify(err), "read deduplication node %s", dedupPath)
	}
	l := &BlockNumberLock{Partition: partition, Duplicate: true, ExistingPart: string(data), DedupPath: dedupPath}
	if info, err := models.ParsePartName(l.ExistingPart); err == nil {
		l.Number = info.MinBlock
	}
	return l, nil
}

// AllocateInAllPartitions takes one block number in each partition, as a
// mutation needs. On error every lock taken so far is released.
func (a blockAllocator) AllocateInAllPartitions(ctx context.Context, zk coordination.Client, partitions []string,
) (map[string]*BlockNumberLock, error) {
	locks := make(map[string]*BlockNumberLock, len(partitions))
	for _, p := range partitions {
		l, err := a.Allocate(ctx, zk, p, "")
		if err != nil {
			for _, taken := range locks {
				_ = taken.Unlock(ctx, zk)
			}
			return nil, err
		}
		locks[p] = l
	}
	return locks, nil
}

// Partitions lists the partitions that ever had a block number.
func (a blockAllocator) Partitions(ctx context.Context, zk coordination.Client) ([]string, error) {
	names, err := zk.Children(ctx, a.paths.blockNumbers())
	if err != nil {
		return nil, errors.Wrap(classify(err), "list partitions")
	}
	return names, nil
}

// LockedNumbers returns every block number of partition still held,
// including abandoned ones.
func (a blockAllocator) LockedNumbers(ctx context.Context, zk coordination.Client, partition string) ([]int64, error) {
	names, err := zk.Children(ctx, a.paths.partitionBlockNumbers(partition))
	if errors.Is(err, coordination.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(classify(err), "list block numbers")
	}
	out := make([]int64, 0, len(names))
	for _, n := range names {
		if num, err := coordination.SequenceOf(n); err == nil {
			out = append(out, num)
		}
	}
	return out, nil
}

// AbandonedLocks returns the lock nodes of partition whose holder session
// is gone.
func (a blockAllocator) AbandonedLocks(ctx context.Context, zk coordination.Client, partition string) ([]string, error) {
	dir := a.paths.partitionBlockNumbers(partition)
	names, err := zk.Children(ctx, dir)
	if errors.Is(err, coordination.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(classify(err), "list block numbers")
	}
	var out []string
	for _, n := range names {
		lockPath := path.Join(dir, n)
		holder, _, err := zk.Get(ctx, lockPath)
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(classify(err), "read block number lock")
		}
		if len(holder) == 0 {
			continue
		}
		exists, _, err := zk.Exists(ctx, string(holder))
		if err != nil {
			return nil, errors.Wrap(classify(err), "check block number holder")
		}
		if !exists {
			out = append(out, lockPath)
		}
	}
	return out, nil
}

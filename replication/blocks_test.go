package replication

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/coordination/memstore"
)

func TestBlockAllocator_Allocate(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	zk := memstore.NewServer().NewSession()
	paths := newTestTable(t, zk)
	a := blockAllocator{paths: paths}

	// --- when ---
	first, err := a.Allocate(ctx, zk, "202401", "")
	require.NoError(t, err)
	second, err := a.Allocate(ctx, zk, "202401", "")
	require.NoError(t, err)
	other, err := a.Allocate(ctx, zk, "202402", "")
	require.NoError(t, err)

	// --- then ---
	assert.Equal(t, int64(0), first.Number)
	assert.Equal(t, int64(1), second.Number)
	assert.Equal(t, int64(0), other.Number)
	locked, err := a.LockedNumbers(ctx, zk, "202401")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{0, 1}, locked)

	require.NoError(t, first.Unlock(ctx, zk))
	require.NoError(t, first.Unlock(ctx, zk))
	locked, err = a.LockedNumbers(ctx, zk, "202401")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, locked)

	partitions, err := a.Partitions(ctx, zk)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"202401", "202402"}, partitions)
}

func TestBlockAllocator_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	srv := memstore.NewServer()
	a := blockAllocator{paths: newTestTable(t, srv.NewSession())}
	const writers = 16
	numbers := make([]int64, writers)

	// --- when ---
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		zk := srv.NewSession()
		g.Go(func() error {
			l, err := a.Allocate(ctx, zk, "202401", "")
			if err != nil {
				return err
			}
			numbers[i] = l.Number
			return nil
		})
	}

	// --- then ---
	require.NoError(t, g.Wait())
	want := make([]int64, writers)
	for i := range want {
		want[i] = int64(i)
	}
	assert.ElementsMatch(t, want, numbers)
	locked, err := a.LockedNumbers(ctx, srv.NewSession(), "202401")
	require.NoError(t, err)
	assert.ElementsMatch(t, want, locked)
}

func TestBlockAllocator_RejectsBadPartition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	zk := memstore.NewServer().NewSession()
	a := blockAllocator{paths: newTestTable(t, zk)}

	for _, p := range []string{"", "a_b", "a/b"} {
		_, err := a.Allocate(ctx, zk, p, "")
		assert.Error(t, err, p)
	}
}

func TestBlockAllocator_Deduplication(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	zk := memstore.NewServer().NewSession()
	paths := newTestTable(t, zk)
	a := blockAllocator{paths: paths}
	hash := DedupHash("202401_abc")

	lock, err := a.Allocate(ctx, zk, "202401", hash)
	require.NoError(t, err)
	require.False(t, lock.Duplicate)
	// the insert commits: the dedup node records the part name
	ops := append([]coordination.Op{
		coordination.NewCreate(lock.DedupPath, []byte("202401_0_0_0"), coordination.Persistent),
	}, lock.UnlockOps()...)
	_, err = zk.Multi(ctx, ops...)
	require.NoError(t, err)

	// --- when ---
	dup, err := a.Allocate(ctx, zk, "202401", hash)

	// --- then ---
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, "202401_0_0_0", dup.ExistingPart)
	assert.Equal(t, int64(0), dup.Number)
	assert.Empty(t, dup.UnlockOps())
	holders, err := zk.Children(ctx, paths.temp())
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func TestBlockAllocator_AbandonedLocks(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	srv := memstore.NewServer()
	writer := srv.NewSession()
	cleaner := srv.NewSession()
	paths := newTestTable(t, cleaner)
	a := blockAllocator{paths: paths}
	_, err := a.Allocate(ctx, writer, "202401", "")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, cleaner, "202401", "")
	require.NoError(t, err)

	// --- when ---
	srv.Expire(writer.SessionID())
	abandoned, err := a.AbandonedLocks(ctx, cleaner, "202401")

	// --- then ---
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	n, err := coordination.SequenceOf(abandoned[0])
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBlockAllocator_AllocateInAllPartitions(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	zk := memstore.NewServer().NewSession()
	a := blockAllocator{paths: newTestTable(t, zk)}
	_, err := a.Allocate(ctx, zk, "a", "")
	require.NoError(t, err)

	// --- when ---
	locks, err := a.AllocateInAllPartitions(ctx, zk, []string{"a", "b"})

	// --- then ---
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, int64(1), locks["a"].Number)
	assert.Equal(t, int64(0), locks["b"].Number)
}

func TestQuorumCoordinator(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	zk := memstore.NewServer().NewSession()
	paths := newTestTable(t, zk)
	writer := quorumCoordinator{paths: paths, replica: "r1"}
	second := quorumCoordinator{paths: paths, replica: "r2"}
	third := quorumCoordinator{paths: paths, replica: "r3"}

	ops, err := writer.CreateOps("p_0_0_0", "insert-1", 3)
	require.NoError(t, err)
	_, err = zk.Multi(ctx, ops...)
	require.NoError(t, err)

	// --- when ---
	timeout := writer.Wait(ctx, zk, "p_0_0_0", 50*time.Millisecond)
	ops2, err := second.UpdateOps(ctx, zk, "p_0_0_0")
	require.NoError(t, err)
	_, err = zk.Multi(ctx, ops2...)
	require.NoError(t, err)
	repeated, err := second.UpdateOps(ctx, zk, "p_0_0_0")
	require.NoError(t, err)
	pending, err := writer.Pending(ctx, zk)
	require.NoError(t, err)
	ops3, err := third.UpdateOps(ctx, zk, "p_0_0_0")
	require.NoError(t, err)
	_, err = zk.Multi(ctx, ops3...)
	require.NoError(t, err)

	// --- then ---
	assert.True(t, errors.Is(timeout, ErrQuorumTimeout))
	assert.Empty(t, repeated)
	assert.True(t, pending["p_0_0_0"])
	assert.NoError(t, writer.Wait(ctx, zk, "p_0_0_0", time.Second))
	none, err := writer.CreateOps("p_1_1_0", "insert-2", 1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQuorumCoordinator_ConcurrentConfirmationsConflict(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	zk := memstore.NewServer().NewSession()
	paths := newTestTable(t, zk)
	ops, err := quorumCoordinator{paths: paths, replica: "r1"}.CreateOps("p_0_0_0", "i", 3)
	require.NoError(t, err)
	_, err = zk.Multi(ctx, ops...)
	require.NoError(t, err)

	// --- when ---
	a, err := quorumCoordinator{paths: paths, replica: "r2"}.UpdateOps(ctx, zk, "p_0_0_0")
	require.NoError(t, err)
	b, err := quorumCoordinator{paths: paths, replica: "r3"}.UpdateOps(ctx, zk, "p_0_0_0")
	require.NoError(t, err)
	_, errA := zk.Multi(ctx, a...)
	_, errB := zk.Multi(ctx, b...)

	// --- then ---
	assert.NoError(t, errA)
	assert.True(t, errors.Is(errB, coordination.ErrBadVersion))
}

package replication_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils/test"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

func leaderOf(t *testing.T, replicas ...*replication.Replica) *replication.Replica {
	t.Helper()
	var leader *replication.Replica
	require.Eventually(t, func() bool {
		for _, r := range replicas {
			if r.IsLeader() {
				leader = r
				return true
			}
		}
		return false
	}, waitFor, tick)
	return leader
}

func hasParts(r *replication.Replica, names ...string) func() bool {
	return func() bool {
		got := test.PartNames(r)
		if len(got) != len(names) {
			return false
		}
		for i := range names {
			if got[i] != names[i] {
				return false
			}
		}
		return true
	}
}

func TestReplica_InsertIsReplicated(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")

	// --- when ---
	res, err := r1.Insert(ctx, "202401", test.Rows("a", "1", "b", "2"), replication.InsertOptions{})

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, "202401_0_0_0", res.PartName)
	assert.False(t, res.Duplicate)
	require.Eventually(t, hasParts(r2, "202401_0_0_0"), waitFor, tick)
	assert.Equal(t, test.Payloads(t, r1), test.Payloads(t, r2))
}

func TestReplica_InsertRejectsUnknownColumns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")

	_, err := r1.Insert(ctx, "202401", []byte("k=a\tnope=1\n"), replication.InsertOptions{})
	assert.True(t, errors.Is(err, replication.ErrBadArguments))
	_, err = r1.Insert(ctx, "202401", nil, replication.InsertOptions{})
	assert.True(t, errors.Is(err, replication.ErrBadArguments))
	assert.Empty(t, test.PartNames(r1))
}

func TestReplica_InsertDeduplication(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	rows := test.Rows("a", "1")
	first, err := r1.Insert(ctx, "202401", rows, replication.InsertOptions{Deduplicate: true})
	require.NoError(t, err)

	// --- when ---
	second, err := r2.Insert(ctx, "202401", rows, replication.InsertOptions{Deduplicate: true})

	// --- then ---
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.PartName, second.PartName)
	require.Eventually(t, hasParts(r2, first.PartName), waitFor, tick)
	assert.Equal(t, []string{first.PartName}, test.PartNames(r1))
}

func TestReplica_QuorumInsert(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")

	// --- when ---
	res, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{Quorum: 2})
	require.NoError(t, err)
	_, tooMany := r1.Insert(ctx, "202401", test.Rows("b", "2"), replication.InsertOptions{Quorum: 3})

	// --- then ---
	assert.Contains(t, test.PartNames(r2), res.PartName)
	assert.True(t, errors.Is(tooMany, replication.ErrTooFewReplicas))
}

func TestReplica_MergesAreReplicated(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	for _, k := range []string{"a", "b", "c"} {
		_, err := r1.Insert(ctx, "202401", test.Rows(k, "1"), replication.InsertOptions{})
		require.NoError(t, err)
	}
	leader := leaderOf(t, r1, r2)

	// --- when ---
	_, err := leader.Optimize(ctx, "202401", true)
	require.NoError(t, err)

	// --- then ---
	merged := func(r *replication.Replica) func() bool {
		return func() bool {
			names := test.PartNames(r)
			if len(names) != 1 {
				return false
			}
			info, err := models.ParsePartName(names[0])
			return err == nil && info.MinBlock == 0 && info.MaxBlock == 2 && info.Level > 0
		}
	}
	require.Eventually(t, merged(r1), waitFor, tick)
	require.Eventually(t, merged(r2), waitFor, tick)
	assert.Equal(t, test.Payloads(t, r1), test.Payloads(t, r2))
	for _, payload := range test.Payloads(t, r1) {
		for _, k := range []string{"k=a", "k=b", "k=c"} {
			assert.Contains(t, payload, k)
		}
	}
}

func TestReplica_OptimizeNeedsLeader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	leader := leaderOf(t, r1, r2)
	follower := r1
	if leader == r1 {
		follower = r2
	}

	_, err := follower.Optimize(ctx, "", false)
	assert.True(t, errors.Is(err, replication.ErrNotLeader))
}

func TestReplica_DropPartition(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	_, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	_, err = r1.Insert(ctx, "202402", test.Rows("b", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, "202401_0_0_0", "202402_0_0_0"), waitFor, tick)

	// --- when ---
	err = r2.DropPartition(ctx, "202401", false)

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, []string{"202402_0_0_0"}, test.PartNames(r2))
	require.Eventually(t, hasParts(r1, "202402_0_0_0"), waitFor, tick)

	// new inserts land above the dropped range
	res, err := r1.Insert(ctx, "202401", test.Rows("c", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	info := models.MustParsePartName(res.PartName)
	assert.Greater(t, info.MinBlock, int64(0))
}

func TestReplica_DetachAndAttachPartition(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	_, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, "202401_0_0_0"), waitFor, tick)
	require.NoError(t, r1.DropPartition(ctx, "202401", true))
	require.Eventually(t, hasParts(r2), waitFor, tick)
	detached, err := r1.Parts().Detached()
	require.NoError(t, err)
	require.Equal(t, []string{"202401_0_0_0"}, detached)

	// --- when ---
	attached, err := r1.AttachPartition(ctx, "202401")

	// --- then ---
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, attached, test.PartNames(r1))
	require.Eventually(t, hasParts(r2, attached...), waitFor, tick)
	assert.Equal(t, test.Payloads(t, r1), test.Payloads(t, r2))
	detached, err = r1.Parts().Detached()
	require.NoError(t, err)
	assert.Empty(t, detached)
}

func TestReplica_ClearColumnInPartition(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	_, err := r1.Insert(ctx, "202401", []byte("k=a\tv=1\ttag=x\n"), replication.InsertOptions{})
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, "202401_0_0_0"), waitFor, tick)

	// --- when ---
	err = r1.ClearColumnInPartition(ctx, "202401", "tag")

	// --- then ---
	require.NoError(t, err)
	cleared := func(r *replication.Replica) func() bool {
		return func() bool {
			for _, payload := range test.Payloads(t, r) {
				if strings.Contains(payload, "tag=x") || !strings.Contains(payload, "k=a") {
					return false
				}
			}
			return len(test.PartNames(r)) == 1
		}
	}
	require.Eventually(t, cleared(r1), waitFor, tick)
	require.Eventually(t, cleared(r2), waitFor, tick)
	assert.Error(t, r1.ClearColumnInPartition(ctx, "202401", "k"))
	assert.Error(t, r1.ClearColumnInPartition(ctx, "202401", "nope"))
}

func TestReplica_Mutate(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	_, err := r1.Insert(ctx, "202401", test.Rows("a", "1", "b", "2"), replication.InsertOptions{})
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, "202401_0_0_0"), waitFor, tick)

	// --- when ---
	id, err := r1.Mutate(ctx, []models.MutationCommand{{Type: models.MutationDelete, Predicate: "k a"}})

	// --- then ---
	require.NoError(t, err)
	done := func(r *replication.Replica) func() bool {
		return func() bool {
			found := false
			for _, st := range r.MutationsStatus() {
				if st.ID == id {
					found = st.IsDone
				}
			}
			if !found {
				return false
			}
			for _, payload := range test.Payloads(t, r) {
				if strings.Contains(payload, "k=a\t") || !strings.Contains(payload, "k=b\t") {
					return false
				}
			}
			return true
		}
	}
	require.Eventually(t, done(r1), waitFor, tick)
	require.Eventually(t, done(r2), waitFor, tick)
}

func TestReplica_MutateValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")

	for _, cmds := range [][]models.MutationCommand{
		nil,
		{{Type: "TRUNCATE", Predicate: "k a"}},
		{{Type: models.MutationUpdate, Predicate: "k a"}},
		{{Type: models.MutationUpdate, Predicate: "k a", Column: "k", Value: "b"}},
		{{Type: models.MutationDelete, Predicate: "k"}},
	} {
		_, err := r1.Mutate(ctx, cmds)
		assert.True(t, errors.Is(err, replication.ErrBadArguments), "%v", cmds)
	}
	assert.True(t, errors.Is(r1.KillMutation(ctx, "mutation-0000000042"), replication.ErrUnknownMutation))
}

func TestReplica_KillMutation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	id, err := r1.Mutate(ctx, []models.MutationCommand{{Type: models.MutationDelete, Predicate: "k a"}})
	require.NoError(t, err)

	require.NoError(t, r1.KillMutation(ctx, id))
	for _, st := range r1.MutationsStatus() {
		assert.NotEqual(t, id, st.ID)
	}
}

func TestReplica_AlterIsAdoptedByEveryReplica(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")

	// --- when ---
	err := r1.Alter(ctx, replication.AlterCommand{
		AddColumns: []models.Column{{Name: "extra", Type: "String"}},
		Settings:   map[string]string{"ttl": "30d"},
	})

	// --- then ---
	require.NoError(t, err)
	md := r1.Metadata()
	assert.True(t, md.HasColumn("extra"))
	require.Eventually(t, func() bool { md := r2.Metadata(); return md.HasColumn("extra") }, waitFor, tick)
	assert.Equal(t, "30d", r2.Metadata().Settings["ttl"])

	_, err = r2.Insert(ctx, "202401", []byte("k=a\textra=1\n"), replication.InsertOptions{})
	assert.NoError(t, err)
	err = r2.Alter(ctx, replication.AlterCommand{DropColumns: []string{"k"}})
	assert.True(t, errors.Is(err, replication.ErrBadArguments))
}

func TestReplica_RejoinsAfterSessionExpiry(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	_, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)

	// --- when ---
	c.ExpireSessions()

	// --- then ---
	require.Eventually(t, func() bool {
		_, err := r1.Insert(ctx, "202401", test.Rows("b", "1"), replication.InsertOptions{})
		return err == nil
	}, waitFor, tick)
	assert.Equal(t, replication.StateActive, r1.SessionState())
	assert.False(t, r1.IsReadonly())
	assert.Contains(t, test.PartNames(r1), "202401_0_0_0")
}

func TestReplica_StartupResumesQueue(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.NewReplica("r2")
	require.NoError(t, r2.Startup(ctx))
	r2.Shutdown()
	_, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)

	// --- when ---
	restarted := c.AddReplica("r2")

	// --- then ---
	require.Eventually(t, hasParts(restarted, "202401_0_0_0"), waitFor, tick)
}

func TestReplica_PartCheckRefetchesMissingPart(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	res, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, res.PartName), waitFor, tick)
	require.NoError(t, r2.Parts().Remove(res.PartName))

	// --- when ---
	require.NoError(t, r2.EnqueuePartForCheck(res.PartName, 0))

	// --- then ---
	require.Eventually(t, hasParts(r2, res.PartName), waitFor, tick)
	assert.Equal(t, test.Payloads(t, r1), test.Payloads(t, r2))
	assert.Error(t, r2.EnqueuePartForCheck("not a part", 0))
}

func TestReplica_FetchPartitionFromAnotherTable(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	const source = "/clickhouse/tables/events_backup"
	src := c.AddReplicaOf(source, "s1")
	_, err := src.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")

	// --- when ---
	fetched, err := r1.FetchPartition(ctx, source, "202401")
	require.NoError(t, err)
	attached, err := r1.AttachPartition(ctx, "202401")

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, []string{"202401_0_0_0"}, fetched)
	require.Len(t, attached, 1)
	require.Eventually(t, hasParts(r2, attached...), waitFor, tick)
	srcPayload := test.Payloads(t, src)["202401_0_0_0"]
	assert.Equal(t, srcPayload, test.Payloads(t, r2)[attached[0]])
}

func TestReplica_ReplacePartitionFrom(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	const source = "/clickhouse/tables/events_staging"
	src := c.AddReplicaOf(source, "s1")
	_, err := src.Insert(ctx, "202401", test.Rows("new", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	_, err = r1.Insert(ctx, "202401", test.Rows("old", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, "202401_0_0_0"), waitFor, tick)

	// --- when ---
	err = r1.ReplacePartitionFrom(ctx, source, "202401", true)

	// --- then ---
	require.NoError(t, err)
	replaced := func(r *replication.Replica) func() bool {
		return func() bool {
			payloads := test.Payloads(t, r)
			if len(payloads) != 1 {
				return false
			}
			for _, p := range payloads {
				return strings.Contains(p, "k=new") && !strings.Contains(p, "k=old")
			}
			return false
		}
	}
	require.Eventually(t, replaced(r1), waitFor, tick)
	require.Eventually(t, replaced(r2), waitFor, tick)
}

func TestReplica_Status(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	_, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, "202401_0_0_0"), waitFor, tick)

	// --- when ---
	ok, err := r2.WaitForShrinkingQueueSize(ctx, 0, waitFor)
	require.NoError(t, err)
	st, err := r2.Status(ctx, true)
	require.NoError(t, err)
	_, relative, err := r2.ReplicaDelays(ctx)

	// --- then ---
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, test.TablePath, st.ZooKeeperPath)
	assert.Equal(t, "r2", st.ReplicaName)
	assert.Equal(t, 1, st.PartsCount)
	assert.Equal(t, 2, st.TotalReplicas)
	assert.Equal(t, 2, st.ActiveReplicas)
	assert.Equal(t, "active", st.SessionState)
	assert.False(t, st.IsReadonly)
	assert.Zero(t, st.Queue.QueueSize)
	assert.Zero(t, relative)
}

func TestReplica_PartCheckKeepsLocalRegisteredPart(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	res, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	zk := c.ZK.NewSession()

	// --- when ---
	unregistered, err := r1.RepairMissingPart(ctx, res.PartName)

	// --- then ---
	require.NoError(t, err)
	assert.False(t, unregistered)
	assert.Contains(t, test.PartNames(r1), res.PartName)
	registered, _, err := zk.Exists(ctx, r1.ReplicaPath()+"/parts/"+res.PartName)
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestReplica_PartCheckDropsRegistrationCoveredLocally(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	for _, k := range []string{"a", "b"} {
		_, err := r1.Insert(ctx, "202401", test.Rows(k, "1"), replication.InsertOptions{})
		require.NoError(t, err)
	}
	_, err := leaderOf(t, r1).Optimize(ctx, "202401", true)
	require.NoError(t, err)
	require.Eventually(t, hasParts(r1, "202401_0_1_1"), waitFor, tick)
	zk := c.ZK.NewSession()
	stale := r1.ReplicaPath() + "/parts/202401_0_0_0"
	_, err = zk.Create(ctx, stale, nil, coordination.Persistent)
	require.NoError(t, err)

	// --- when ---
	unregistered, err := r1.RepairMissingPart(ctx, "202401_0_0_0")

	// --- then ---
	require.NoError(t, err)
	assert.True(t, unregistered)
	exists, _, err := zk.Exists(ctx, stale)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, _, err = zk.Exists(ctx, r1.ReplicaPath()+"/parts/202401_0_1_1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReplica_PartCheckStopsAfterTooManyRemovals(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	c.Settings.MaxSuspiciousBrokenParts = 1
	r1 := c.AddReplica("r1")
	zk := c.ZK.NewSession()
	lost := []string{"202401_5_5_0", "202401_6_6_0", "202401_7_7_0"}
	for _, p := range lost {
		_, err := zk.Create(ctx, r1.ReplicaPath()+"/parts/"+p, nil, coordination.Persistent)
		require.NoError(t, err)
	}

	// --- when ---
	err := r1.CheckAllParts(ctx)

	// --- then ---
	assert.True(t, errors.Is(err, replication.ErrTooManyUnexpectedParts), "got %v", err)
	left, err := zk.Children(ctx, r1.ReplicaPath()+"/parts")
	require.NoError(t, err)
	assert.Len(t, left, len(lost)-1)
}

func TestReplica_StartupRefusesTooManyUnexpectedParts(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	c.Settings.MaxSuspiciousBrokenParts = 1
	c.Settings.MaxBytesToMerge = 1
	r1 := c.NewReplica("r1")
	require.NoError(t, r1.Startup(ctx))
	for _, k := range []string{"a", "b"} {
		_, err := r1.Insert(ctx, "202401", test.Rows(k, "1"), replication.InsertOptions{})
		require.NoError(t, err)
	}
	r1.Shutdown()
	zk := c.ZK.NewSession()
	for _, p := range []string{"202401_0_0_0", "202401_1_1_0"} {
		require.NoError(t, zk.Delete(ctx, r1.ReplicaPath()+"/parts/"+p, coordination.AnyVersion))
	}

	// --- when ---
	restarted := c.NewReplica("r1")
	err := restarted.Startup(ctx)

	// --- then ---
	assert.True(t, errors.Is(err, replication.ErrTooManyUnexpectedParts), "got %v", err)
	assert.Len(t, test.PartNames(restarted), 2)
}

func TestReplica_FetchFromCoveringDonor(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	for _, k := range []string{"a", "b"} {
		_, err := r1.Insert(ctx, "202401", test.Rows(k, "1"), replication.InsertOptions{})
		require.NoError(t, err)
	}
	_, err := leaderOf(t, r1).Optimize(ctx, "202401", true)
	require.NoError(t, err)
	require.Eventually(t, hasParts(r1, "202401_0_1_1"), waitFor, tick)
	r2 := c.AddReplica("r2")

	// --- when ---
	res, err := r2.FetchPart(ctx, "202401_0_0_0")

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, "202401_0_1_1", res.PartName)
	assert.Equal(t, r1.ReplicaPath(), res.Donor)
	require.Eventually(t, hasParts(r2, "202401_0_1_1"), waitFor, tick)
	assert.Equal(t, test.Payloads(t, r1), test.Payloads(t, r2))
}

func TestReplica_ChecksumMismatchFallsBackToNextDonor(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	r3 := c.AddReplica("r3")
	res, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, res.PartName), waitFor, tick)
	bogus := replication.Donor{ReplicaPath: r1.ReplicaPath(), Part: res.PartName, Checksum: "0000"}
	good := replication.Donor{ReplicaPath: r2.ReplicaPath(), Part: res.PartName}

	// --- when ---
	served, err := r3.DownloadFrom(ctx, bogus, good)
	require.NoError(t, err)
	_, onlyBogus := r3.DownloadFrom(ctx, bogus)

	// --- then ---
	assert.Equal(t, r2.ReplicaPath(), served)
	assert.True(t, errors.Is(onlyBogus, replication.ErrChecksumMismatch), "got %v", onlyBogus)
}

func TestReplica_MergeProposalAbortedByDrop(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	c.Settings.MaxBytesToMerge = 1
	r1 := c.AddReplica("r1")
	for _, k := range []string{"a", "b"} {
		_, err := r1.Insert(ctx, "202401", test.Rows(k, "1"), replication.InsertOptions{})
		require.NoError(t, err)
	}

	// --- when ---
	err := r1.ProposeMergeAfter(ctx, "202401", func() {
		require.NoError(t, r1.DropPartition(ctx, "202401", false))
	})

	// --- then ---
	assert.True(t, errors.Is(err, replication.ErrPartDisappeared), "got %v", err)
	assert.Empty(t, test.PartNames(r1))
	for _, e := range r1.Queue().Entries() {
		assert.NotEqual(t, string(models.MergeParts), e.Type)
	}
}

func TestReplica_QuorumTimeoutKeepsLogEntry(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	c.Settings.InsertQuorumTimeout = 300 * time.Millisecond
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	c.Exchange.Block(r1.ReplicaPath(), true)

	// --- when ---
	_, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{Quorum: 2})

	// --- then ---
	assert.True(t, errors.Is(err, replication.ErrQuorumTimeout), "got %v", err)
	assert.Contains(t, test.PartNames(r1), "202401_0_0_0")
	zk := c.ZK.NewSession()
	names, err := zk.Children(ctx, test.TablePath+"/log")
	require.NoError(t, err)
	var gets []string
	for _, n := range names {
		data, _, err := zk.Get(ctx, test.TablePath+"/log/"+n)
		require.NoError(t, err)
		e, err := models.DecodeLogEntry(data, n)
		require.NoError(t, err)
		if e.Type == models.GetPart {
			gets = append(gets, e.NewPartName)
		}
	}
	assert.Equal(t, []string{"202401_0_0_0"}, gets)

	c.Exchange.Block(r1.ReplicaPath(), false)
	require.Eventually(t, hasParts(r2, "202401_0_0_0"), 3*waitFor, tick)
}

func TestReplica_ExecutingAnEntryAgainChangesNothing(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	c.Settings.MaxBytesToMerge = 1
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	for _, k := range []string{"a", "b"} {
		_, err := r1.Insert(ctx, "202401", test.Rows(k, "1"), replication.InsertOptions{})
		require.NoError(t, err)
	}
	require.Eventually(t, hasParts(r2, "202401_0_0_0", "202401_1_1_0"), waitFor, tick)
	fetched := test.Payloads(t, r2)
	get := &models.LogEntry{Type: models.GetPart, SourceReplica: "r1", NewPartName: "202401_0_0_0"}

	// --- when ---
	err := r2.ExecuteEntry(ctx, get)

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, fetched, test.Payloads(t, r2))

	// --- given ---
	_, err = leaderOf(t, r1, r2).Optimize(ctx, "202401", true)
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, "202401_0_1_1"), waitFor, tick)
	merged := test.Payloads(t, r2)
	merge := &models.LogEntry{
		Type:          models.MergeParts,
		SourceReplica: "r1",
		NewPartName:   "202401_0_1_1",
		SourceParts:   []string{"202401_0_0_0", "202401_1_1_0"},
	}

	// --- when ---
	err = r2.ExecuteEntry(ctx, merge)

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, merged, test.Payloads(t, r2))
	zk := c.ZK.NewSession()
	registered, err := zk.Children(ctx, r2.ReplicaPath()+"/parts")
	require.NoError(t, err)
	assert.Equal(t, []string{"202401_0_1_1"}, registered)
}

func TestReplica_AlterPartitionsSyncAll(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := test.NewCluster(t)
	c.Settings.AlterPartitionsSync = replication.AlterSyncAll
	r1 := c.AddReplica("r1")
	r2 := c.AddReplica("r2")
	_, err := r1.Insert(ctx, "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)
	require.Eventually(t, hasParts(r2, "202401_0_0_0"), waitFor, tick)

	// --- when ---
	err = r1.DropPartition(ctx, "202401", false)
	require.NoError(t, err)
	err = r1.Alter(ctx, replication.AlterCommand{AddColumns: []models.Column{{Name: "extra", Type: "String"}}})

	// --- then ---
	require.NoError(t, err)
	assert.Empty(t, test.PartNames(r2))
	md := r2.Metadata()
	assert.True(t, md.HasColumn("extra"))

	err = r1.WaitForReplicaToProcessLogEntry(ctx, "r2", "not-a-log-entry")
	assert.True(t, errors.Is(err, replication.ErrBadArguments))
}

package replication

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/coordination/memstore"
	"github.com/alpacahq/replicatedtree/models"
)

// newTestTable creates the shared nodes of a table and of replica r1.
func newTestTable(t *testing.T, zk coordination.Client) tablePaths {
	t.Helper()
	ctx := context.Background()
	paths := newTablePaths("/tables/t", "r1")
	require.NoError(t, coordination.CreateAncestors(ctx, zk, paths.table))
	for _, p := range append(paths.skeleton(), paths.replicaSkeleton()...) {
		require.NoError(t, coordination.CreateIfNotExists(ctx, zk, p, nil))
	}
	_, err := zk.Create(ctx, paths.logPointer(), []byte("0"), coordination.Persistent)
	require.NoError(t, err)
	_, err = zk.Create(ctx, paths.mutationPointer(), nil, coordination.Persistent)
	require.NoError(t, err)
	return paths
}

func newTestQueue(t *testing.T, settings Settings) (*Queue, coordination.Client, tablePaths) {
	t.Helper()
	zk := memstore.NewServer().NewSession()
	paths := newTestTable(t, zk)
	q := NewQueue(paths, settings.WithDefaults())
	require.NoError(t, q.Load(context.Background(), zk, nil))
	return q, zk, paths
}

func appendLog(t *testing.T, zk coordination.Client, paths tablePaths, e *models.LogEntry) {
	t.Helper()
	if e.CreateTime.IsZero() {
		e.CreateTime = time.Now()
	}
	data, err := e.Encode()
	require.NoError(t, err)
	_, err = zk.Create(context.Background(), paths.log()+"/"+logPrefix, data, coordination.PersistentSequential)
	require.NoError(t, err)
}

func getEntry(part string) *models.LogEntry {
	return &models.LogEntry{Type: models.GetPart, SourceReplica: "r2", NewPartName: part}
}

func TestQueue_PullLogsToQueue(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	q, zk, paths := newTestQueue(t, Settings{})
	for _, p := range []string{"p_0_0_0", "p_1_1_0", "p_2_2_0"} {
		appendLog(t, zk, paths, getEntry(p))
	}

	// --- when ---
	pulled, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)
	again, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)

	// --- then ---
	assert.Equal(t, 3, pulled)
	assert.Equal(t, 0, again)
	assert.Equal(t, int64(3), q.LogPointer())
	assert.Equal(t, 3, q.Size())
	children, err := zk.Children(ctx, paths.queue())
	require.NoError(t, err)
	assert.Len(t, children, 3)
	ptr, _, err := zk.Get(ctx, paths.logPointer())
	require.NoError(t, err)
	assert.Equal(t, "3", string(ptr))
	assert.Equal(t, []string{"p_0_0_0", "p_1_1_0", "p_2_2_0"}, q.VirtualParts())
}

func TestQueue_LoadResumesAfterRestart(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	q, zk, paths := newTestQueue(t, Settings{})
	appendLog(t, zk, paths, getEntry("p_0_0_0"))
	appendLog(t, zk, paths, getEntry("p_1_1_0"))
	_, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)

	// --- when ---
	restarted := NewQueue(paths, DefaultSettings())
	err = restarted.Load(ctx, zk, []string{"p_5_5_0"})

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, 2, restarted.Size())
	assert.Equal(t, int64(2), restarted.LogPointer())
	assert.Equal(t, []string{"p_0_0_0", "p_1_1_0", "p_5_5_0"}, restarted.VirtualParts())
}

func TestQueue_SelectWaitsForSourceParts(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	q, zk, paths := newTestQueue(t, Settings{})
	appendLog(t, zk, paths, getEntry("p_0_0_0"))
	appendLog(t, zk, paths, getEntry("p_1_1_0"))
	appendLog(t, zk, paths, &models.LogEntry{
		Type: models.MergeParts, SourceReplica: "r2",
		NewPartName: "p_0_1_1", SourceParts: []string{"p_0_0_0", "p_1_1_0"},
	})
	_, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)

	// --- when ---
	first := q.SelectEntryToProcess(ctx, zk, nil)
	second := q.SelectEntryToProcess(ctx, zk, nil)
	blocked := q.SelectEntryToProcess(ctx, zk, nil)
	require.NoError(t, q.Finish(ctx, zk, first, nil))
	require.NoError(t, q.Finish(ctx, zk, second, nil))
	merge := q.SelectEntryToProcess(ctx, zk, nil)

	// --- then ---
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, "p_0_0_0", first.NewPartName)
	assert.Equal(t, "p_1_1_0", second.NewPartName)
	assert.Nil(t, blocked)
	require.NotNil(t, merge)
	assert.Equal(t, models.MergeParts, merge.Type)
	assert.True(t, q.IsFuturePart("p_0_1_1"))
	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsCurrentlyExecuting)
}

func TestQueue_MergesHeldWhenNoWorkerIsFree(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	q, zk, paths := newTestQueue(t, Settings{})
	appendLog(t, zk, paths, &models.LogEntry{
		Type: models.MergeParts, SourceReplica: "r2",
		NewPartName: "p_0_1_1", SourceParts: []string{"p_0_0_0", "p_1_1_0"},
	})
	appendLog(t, zk, paths, getEntry("p_2_2_0"))
	_, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)

	// --- when ---
	e := q.SelectEntryToProcess(ctx, zk, func() bool { return false })

	// --- then ---
	require.NotNil(t, e)
	assert.Equal(t, "p_2_2_0", e.NewPartName)
	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "no free workers for merges", entries[0].PostponeReason)
	assert.Equal(t, 1, entries[0].NumPostponed)
}

func TestQueue_DropRangeMakesEntriesObsolete(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	q, zk, paths := newTestQueue(t, Settings{})
	appendLog(t, zk, paths, getEntry("p_0_0_0"))
	appendLog(t, zk, paths, getEntry("p_1_1_0"))
	appendLog(t, zk, paths, getEntry("q_0_0_0"))
	appendLog(t, zk, paths, &models.LogEntry{
		Type: models.DropRange, SourceReplica: "r2", NewPartName: models.DropRangeInfo("p", 1).Name(),
	})
	_, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)

	// --- when ---
	first := q.SelectEntryToProcess(ctx, zk, nil)
	second := q.SelectEntryToProcess(ctx, zk, nil)

	// --- then ---
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, "q_0_0_0", first.NewPartName)
	assert.Equal(t, models.DropRange, second.Type)
	assert.Equal(t, 2, q.Size())
	children, err := zk.Children(ctx, paths.queue())
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestQueue_DropWaitsForPartsBeingProduced(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	q, zk, paths := newTestQueue(t, Settings{})
	appendLog(t, zk, paths, getEntry("p_0_0_0"))
	_, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)
	get := q.SelectEntryToProcess(ctx, zk, nil)
	require.NotNil(t, get)
	appendLog(t, zk, paths, &models.LogEntry{
		Type: models.DropRange, SourceReplica: "r2", NewPartName: models.DropRangeInfo("p", 0).Name(),
	})
	_, err = q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)

	// --- when ---
	blocked := q.SelectEntryToProcess(ctx, zk, nil)
	require.NoError(t, q.Finish(ctx, zk, get, nil))
	drop := q.SelectEntryToProcess(ctx, zk, nil)

	// --- then ---
	assert.Nil(t, blocked)
	require.NotNil(t, drop)
	assert.Equal(t, models.DropRange, drop.Type)
}

func TestQueue_FailedEntryBacksOff(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	q, zk, paths := newTestQueue(t, Settings{QueueBackoffInitial: time.Hour, QueueBackoffMax: time.Hour})
	appendLog(t, zk, paths, getEntry("p_0_0_0"))
	_, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)
	e := q.SelectEntryToProcess(ctx, zk, nil)
	require.NotNil(t, e)

	// --- when ---
	err = q.Finish(ctx, zk, e, errors.New("donor went away"))
	again := q.SelectEntryToProcess(ctx, zk, nil)

	// --- then ---
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.False(t, q.IsFuturePart("p_0_0_0"))
	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].NumTries)
	assert.Equal(t, "donor went away", entries[0].LastException)
	assert.Greater(t, q.NextAttemptIn(2*time.Hour), time.Minute)
}

func TestQueue_WaitForShrinking(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	q, zk, paths := newTestQueue(t, Settings{})
	appendLog(t, zk, paths, getEntry("p_0_0_0"))
	_, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)
	e := q.SelectEntryToProcess(ctx, zk, nil)
	require.NotNil(t, e)

	// --- when ---
	done := make(chan error, 1)
	go func() { done <- q.WaitForShrinking(ctx, 0) }()
	require.NoError(t, q.Finish(ctx, zk, e, nil))

	// --- then ---
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForShrinking did not return")
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	appendLog(t, zk, paths, getEntry("p_1_1_0"))
	_, err = q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)
	assert.True(t, errors.Is(q.WaitForShrinking(canceled, 0), ErrAborted))
}

func TestQueue_Status(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	q, zk, paths := newTestQueue(t, Settings{})
	old := time.Now().Add(-time.Minute)
	appendLog(t, zk, paths, &models.LogEntry{Type: models.GetPart, NewPartName: "p_0_0_0", CreateTime: old})
	appendLog(t, zk, paths, &models.LogEntry{
		Type: models.MergeParts, NewPartName: "p_0_1_1", SourceParts: []string{"p_0_0_0", "p_1_1_0"},
	})

	// --- when ---
	_, err := q.PullLogsToQueue(ctx, zk)
	require.NoError(t, err)
	st := q.Status()

	// --- then ---
	assert.Equal(t, 2, st.QueueSize)
	assert.Equal(t, 1, st.InsertsInQueue)
	assert.Equal(t, 1, st.MergesInQueue)
	assert.Equal(t, "p_0_0_0", st.OldestPartToGet)
	assert.Equal(t, "p_0_1_1", st.OldestPartToMergeTo)
	assert.GreaterOrEqual(t, q.AbsoluteDelay(), 59*time.Second)
}

package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/coordination/memstore"
)

func TestSession_CreateSequential(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	srv := memstore.NewServer()
	c := srv.NewSession()
	_, err := c.Create(ctx, "/log", nil, coordination.Persistent)
	require.NoError(t, err)

	// --- when ---
	first, err := c.Create(ctx, "/log/log-", []byte("a"), coordination.PersistentSequential)
	require.NoError(t, err)
	second, err := c.Create(ctx, "/log/log-", []byte("b"), coordination.PersistentSequential)
	require.NoError(t, err)

	// --- then ---
	assert.Equal(t, "/log/log-0000000000", first)
	assert.Equal(t, "/log/log-0000000001", second)
	children, err := c.Children(ctx, "/log")
	require.NoError(t, err)
	assert.Equal(t, []string{"log-0000000000", "log-0000000001"}, children)
}

func TestSession_VersionChecks(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := memstore.NewServer().NewSession()
	_, err := c.Create(ctx, "/a", []byte("1"), coordination.Persistent)
	require.NoError(t, err)

	// --- when ---
	st, err := c.Set(ctx, "/a", []byte("2"), 0)
	require.NoError(t, err)
	_, staleErr := c.Set(ctx, "/a", []byte("3"), 0)
	delErr := c.Delete(ctx, "/a", 0)

	// --- then ---
	assert.Equal(t, int32(1), st.Version)
	assert.True(t, errors.Is(staleErr, coordination.ErrBadVersion))
	assert.True(t, errors.Is(delErr, coordination.ErrBadVersion))
	data, _, err := c.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), data)
}

func TestSession_MultiIsAtomic(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := memstore.NewServer().NewSession()
	_, err := c.Create(ctx, "/q", nil, coordination.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/pointer", []byte("0"), coordination.Persistent)
	require.NoError(t, err)

	// --- when ---
	_, err = c.Multi(ctx,
		coordination.NewCreate("/q/queue-", []byte("x"), coordination.PersistentSequential),
		coordination.NewSet("/pointer", []byte("1"), coordination.AnyVersion),
		coordination.NewCheck("/missing", coordination.AnyVersion),
	)

	// --- then ---
	require.Error(t, err)
	op, ok := coordination.FailedOp(err)
	require.True(t, ok)
	assert.Equal(t, "/missing", op.OpPath())
	assert.True(t, errors.Is(err, coordination.ErrNoNode))

	children, err := c.Children(ctx, "/q")
	require.NoError(t, err)
	assert.Empty(t, children)
	data, _, err := c.Get(ctx, "/pointer")
	require.NoError(t, err)
	assert.Equal(t, []byte("0"), data)

	// the sequence number is reused after a rollback
	res, err := c.Multi(ctx, coordination.NewCreate("/q/queue-", nil, coordination.PersistentSequential))
	require.NoError(t, err)
	assert.Equal(t, "/q/queue-0000000000", res[0].Path)
}

func TestSession_WatchFiresOnce(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	srv := memstore.NewServer()
	watcher, writer := srv.NewSession(), srv.NewSession()
	_, err := writer.Create(ctx, "/dir", nil, coordination.Persistent)
	require.NoError(t, err)
	_, watch, err := watcher.ChildrenW(ctx, "/dir")
	require.NoError(t, err)

	// --- when ---
	_, err = writer.Create(ctx, "/dir/a", nil, coordination.Persistent)
	require.NoError(t, err)
	_, err = writer.Create(ctx, "/dir/b", nil, coordination.Persistent)
	require.NoError(t, err)

	// --- then ---
	select {
	case ev := <-watch:
		assert.Equal(t, coordination.EventNodeChildrenChanged, ev.Type)
		assert.Equal(t, "/dir", ev.Path)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
	select {
	case ev := <-watch:
		t.Fatalf("one-shot watch fired twice: %v", ev)
	default:
	}
}

func TestServer_ExpireRemovesEphemerals(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	srv := memstore.NewServer()
	owner, observer := srv.NewSession(), srv.NewSession()
	_, err := owner.Create(ctx, "/is_active", nil, coordination.Ephemeral)
	require.NoError(t, err)
	exists, _, watch, err := observer.ExistsW(ctx, "/is_active")
	require.NoError(t, err)
	require.True(t, exists)

	// --- when ---
	srv.Expire(owner.SessionID())

	// --- then ---
	select {
	case <-owner.Expired():
	case <-time.After(time.Second):
		t.Fatal("expired channel not closed")
	}
	ev := <-watch
	assert.Equal(t, coordination.EventNodeDeleted, ev.Type)
	exists, _, err = observer.Exists(ctx, "/is_active")
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, err = owner.Get(ctx, "/")
	assert.True(t, errors.Is(err, coordination.ErrSessionExpired))
}

func TestServer_Unavailable(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	srv := memstore.NewServer()
	c := srv.NewSession()

	// --- when ---
	srv.SetUnavailable(true)
	_, err := c.Create(ctx, "/x", nil, coordination.Persistent)
	_, factoryErr := srv.Factory()(ctx)
	srv.SetUnavailable(false)
	_, okErr := c.Create(ctx, "/x", nil, coordination.Persistent)

	// --- then ---
	assert.True(t, coordination.IsHardwareError(err))
	assert.True(t, errors.Is(factoryErr, coordination.ErrUnavailable))
	assert.NoError(t, okErr)
}

func TestRemoveRecursive(t *testing.T) {
	t.Parallel()

	// --- given ---
	ctx := context.Background()
	c := memstore.NewServer().NewSession()
	require.NoError(t, coordination.CreateAncestors(ctx, c, "/a/b/c/leaf"))
	_, err := c.Create(ctx, "/a/b/c/leaf", nil, coordination.Persistent)
	require.NoError(t, err)

	// --- when ---
	err = coordination.RemoveRecursive(ctx, c, "/a")

	// --- then ---
	require.NoError(t, err)
	exists, _, err := c.Exists(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, exists)
}

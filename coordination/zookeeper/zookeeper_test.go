package zookeeper

import (
	"testing"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/alpacahq/replicatedtree/coordination"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   error
		want error
	}{
		{name: "no node", in: zk.ErrNoNode, want: coordination.ErrNoNode},
		{name: "exists", in: zk.ErrNodeExists, want: coordination.ErrNodeExists},
		{name: "bad version", in: zk.ErrBadVersion, want: coordination.ErrBadVersion},
		{name: "not empty", in: zk.ErrNotEmpty, want: coordination.ErrNotEmpty},
		{name: "expired", in: zk.ErrSessionExpired, want: coordination.ErrSessionExpired},
		{name: "closing", in: zk.ErrClosing, want: coordination.ErrClosed},
		{name: "no server", in: zk.ErrNoServer, want: coordination.ErrUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, errors.Is(mapError(tt.in), tt.want))
		})
	}
	assert.Nil(t, mapError(nil))
}

func TestFlags(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(0), flags(coordination.Persistent))
	assert.Equal(t, int32(zk.FlagEphemeral), flags(coordination.Ephemeral))
	assert.Equal(t, int32(zk.FlagSequence), flags(coordination.PersistentSequential))
	assert.Equal(t, int32(zk.FlagEphemeral|zk.FlagSequence), flags(coordination.EphemeralSequential))
}

func TestFirstFailure(t *testing.T) {
	t.Parallel()

	// --- given ---
	resp := []zk.MultiResponse{
		{String: "/a"},
		{Error: zk.ErrNoNode},
		{Error: zk.ErrAPIError},
	}

	// --- when ---
	idx, err := firstFailure(resp)

	// --- then ---
	assert.Equal(t, 1, idx)
	assert.Equal(t, zk.ErrNoNode, err)

	idx, err = firstFailure([]zk.MultiResponse{{String: "/a"}})
	assert.Equal(t, -1, idx)
	assert.NoError(t, err)
}

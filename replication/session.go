package replication

import (
	"context"
	"sync"

	"github.com/alpacahq/replicatedtree/coordination"
)

type SessionState int32

const (
	StateActive SessionState = iota
	StateSessionLost
	StateRejoining
	// StateFailed is terminal; the replica stays readonly until restarted.
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSessionLost:
		return "session_lost"
	case StateRejoining:
		return "rejoining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// session binds a coordination client to the background work started for
// it. Canceling ctx stops every task, election and quorum wait of the
// session; wg waits for them.
type session struct {
	zk     coordination.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(parent context.Context, zk coordination.Client) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{zk: zk, ctx: ctx, cancel: cancel}
	go func() {
		select {
		case <-zk.Expired():
			cancel()
		case <-ctx.Done():
		}
	}()
	return s
}

// goTask runs fn in the session's wait group.
func (s *session) goTask(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// stop cancels the session work and waits for it.
func (s *session) stop() {
	s.cancel()
	s.wg.Wait()
}

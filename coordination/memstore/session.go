package memstore

import (
	"context"

	"github.com/alpacahq/replicatedtree/coordination"
)

type sessionState int

const (
	sessionLive sessionState = iota
	sessionExpired
	sessionClosed
)

// Session is a coordination.Client bound to a Server.
type Session struct {
	srv     *Server
	id      int64
	state   sessionState // guarded by srv.mu
	expired chan struct{}
}

var _ coordination.Client = (*Session)(nil)

// begin locks the server and validates the session. On success the caller
// owns srv.mu and must release it.
func (c *Session) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.srv.mu.Lock()
	switch {
	case c.state == sessionExpired:
		c.srv.mu.Unlock()
		return coordination.ErrSessionExpired
	case c.state == sessionClosed:
		c.srv.mu.Unlock()
		return coordination.ErrClosed
	case c.srv.unavailable:
		c.srv.mu.Unlock()
		return coordination.ErrUnavailable
	}
	return nil
}

func (c *Session) watch(m map[string][]watcher, p string) <-chan coordination.Event {
	ch := make(chan coordination.Event, 1)
	m[p] = append(m[p], watcher{session: c.id, ch: ch})
	return ch
}

func (c *Session) Create(ctx context.Context, p string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := c.begin(ctx); err != nil {
		return "", err
	}
	created, events, _, err := c.srv.createLocked(c.id, p, data, mode)
	c.srv.mu.Unlock()
	if err != nil {
		return "", err
	}
	c.srv.fire(events)
	return created, nil
}

func (c *Session) Get(ctx context.Context, p string) ([]byte, *coordination.Stat, error) {
	if err := c.begin(ctx); err != nil {
		return nil, nil, err
	}
	defer c.srv.mu.Unlock()
	n := c.srv.lookupLocked(p)
	if n == nil {
		return nil, nil, coordination.ErrNoNode
	}
	st := n.stat
	return append([]byte(nil), n.data...), &st, nil
}

func (c *Session) GetW(ctx context.Context, p string) ([]byte, *coordination.Stat, <-chan coordination.Event, error) {
	if err := c.begin(ctx); err != nil {
		return nil, nil, nil, err
	}
	defer c.srv.mu.Unlock()
	n := c.srv.lookupLocked(p)
	if n == nil {
		return nil, nil, nil, coordination.ErrNoNode
	}
	st := n.stat
	return append([]byte(nil), n.data...), &st, c.watch(c.srv.dataWatches, p), nil
}

func (c *Session) Set(ctx context.Context, p string, data []byte, version int32) (*coordination.Stat, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	st, events, _, err := c.srv.setLocked(p, data, version)
	c.srv.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.srv.fire(events)
	return st, nil
}

func (c *Session) Delete(ctx context.Context, p string, version int32) error {
	if err := c.begin(ctx); err != nil {
		return err
	}
	events, _, err := c.srv.deleteLocked(p, version)
	c.srv.mu.Unlock()
	if err != nil {
		return err
	}
	c.srv.fire(events)
	return nil
}

func (c *Session) Exists(ctx context.Context, p string) (bool, *coordination.Stat, error) {
	if err := c.begin(ctx); err != nil {
		return false, nil, err
	}
	defer c.srv.mu.Unlock()
	n := c.srv.lookupLocked(p)
	if n == nil {
		return false, nil, nil
	}
	st := n.stat
	return true, &st, nil
}

func (c *Session) ExistsW(ctx context.Context, p string) (bool, *coordination.Stat, <-chan coordination.Event, error) {
	if err := c.begin(ctx); err != nil {
		return false, nil, nil, err
	}
	defer c.srv.mu.Unlock()
	ch := c.watch(c.srv.dataWatches, p)
	n := c.srv.lookupLocked(p)
	if n == nil {
		return false, nil, ch, nil
	}
	st := n.stat
	return true, &st, ch, nil
}

func (c *Session) Children(ctx context.Context, p string) ([]string, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	defer c.srv.mu.Unlock()
	n := c.srv.lookupLocked(p)
	if n == nil {
		return nil, coordination.ErrNoNode
	}
	return childNames(n), nil
}

func (c *Session) ChildrenW(ctx context.Context, p string) ([]string, <-chan coordination.Event, error) {
	if err := c.begin(ctx); err != nil {
		return nil, nil, err
	}
	defer c.srv.mu.Unlock()
	n := c.srv.lookupLocked(p)
	if n == nil {
		return nil, nil, coordination.ErrNoNode
	}
	return childNames(n), c.watch(c.srv.childWatches, p), nil
}

// Multi applies ops in order and rolls all of them back if any fails.
// Watches fire only for committed transactions.
func (c *Session) Multi(ctx context.Context, ops ...coordination.Op) ([]coordination.OpResult, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	var (
		results = make([]coordination.OpResult, 0, len(ops))
		undo    []func()
		events  []pendingEvent
	)
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	for i, op := range ops {
		var (
			res  coordination.OpResult
			evs  []pendingEvent
			back func()
			err  error
		)
		switch o := op.(type) {
		case coordination.CreateOp:
			res.Path, evs, back, err = c.srv.createLocked(c.id, o.Path, o.Data, o.Mode)
		case coordination.DeleteOp:
			res.Path = o.Path
			evs, back, err = c.srv.deleteLocked(o.Path, o.Version)
		case coordination.SetOp:
			res.Path = o.Path
			res.Stat, evs, back, err = c.srv.setLocked(o.Path, o.Data, o.Version)
		case coordination.CheckOp:
			res.Path = o.Path
			err = c.srv.checkLocked(o.Path, o.Version)
		default:
			err = coordination.ErrBadArguments
		}
		if err != nil {
			rollback()
			c.srv.mu.Unlock()
			return nil, &coordination.MultiError{Index: i, Op: op, Err: err}
		}
		if back != nil {
			undo = append(undo, back)
		}
		events = append(events, evs...)
		results = append(results, res)
	}
	c.srv.mu.Unlock()
	c.srv.fire(events)
	return results, nil
}

func (c *Session) SessionID() int64 {
	return c.id
}

func (c *Session) Expired() <-chan struct{} {
	return c.expired
}

// Close ends the session and removes its ephemeral nodes.
func (c *Session) Close() error {
	c.srv.mu.Lock()
	if c.state != sessionLive {
		c.srv.mu.Unlock()
		return nil
	}
	c.state = sessionClosed
	events := c.srv.dropSessionLocked(c.id)
	c.srv.takeSessionWatchesLocked(c.id)
	c.srv.mu.Unlock()
	c.srv.fire(events)
	return nil
}

// Package zookeeper adapts github.com/go-zookeeper/zk to coordination.Client.
package zookeeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/utils/log"
)

type Config struct {
	Servers        []string
	SessionTimeout time.Duration
	// ConnectTimeout bounds the wait for the first session in Dial.
	ConnectTimeout time.Duration
}

type zkLogger struct{}

func (zkLogger) Printf(format string, args ...interface{}) {
	log.Debug("[zk] "+format, args...)
}

// Factory returns a coordination.Factory connecting to cfg.Servers.
func Factory(cfg Config) coordination.Factory {
	return func(ctx context.Context) (coordination.Client, error) {
		return Dial(ctx, cfg)
	}
}

// Client wraps a zk.Conn. It is dead once Expired() is closed.
type Client struct {
	conn    *zk.Conn
	acl     []zk.ACL
	expired chan struct{}
	once    sync.Once
}

var _ coordination.Client = (*Client)(nil)

// Dial connects and waits until a session is established.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no zookeeper servers configured")
	}
	timeout := cfg.SessionTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	conn, events, err := zk.Connect(cfg.Servers, timeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, errors.Wrap(mapError(err), "connect to zookeeper")
	}
	c := &Client{
		conn:    conn,
		acl:     zk.WorldACL(zk.PermAll),
		expired: make(chan struct{}),
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = timeout
	}
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, coordination.ErrClosed
			}
			if ev.State == zk.StateHasSession {
				go c.watchSession(events)
				return c, nil
			}
			if ev.State == zk.StateAuthFailed {
				conn.Close()
				return nil, errors.New("zookeeper authentication failed")
			}
		case <-timer.C:
			conn.Close()
			return nil, errors.Wrap(coordination.ErrUnavailable, "wait for zookeeper session")
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		}
	}
}

func (c *Client) watchSession(events <-chan zk.Event) {
	for ev := range events {
		if ev.State == zk.StateExpired {
			log.Warn("zookeeper session 0x%x expired", c.conn.SessionID())
			c.markExpired()
			return
		}
	}
	c.markExpired()
}

func (c *Client) markExpired() {
	c.once.Do(func() { close(c.expired) })
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return coordination.ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		return coordination.ErrNodeExists
	case errors.Is(err, zk.ErrBadVersion):
		return coordination.ErrBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		return coordination.ErrNotEmpty
	case errors.Is(err, zk.ErrSessionExpired):
		return coordination.ErrSessionExpired
	case errors.Is(err, zk.ErrBadArguments):
		return coordination.ErrBadArguments
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return coordination.ErrClosed
	case errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrSessionMoved):
		return coordination.ErrUnavailable
	default:
		return err
	}
}

func flags(mode coordination.CreateMode) int32 {
	var f int32
	if mode.IsEphemeral() {
		f |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		f |= zk.FlagSequence
	}
	return f
}

func toStat(s *zk.Stat) *coordination.Stat {
	if s == nil {
		return nil
	}
	return &coordination.Stat{
		Version:        s.Version,
		CVersion:       s.Cversion,
		Ctime:          s.Ctime,
		Mtime:          s.Mtime,
		NumChildren:    s.NumChildren,
		EphemeralOwner: s.EphemeralOwner,
	}
}

func toEvent(ev zk.Event) coordination.Event {
	out := coordination.Event{Path: ev.Path}
	switch ev.Type {
	case zk.EventNodeCreated:
		out.Type = coordination.EventNodeCreated
	case zk.EventNodeDeleted:
		out.Type = coordination.EventNodeDeleted
	case zk.EventNodeDataChanged:
		out.Type = coordination.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		out.Type = coordination.EventNodeChildrenChanged
	default:
		out.Type = coordination.EventSessionExpired
	}
	return out
}

// adaptWatch converts a zk watch channel. zk closes the channel without a
// value when the connection drops, which is reported as session loss.
func adaptWatch(in <-chan zk.Event) <-chan coordination.Event {
	out := make(chan coordination.Event, 1)
	go func() {
		ev, ok := <-in
		if !ok {
			out <- coordination.Event{Type: coordination.EventSessionExpired}
			return
		}
		out <- toEvent(ev)
	}()
	return out
}

// call runs fn unless ctx is already done. zk calls are bounded by the
// session timeout and cannot be interrupted.
func call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(fn())
}

func (c *Client) Create(ctx context.Context, p string, data []byte, mode coordination.CreateMode) (string, error) {
	var created string
	err := call(ctx, func() (err error) {
		created, err = c.conn.Create(p, data, flags(mode), c.acl)
		return err
	})
	return created, err
}

func (c *Client) Get(ctx context.Context, p string) ([]byte, *coordination.Stat, error) {
	var (
		data []byte
		st   *zk.Stat
	)
	err := call(ctx, func() (err error) {
		data, st, err = c.conn.Get(p)
		return err
	})
	return data, toStat(st), err
}

func (c *Client) GetW(ctx context.Context, p string) ([]byte, *coordination.Stat, <-chan coordination.Event, error) {
	var (
		data []byte
		st   *zk.Stat
		ch   <-chan zk.Event
	)
	err := call(ctx, func() (err error) {
		data, st, ch, err = c.conn.GetW(p)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return data, toStat(st), adaptWatch(ch), nil
}

func (c *Client) Set(ctx context.Context, p string, data []byte, version int32) (*coordination.Stat, error) {
	var st *zk.Stat
	err := call(ctx, func() (err error) {
		st, err = c.conn.Set(p, data, version)
		return err
	})
	return toStat(st), err
}

func (c *Client) Delete(ctx context.Context, p string, version int32) error {
	return call(ctx, func() error {
		return c.conn.Delete(p, version)
	})
}

func (c *Client) Exists(ctx context.Context, p string) (bool, *coordination.Stat, error) {
	var (
		ok bool
		st *zk.Stat
	)
	err := call(ctx, func() (err error) {
		ok, st, err = c.conn.Exists(p)
		return err
	})
	if !ok {
		st = nil
	}
	return ok, toStat(st), err
}

func (c *Client) ExistsW(ctx context.Context, p string) (bool, *coordination.Stat, <-chan coordination.Event, error) {
	var (
		ok bool
		st *zk.Stat
		ch <-chan zk.Event
	)
	err := call(ctx, func() (err error) {
		ok, st, ch, err = c.conn.ExistsW(p)
		return err
	})
	if err != nil {
		return false, nil, nil, err
	}
	if !ok {
		st = nil
	}
	return ok, toStat(st), adaptWatch(ch), nil
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	var children []string
	err := call(ctx, func() (err error) {
		children, _, err = c.conn.Children(p)
		return err
	})
	return children, err
}

func (c *Client) ChildrenW(ctx context.Context, p string) ([]string, <-chan coordination.Event, error) {
	var (
		children []string
		ch       <-chan zk.Event
	)
	err := call(ctx, func() (err error) {
		children, _, ch, err = c.conn.ChildrenW(p)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return children, adaptWatch(ch), nil
}

func (c *Client) toRequest(op coordination.Op) (interface{}, error) {
	switch o := op.(type) {
	case coordination.CreateOp:
		return &zk.CreateRequest{Path: o.Path, Data: o.Data, Acl: c.acl, Flags: flags(o.Mode)}, nil
	case coordination.DeleteOp:
		return &zk.DeleteRequest{Path: o.Path, Version: o.Version}, nil
	case coordination.SetOp:
		return &zk.SetDataRequest{Path: o.Path, Data: o.Data, Version: o.Version}, nil
	case coordination.CheckOp:
		return &zk.CheckVersionRequest{Path: o.Path, Version: o.Version}, nil
	default:
		return nil, fmt.Errorf("unsupported multi op %T", op)
	}
}

func (c *Client) Multi(ctx context.Context, ops ...coordination.Op) ([]coordination.OpResult, error) {
	reqs := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		req, err := c.toRequest(op)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.conn.Multi(reqs...)
	if idx, opErr := firstFailure(resp); idx >= 0 {
		return nil, &coordination.MultiError{Index: idx, Op: ops[idx], Err: mapError(opErr)}
	}
	if err != nil {
		return nil, mapError(err)
	}
	results := make([]coordination.OpResult, len(resp))
	for i, r := range resp {
		results[i] = coordination.OpResult{Path: ops[i].OpPath(), Stat: toStat(r.Stat)}
		if _, isCreate := ops[i].(coordination.CreateOp); isCreate {
			results[i].Path = r.String
		}
	}
	return results, nil
}

// firstFailure locates the op that aborted a multi. Ops following it carry
// a runtime inconsistency marker and are skipped in favour of a known error.
func firstFailure(resp []zk.MultiResponse) (int, error) {
	fallback := -1
	for i, r := range resp {
		if r.Error == nil {
			continue
		}
		if mapError(r.Error) != r.Error {
			return i, r.Error
		}
		if fallback < 0 {
			fallback = i
		}
	}
	if fallback >= 0 {
		return fallback, resp[fallback].Error
	}
	return -1, nil
}

func (c *Client) SessionID() int64 {
	return c.conn.SessionID()
}

func (c *Client) Expired() <-chan struct{} {
	return c.expired
}

func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

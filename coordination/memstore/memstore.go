// Package memstore is an in-process, linearizable implementation of the
// coordination facade. It backs single node deployments and every
// multi-replica test: sessions can be expired and the whole store can be
// made unavailable on demand.
package memstore

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
)

var errEphemeralParent = errors.New("ephemeral nodes cannot have children")

type node struct {
	data     []byte
	stat     coordination.Stat
	children map[string]*node
	nextSeq  int64
}

type watcher struct {
	session int64
	ch      chan coordination.Event
}

// Server holds the tree shared by all sessions.
type Server struct {
	mu           sync.Mutex
	root         *node
	nextSession  int64
	sessions     map[int64]*Session
	dataWatches  map[string][]watcher
	childWatches map[string][]watcher
	unavailable  bool
	now          func() time.Time
}

func NewServer() *Server {
	return &Server{
		root:         &node{children: map[string]*node{}},
		sessions:     map[int64]*Session{},
		dataWatches:  map[string][]watcher{},
		childWatches: map[string][]watcher{},
		now:          time.Now,
	}
}

// NewSession opens a new client session.
func (s *Server) NewSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	sess := &Session{srv: s, id: s.nextSession, expired: make(chan struct{})}
	s.sessions[sess.id] = sess
	return sess
}

// Factory returns a coordination.Factory that opens sessions on this server.
func (s *Server) Factory() coordination.Factory {
	return func(ctx context.Context) (coordination.Client, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		down := s.unavailable
		s.mu.Unlock()
		if down {
			return nil, coordination.ErrUnavailable
		}
		return s.NewSession(), nil
	}
}

// SetUnavailable simulates a network partition between all clients and the store.
func (s *Server) SetUnavailable(v bool) {
	s.mu.Lock()
	s.unavailable = v
	s.mu.Unlock()
}

// Expire ends the session the way a store-side timeout would:
// ephemerals are removed, pending watches see EventSessionExpired.
func (s *Server) Expire(id int64) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.state != sessionLive {
		s.mu.Unlock()
		return
	}
	sess.state = sessionExpired
	events := s.dropSessionLocked(id)
	expiredWatchers := s.takeSessionWatchesLocked(id)
	s.mu.Unlock()

	for _, w := range expiredWatchers {
		deliver(w.ch, coordination.Event{Type: coordination.EventSessionExpired})
	}
	s.fire(events)
	close(sess.expired)
}

// LiveSessions returns the ids of sessions that are neither closed nor expired.
func (s *Server) LiveSessions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, sess := range s.sessions {
		if sess.state == sessionLive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) dropSessionLocked(id int64) []pendingEvent {
	var owned []string
	var walk func(p string, n *node)
	walk = func(p string, n *node) {
		for name, child := range n.children {
			cp := coordination.Join(p, name)
			if child.stat.EphemeralOwner == id {
				owned = append(owned, cp)
			}
			walk(cp, child)
		}
	}
	walk("/", s.root)
	delete(s.sessions, id)

	var events []pendingEvent
	for _, p := range owned {
		evs, _, err := s.deleteLocked(p, coordination.AnyVersion)
		if err == nil {
			events = append(events, evs...)
		}
	}
	return events
}

func (s *Server) takeSessionWatchesLocked(id int64) []watcher {
	var taken []watcher
	for _, m := range []map[string][]watcher{s.dataWatches, s.childWatches} {
		for p, ws := range m {
			kept := ws[:0]
			for _, w := range ws {
				if w.session == id {
					taken = append(taken, w)
				} else {
					kept = append(kept, w)
				}
			}
			if len(kept) == 0 {
				delete(m, p)
			} else {
				m[p] = kept
			}
		}
	}
	return taken
}

type pendingEvent struct {
	child bool
	ev    coordination.Event
}

func (s *Server) fire(events []pendingEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	var toSend []struct {
		ch chan coordination.Event
		ev coordination.Event
	}
	for _, pe := range events {
		m := s.dataWatches
		if pe.child {
			m = s.childWatches
		}
		for _, w := range m[pe.ev.Path] {
			toSend = append(toSend, struct {
				ch chan coordination.Event
				ev coordination.Event
			}{w.ch, pe.ev})
		}
		delete(m, pe.ev.Path)
	}
	s.mu.Unlock()
	for _, t := range toSend {
		deliver(t.ch, t.ev)
	}
}

func deliver(ch chan coordination.Event, ev coordination.Event) {
	select {
	case ch <- ev:
	default:
	}
}

func (s *Server) lookupLocked(p string) *node {
	if p == "/" {
		return s.root
	}
	cur := s.root
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		next, ok := cur.children[part]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func validatePath(p string) error {
	if !strings.HasPrefix(p, "/") || (len(p) > 1 && strings.HasSuffix(p, "/")) || strings.Contains(p, "//") {
		return errors.Errorf("invalid path %q", p)
	}
	return nil
}

func (s *Server) createLocked(sessionID int64, p string, data []byte, mode coordination.CreateMode,
) (string, []pendingEvent, func(), error) {
	if err := validatePath(p); err != nil {
		return "", nil, nil, err
	}
	if p == "/" {
		return "", nil, nil, coordination.ErrNodeExists
	}
	parentPath, name := path.Split(p)
	parentPath = path.Clean(parentPath)
	parent := s.lookupLocked(parentPath)
	if parent == nil {
		return "", nil, nil, coordination.ErrNoNode
	}
	if parent.stat.EphemeralOwner != 0 {
		return "", nil, nil, errEphemeralParent
	}
	prevSeq := parent.nextSeq
	if mode.IsSequential() {
		name = coordination.FormatSequence(name, parent.nextSeq)
		parent.nextSeq++
	}
	if _, ok := parent.children[name]; ok {
		parent.nextSeq = prevSeq
		return "", nil, nil, coordination.ErrNodeExists
	}

	nowMs := s.now().UnixNano() / int64(time.Millisecond)
	n := &node{
		data:     append([]byte(nil), data...),
		children: map[string]*node{},
		stat:     coordination.Stat{Ctime: nowMs, Mtime: nowMs},
	}
	if mode.IsEphemeral() {
		n.stat.EphemeralOwner = sessionID
	}
	parent.children[name] = n
	parent.stat.CVersion++
	parent.stat.NumChildren++

	created := coordination.Join(parentPath, name)
	undo := func() {
		delete(parent.children, name)
		parent.stat.CVersion--
		parent.stat.NumChildren--
		parent.nextSeq = prevSeq
	}
	events := []pendingEvent{
		{ev: coordination.Event{Type: coordination.EventNodeCreated, Path: created}},
		{child: true, ev: coordination.Event{Type: coordination.EventNodeChildrenChanged, Path: parentPath}},
	}
	return created, events, undo, nil
}

func (s *Server) deleteLocked(p string, version int32) ([]pendingEvent, func(), error) {
	if err := validatePath(p); err != nil {
		return nil, nil, err
	}
	n := s.lookupLocked(p)
	if n == nil || p == "/" {
		return nil, nil, coordination.ErrNoNode
	}
	if version != coordination.AnyVersion && version != n.stat.Version {
		return nil, nil, coordination.ErrBadVersion
	}
	if len(n.children) > 0 {
		return nil, nil, coordination.ErrNotEmpty
	}
	parentPath, name := path.Split(p)
	parentPath = path.Clean(parentPath)
	parent := s.lookupLocked(parentPath)
	delete(parent.children, name)
	parent.stat.CVersion++
	parent.stat.NumChildren--

	undo := func() {
		parent.children[name] = n
		parent.stat.CVersion--
		parent.stat.NumChildren++
	}
	events := []pendingEvent{
		{ev: coordination.Event{Type: coordination.EventNodeDeleted, Path: p}},
		{child: true, ev: coordination.Event{Type: coordination.EventNodeDeleted, Path: p}},
		{child: true, ev: coordination.Event{Type: coordination.EventNodeChildrenChanged, Path: parentPath}},
	}
	return events, undo, nil
}

func (s *Server) setLocked(p string, data []byte, version int32) (*coordination.Stat, []pendingEvent, func(), error) {
	if err := validatePath(p); err != nil {
		return nil, nil, nil, err
	}
	n := s.lookupLocked(p)
	if n == nil {
		return nil, nil, nil, coordination.ErrNoNode
	}
	if version != coordination.AnyVersion && version != n.stat.Version {
		return nil, nil, nil, coordination.ErrBadVersion
	}
	oldData, oldStat := n.data, n.stat
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.Mtime = s.now().UnixNano() / int64(time.Millisecond)

	undo := func() {
		n.data, n.stat = oldData, oldStat
	}
	st := n.stat
	events := []pendingEvent{{ev: coordination.Event{Type: coordination.EventNodeDataChanged, Path: p}}}
	return &st, events, undo, nil
}

func (s *Server) checkLocked(p string, version int32) error {
	n := s.lookupLocked(p)
	if n == nil {
		return coordination.ErrNoNode
	}
	if version != coordination.AnyVersion && version != n.stat.Version {
		return coordination.ErrBadVersion
	}
	return nil
}

func childNames(n *node) []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

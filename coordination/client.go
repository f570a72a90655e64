// Package coordination is the typed facade over the strongly consistent,
// hierarchical coordination store (ZooKeeper or compatible) that holds the
// replication log, the per replica queues, block numbers and quorum state.
//
// Every implementation must be linearizable within a session, support
// ephemeral and sequential nodes, one-shot watches and all-or-nothing
// multi-operation transactions. Guarantees do not carry over across sessions:
// once Expired() is closed the Client is dead and a new one has to be built
// with a Factory.
package coordination

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
)

type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	PersistentSequential
	EphemeralSequential
)

func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

func (m CreateMode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

// AnyVersion disables the version check of Set, Delete and CheckOp.
const AnyVersion int32 = -1

// SequenceDigits is the width of the zero padded suffix of sequential nodes.
const SequenceDigits = 10

type Stat struct {
	Version        int32
	CVersion       int32
	Ctime          int64 // unix millis
	Mtime          int64 // unix millis
	NumChildren    int32
	EphemeralOwner int64
}

type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	EventSessionExpired
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	case EventSessionExpired:
		return "SessionExpired"
	default:
		return "Unknown"
	}
}

type Event struct {
	Type EventType
	Path string
}

// Client is a single coordination session.
type Client interface {
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	Get(ctx context.Context, path string) ([]byte, *Stat, error)
	GetW(ctx context.Context, path string) ([]byte, *Stat, <-chan Event, error)
	Set(ctx context.Context, path string, data []byte, version int32) (*Stat, error)
	Delete(ctx context.Context, path string, version int32) error
	Exists(ctx context.Context, path string) (bool, *Stat, error)
	ExistsW(ctx context.Context, path string) (bool, *Stat, <-chan Event, error)
	Children(ctx context.Context, path string) ([]string, error)
	ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error)
	// Multi applies every op or none of them.
	Multi(ctx context.Context, ops ...Op) ([]OpResult, error)

	SessionID() int64
	// Expired is closed once the session is lost for good.
	Expired() <-chan struct{}
	Close() error
}

// Factory opens a new session.
type Factory func(ctx context.Context) (Client, error)

// SequenceOf extracts the number appended to a sequential node name,
// e.g. "log-0000000042" -> 42.
func SequenceOf(name string) (int64, error) {
	name = path.Base(name)
	if len(name) < SequenceDigits {
		return 0, fmt.Errorf("%s is not a sequential node name", name)
	}
	return strconv.ParseInt(name[len(name)-SequenceDigits:], 10, 64)
}

// FormatSequence renders a sequence number the way sequential nodes are named.
func FormatSequence(prefix string, seq int64) string {
	return fmt.Sprintf("%s%0*d", prefix, SequenceDigits, seq)
}

// Join builds a node path from segments.
func Join(elem ...string) string {
	p := path.Join(elem...)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

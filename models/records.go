package models

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

type MutationCommandType string

const (
	MutationDelete MutationCommandType = "DELETE"
	MutationUpdate MutationCommandType = "UPDATE"
)

// MutationCommand is a single ALTER ... DELETE/UPDATE. Predicate is a
// "<column> <glob>" pair; rows whose column value matches the glob are
// affected.
type MutationCommand struct {
	Type      MutationCommandType `msgpack:"type" json:"type"`
	Predicate string              `msgpack:"predicate" json:"predicate"`
	Column    string              `msgpack:"column,omitempty" json:"column,omitempty"`
	Value     string              `msgpack:"value,omitempty" json:"value,omitempty"`
}

// MutationEntry is the descriptor stored under /mutations/<id>.
type MutationEntry struct {
	Commands      []MutationCommand `msgpack:"commands"`
	CreateTime    time.Time         `msgpack:"create_time"`
	SourceReplica string            `msgpack:"source_replica"`
	// BlockNumbers maps a partition to the block number allocated for the
	// mutation; parts with a lower data version must be mutated.
	BlockNumbers map[string]int64 `msgpack:"block_numbers"`

	ID string `msgpack:"-"`
}

// VersionFor returns the mutation version in partition, if the mutation
// affects it.
func (m *MutationEntry) VersionFor(partition string) (int64, bool) {
	v, ok := m.BlockNumbers[partition]
	return v, ok
}

// QuorumEntry is the state under /quorum/<part>.
type QuorumEntry struct {
	PartName string   `msgpack:"part_name"`
	InsertID string   `msgpack:"insert_id"`
	Required int      `msgpack:"required"`
	Replicas []string `msgpack:"replicas"`
}

func (q *QuorumEntry) HasReplica(name string) bool {
	for _, r := range q.Replicas {
		if r == name {
			return true
		}
	}
	return false
}

func (q *QuorumEntry) Satisfied() bool {
	return len(q.Replicas) >= q.Required
}

// ReplicaAddress is published under /replicas/<r>/host so peers can
// fetch parts from the replica.
type ReplicaAddress struct {
	Host          string `msgpack:"host"`
	Port          int    `msgpack:"port"`
	Scheme        string `msgpack:"scheme"`
	ZooKeeperPath string `msgpack:"zookeeper_path"`
	ReplicaName   string `msgpack:"replica_name"`
}

// BaseURL is the root URL of the replica's interserver endpoint.
func (a ReplicaAddress) BaseURL() string {
	scheme := a.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
}

// ReplicaPath is the coordination path of the replica.
func (a ReplicaAddress) ReplicaPath() string {
	return a.ZooKeeperPath + "/replicas/" + a.ReplicaName
}

// PartHeader is what a replica registers for each of its parts. Fetchers
// verify downloaded payloads against it.
type PartHeader struct {
	Checksum string `msgpack:"checksum" json:"checksum"`
	Size     int64  `msgpack:"size" json:"size"`
	Rows     int64  `msgpack:"rows" json:"rows"`
}

type Column struct {
	Name string `msgpack:"name" json:"name" yaml:"name"`
	Type string `msgpack:"type" json:"type" yaml:"type"`
}

// TableMetadata is the table structure stored under /metadata.
type TableMetadata struct {
	Columns     []Column          `msgpack:"columns"`
	PartitionBy string            `msgpack:"partition_by"`
	OrderBy     string            `msgpack:"order_by"`
	Settings    map[string]string `msgpack:"settings,omitempty"`
}

// Diff returns an error describing the first structural difference.
// Settings are not structural.
func (m *TableMetadata) Diff(other *TableMetadata) error {
	if m.PartitionBy != other.PartitionBy {
		return errors.Errorf("partition key differs: local %q, shared %q", m.PartitionBy, other.PartitionBy)
	}
	if m.OrderBy != other.OrderBy {
		return errors.Errorf("sorting key differs: local %q, shared %q", m.OrderBy, other.OrderBy)
	}
	if len(m.Columns) != len(other.Columns) {
		return errors.Errorf("column count differs: local %d, shared %d", len(m.Columns), len(other.Columns))
	}
	for i := range m.Columns {
		if m.Columns[i] != other.Columns[i] {
			return errors.Errorf("column #%d differs: local %s %s, shared %s %s", i,
				m.Columns[i].Name, m.Columns[i].Type, other.Columns[i].Name, other.Columns[i].Type)
		}
	}
	return nil
}

func (m *TableMetadata) HasColumn(name string) bool {
	for _, c := range m.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Encode and Decode serialize the records above for storage in
// coordination nodes.
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

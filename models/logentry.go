package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

type LogEntryType string

const (
	GetPart      LogEntryType = "GET_PART"
	MergeParts   LogEntryType = "MERGE_PARTS"
	MutatePart   LogEntryType = "MUTATE_PART"
	DropRange    LogEntryType = "DROP_RANGE"
	ReplaceRange LogEntryType = "REPLACE_RANGE"
	ClearColumn  LogEntryType = "CLEAR_COLUMN"
)

// LogEntry is one operation of the shared replication log. Entries are
// immutable once appended; per replica execution state lives in the queue.
type LogEntry struct {
	Type          LogEntryType `msgpack:"type"`
	SourceReplica string       `msgpack:"source_replica"`
	CreateTime    time.Time    `msgpack:"create_time"`

	// NewPartName is the produced part for GET, MERGE and MUTATE, and the
	// fake covering range for DROP_RANGE and CLEAR_COLUMN.
	NewPartName string   `msgpack:"new_part_name"`
	SourceParts []string `msgpack:"source_parts,omitempty"`

	// BlockID is the deduplication id of an inserted block.
	BlockID string `msgpack:"block_id,omitempty"`
	// Quorum is the number of replicas that must hold the part.
	Quorum int `msgpack:"quorum,omitempty"`
	// Detach moves dropped parts to detached/ instead of removing them.
	Detach bool `msgpack:"detach,omitempty"`

	ColumnName      string             `msgpack:"column_name,omitempty"`
	MutationVersion int64              `msgpack:"mutation_version,omitempty"`
	Replace         *ReplaceRangeEntry `msgpack:"replace,omitempty"`

	// LogName is the node name the entry was read from (log-XXX or
	// queue-XXX). It is not persisted.
	LogName string `msgpack:"-"`
}

// ReplaceRangeEntry swaps every part inside DropRangePartName for NewPartNames.
// NewPartNames[i] is a renamed copy of SourcePartNames[i] of the table at
// FromTablePath.
type ReplaceRangeEntry struct {
	DropRangePartName string            `msgpack:"drop_range_part_name"`
	FromTablePath     string            `msgpack:"from_table_path,omitempty"`
	SourcePartNames   []string          `msgpack:"source_part_names,omitempty"`
	NewPartNames      []string          `msgpack:"new_part_names"`
	PartChecksums     map[string]string `msgpack:"part_checksums,omitempty"`
}

func (e *LogEntry) Encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

func DecodeLogEntry(data []byte, logName string) (*LogEntry, error) {
	e := &LogEntry{}
	if err := msgpack.Unmarshal(data, e); err != nil {
		return nil, errors.Wrapf(err, "decode log entry %s", logName)
	}
	e.LogName = logName
	return e, nil
}

// VirtualParts returns the parts that will exist once the entry is
// executed. Fake drop ranges are included so that selection can see them.
func (e *LogEntry) VirtualParts() []string {
	switch e.Type {
	case ReplaceRange:
		if e.Replace == nil {
			return nil
		}
		return append([]string{e.Replace.DropRangePartName}, e.Replace.NewPartNames...)
	case ClearColumn:
		return nil
	default:
		if e.NewPartName == "" {
			return nil
		}
		return []string{e.NewPartName}
	}
}

// ProducesPart reports whether executing e creates a new data part.
func (e *LogEntry) ProducesPart() bool {
	switch e.Type {
	case GetPart, MergeParts, MutatePart:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy with LogName preserved.
func (e *LogEntry) Clone() *LogEntry {
	c := *e
	c.SourceParts = append([]string(nil), e.SourceParts...)
	if e.Replace != nil {
		r := *e.Replace
		r.NewPartNames = append([]string(nil), e.Replace.NewPartNames...)
		r.SourcePartNames = append([]string(nil), e.Replace.SourcePartNames...)
		if e.Replace.PartChecksums != nil {
			r.PartChecksums = make(map[string]string, len(e.Replace.PartChecksums))
			for k, v := range e.Replace.PartChecksums {
				r.PartChecksums[k] = v
			}
		}
		c.Replace = &r
	}
	return &c
}

func (e *LogEntry) String() string {
	if len(e.SourceParts) > 0 {
		return string(e.Type) + " " + e.NewPartName + " from " + strings.Join(e.SourceParts, ",")
	}
	return string(e.Type) + " " + e.NewPartName
}

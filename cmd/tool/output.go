package tool

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/alpacahq/replicatedtree/frontend"
	"github.com/alpacahq/replicatedtree/replication"
)

const (
	formatJSON = "json"
	formatCSV  = "csv"
)

type statusRow struct {
	ReplicaName    string  `csv:"replica_name"`
	IsLeader       bool    `csv:"is_leader"`
	IsReadonly     bool    `csv:"is_readonly"`
	SessionState   string  `csv:"session_state"`
	ColumnsVersion int32   `csv:"columns_version"`
	PartsCount     int     `csv:"parts_count"`
	TotalBytes     int64   `csv:"total_bytes"`
	QueueSize      int     `csv:"queue_size"`
	LogPointer     int64   `csv:"log_pointer"`
	LogMaxIndex    int64   `csv:"log_max_index"`
	TotalReplicas  int     `csv:"total_replicas"`
	ActiveReplicas int     `csv:"active_replicas"`
	AbsoluteDelay  float64 `csv:"absolute_delay"`
}

type queueRow struct {
	Znode          string `csv:"znode"`
	Type           string `csv:"type"`
	CreateTime     string `csv:"create_time"`
	SourceReplica  string `csv:"source_replica"`
	NewPartName    string `csv:"new_part_name"`
	SourceParts    string `csv:"source_parts"`
	Executing      bool   `csv:"is_currently_executing"`
	NumTries       int    `csv:"num_tries"`
	LastException  string `csv:"last_exception"`
	NumPostponed   int    `csv:"num_postponed"`
	PostponeReason string `csv:"postpone_reason"`
}

type mutationRow struct {
	ID         string `csv:"id"`
	CreateTime string `csv:"create_time"`
	PartsToDo  int    `csv:"parts_to_do"`
	IsDone     bool   `csv:"is_done"`
}

func statusRows(st *replication.ReplicaStatus) []statusRow {
	return []statusRow{{
		ReplicaName:    st.ReplicaName,
		IsLeader:       st.IsLeader,
		IsReadonly:     st.IsReadonly,
		SessionState:   st.SessionState,
		ColumnsVersion: st.ColumnsVersion,
		PartsCount:     st.PartsCount,
		TotalBytes:     st.TotalBytes,
		QueueSize:      st.Queue.QueueSize,
		LogPointer:     st.Queue.LogPointer,
		LogMaxIndex:    st.LogMaxIndex,
		TotalReplicas:  st.TotalReplicas,
		ActiveReplicas: st.ActiveReplicas,
		AbsoluteDelay:  st.AbsoluteDelay,
	}}
}

func queueRows(entries []replication.QueueEntryStatus) []queueRow {
	rows := make([]queueRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, queueRow{
			Znode:          e.Znode,
			Type:           e.Type,
			CreateTime:     e.CreateTime.UTC().Format(time.RFC3339),
			SourceReplica:  e.SourceReplica,
			NewPartName:    e.NewPartName,
			SourceParts:    strings.Join(e.SourceParts, " "),
			Executing:      e.IsCurrentlyExecuting,
			NumTries:       e.NumTries,
			LastException:  e.LastException,
			NumPostponed:   e.NumPostponed,
			PostponeReason: e.PostponeReason,
		})
	}
	return rows
}

func mutationRows(ms []replication.MutationStatus) []mutationRow {
	rows := make([]mutationRow, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, mutationRow{
			ID:         m.ID,
			CreateTime: m.CreateTime.UTC().Format(time.RFC3339),
			PartsToDo:  len(m.PartsToDo),
			IsDone:     m.IsDone,
		})
	}
	return rows
}

func delayRows(d *frontend.DelayReply) []struct {
	Absolute float64 `csv:"absolute_delay"`
	Relative float64 `csv:"relative_delay"`
} {
	return []struct {
		Absolute float64 `csv:"absolute_delay"`
		Relative float64 `csv:"relative_delay"`
	}{{Absolute: d.AbsoluteSeconds, Relative: d.RelativeSeconds}}
}

// render writes v as indented json, or rows as csv with a header line.
func render(w io.Writer, format string, v, rows interface{}) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatCSV:
		return gocsv.Marshal(rows, w)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

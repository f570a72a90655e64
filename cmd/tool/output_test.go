package tool

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/replication"
)

func TestRender(t *testing.T) {
	t.Parallel()

	entries := []replication.QueueEntryStatus{{
		Znode:       "queue-0000000003",
		Type:        "MERGE_PARTS",
		CreateTime:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		NewPartName: "202401_0_2_1",
		SourceParts: []string{"202401_0_0_0", "202401_1_2_1"},
		NumTries:    2,
	}}

	tests := map[string]struct {
		format   string
		contains []string
		wantErr  bool
	}{
		"json": {
			format:   formatJSON,
			contains: []string{`"znode": "queue-0000000003"`, `"new_part_name": "202401_0_2_1"`},
		},
		"csv": {
			format: formatCSV,
			contains: []string{
				"znode,type,create_time,source_replica,new_part_name",
				"queue-0000000003,MERGE_PARTS,2024-01-02T03:04:05Z,,202401_0_2_1,202401_0_0_0 202401_1_2_1,false,2",
			},
		},
		"unknown": {
			format:  "xml",
			wantErr: true,
		},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			// --- when ---
			var buf bytes.Buffer
			err := render(&buf, tt.format, entries, queueRows(entries))

			// --- then ---
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
		})
	}
}

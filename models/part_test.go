package models_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/models"
)

func TestParsePartName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    models.PartInfo
		wantErr bool
	}{
		{
			name:  "plain",
			input: "2024-01_1_5_2",
			want:  models.PartInfo{Partition: "2024-01", MinBlock: 1, MaxBlock: 5, Level: 2},
		},
		{
			name:  "mutated",
			input: "all_0_0_0_7",
			want:  models.PartInfo{Partition: "all", MinBlock: 0, MaxBlock: 0, Level: 0, Mutation: 7},
		},
		{name: "too few fields", input: "all_1_2", wantErr: true},
		{name: "not a number", input: "all_a_2_0", wantErr: true},
		{name: "inverted range", input: "all_5_2_0", wantErr: true},
		{name: "empty partition", input: "_1_2_0", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// --- when ---
			got, err := models.ParsePartName(tt.input)

			// --- then ---
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParsePartName() mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.input, got.Name())
		})
	}
}

func TestPartInfo_ContainsCovers(t *testing.T) {
	t.Parallel()

	big := models.MustParsePartName("p_1_10_2")
	small := models.MustParsePartName("p_3_4_1")
	other := models.MustParsePartName("q_3_4_1")

	assert.True(t, big.Contains(small))
	assert.True(t, big.Covers(small))
	assert.True(t, big.Contains(big))
	assert.False(t, big.Covers(big))
	assert.False(t, small.Contains(big))
	assert.False(t, big.Contains(other))
	assert.True(t, big.Intersects(models.MustParsePartName("p_10_12_0")))
	assert.False(t, big.Intersects(models.MustParsePartName("p_11_12_0")))
}

func TestMergedName(t *testing.T) {
	t.Parallel()

	// --- when ---
	name, err := models.MergedName([]string{"2024-01_0_0_0", "2024-01_1_1_0", "2024-01_2_3_1"})

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, "2024-01_0_3_2", name)

	_, err = models.MergedName([]string{"a_0_0_0", "b_1_1_0"})
	assert.Error(t, err)
}

func TestDropRangeInfo(t *testing.T) {
	t.Parallel()

	drop := models.DropRangeInfo("p", 9)

	assert.True(t, drop.IsFakeDropRange())
	assert.True(t, drop.Contains(models.MustParsePartName("p_0_9_3_5")))
	assert.False(t, drop.Contains(models.MustParsePartName("p_8_10_1")))
}

func TestActivePartSet_Add(t *testing.T) {
	t.Parallel()

	// --- given ---
	set, err := models.NewActivePartSet("p_1_1_0", "p_2_2_0", "p_3_3_0", "q_1_1_0")
	require.NoError(t, err)

	// --- when ---
	replaced, added := set.Add(models.MustParsePartName("p_1_2_1"))
	_, addedCovered := set.Add(models.MustParsePartName("p_2_2_0"))

	// --- then ---
	assert.True(t, added)
	assert.False(t, addedCovered)
	assert.Equal(t, []models.PartInfo{
		models.MustParsePartName("p_1_1_0"),
		models.MustParsePartName("p_2_2_0"),
	}, replaced)
	assert.Equal(t, []string{"p_1_2_1", "p_3_3_0", "q_1_1_0"}, set.Names())
	assert.Equal(t, "p_1_2_1", set.ContainingPartName("p_2_2_0"))
	assert.Len(t, set.PartsInRange(models.DropRangeInfo("p", 100)), 2)
	assert.True(t, set.Remove(models.MustParsePartName("q_1_1_0")))
	assert.Equal(t, 2, set.Size())
}

func TestLogEntry_EncodeDecode(t *testing.T) {
	t.Parallel()

	// --- given ---
	entry := &models.LogEntry{
		Type:          models.MergeParts,
		SourceReplica: "r1",
		NewPartName:   "p_1_2_1",
		SourceParts:   []string{"p_1_1_0", "p_2_2_0"},
	}

	// --- when ---
	data, err := entry.Encode()
	require.NoError(t, err)
	got, err := models.DecodeLogEntry(data, "log-0000000003")

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, "log-0000000003", got.LogName)
	assert.Equal(t, entry.SourceParts, got.SourceParts)
	assert.Equal(t, []string{"p_1_2_1"}, got.VirtualParts())
	assert.True(t, got.ProducesPart())
}

func TestTableMetadata_Diff(t *testing.T) {
	t.Parallel()

	local := &models.TableMetadata{
		Columns:     []models.Column{{Name: "a", Type: "String"}},
		PartitionBy: "month",
		OrderBy:     "a",
	}
	same := *local
	changed := *local
	changed.Columns = []models.Column{{Name: "a", Type: "Int64"}}

	assert.NoError(t, local.Diff(&same))
	assert.Error(t, local.Diff(&changed))
}

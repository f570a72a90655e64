package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/models"
)

func setup(t *testing.T) (rootDir string, catalogDir *catalog.Directory) {
	t.Helper()

	rootDir = t.TempDir()
	catalogDir, err := catalog.NewDirectory(rootDir)
	if err != nil {
		t.Fatal("failed to create a catalog dir.err=" + err.Error())
	}
	return rootDir, catalogDir
}

func writePart(t *testing.T, d *catalog.Directory, name, payload string) []*catalog.Part {
	t.Helper()

	tmp, err := d.NewTempPart(name)
	require.NoError(t, err)
	_, err = tmp.Write([]byte(payload))
	require.NoError(t, err)
	replaced, err := tmp.Commit()
	require.NoError(t, err)
	return replaced
}

func TestTempPart_Commit(t *testing.T) {
	t.Parallel()

	// --- given ---
	_, d := setup(t)
	writePart(t, d, "p_1_1_0", "a=1\n")
	writePart(t, d, "p_2_2_0", "a=2\n")

	// --- when ---
	replaced := writePart(t, d, "p_1_2_1", "a=1\na=2\n")

	// --- then ---
	assert.Len(t, replaced, 2)
	assert.Equal(t, []string{"p_1_2_1"}, d.PartNames())
	assert.Equal(t, []string{"p_1_1_0", "p_2_2_0"}, d.OutdatedParts())

	part, err := d.Part("p_1_2_1")
	require.NoError(t, err)
	assert.Equal(t, catalog.Checksum([]byte("a=1\na=2\n")), part.Header.Checksum)
	assert.Equal(t, int64(2), part.Header.Rows)
	assert.NoError(t, d.VerifyChecksum("p_1_2_1"))

	// outdated parts stay readable until cleared
	data, err := d.ReadAll("p_1_1_0")
	require.NoError(t, err)
	assert.Equal(t, "a=1\n", string(data))
}

func TestTempPart_CommitCoveredFails(t *testing.T) {
	t.Parallel()

	// --- given ---
	_, d := setup(t)
	writePart(t, d, "p_1_2_1", "a=1\n")
	tmp, err := d.NewTempPart("p_1_1_0")
	require.NoError(t, err)

	// --- when ---
	_, err = tmp.Commit()

	// --- then ---
	var exists catalog.PartAlreadyExists
	assert.True(t, errors.As(err, &exists))
	tmp.Discard()
	assert.Equal(t, []string{"p_1_2_1"}, d.PartNames())
}

func TestNewDirectory_Reload(t *testing.T) {
	t.Parallel()

	// --- given ---
	root, d := setup(t)
	writePart(t, d, "p_1_1_0", "a=1\n")
	writePart(t, d, "p_1_2_1", "a=1\n")
	_, err := d.NewTempPart("p_3_3_0") // never committed
	require.NoError(t, err)
	broken := filepath.Join(root, "parts", "p_5_5_0")
	require.NoError(t, os.MkdirAll(broken, 0o755))

	// --- when ---
	reloaded, err := catalog.NewDirectory(root)

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, []string{"p_1_2_1"}, reloaded.PartNames())
	assert.Equal(t, []string{"p_1_1_0"}, reloaded.OutdatedParts())
	detached, err := reloaded.Detached()
	require.NoError(t, err)
	assert.Equal(t, []string{catalog.BrokenPrefix + "p_5_5_0"}, detached)
	entries, err := os.ReadDir(filepath.Join(root, "parts"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "tmp_")
	}
}

func TestCommitReplace(t *testing.T) {
	t.Parallel()

	// --- given ---
	_, d := setup(t)
	writePart(t, d, "p_1_1_0", "a=1\n")
	writePart(t, d, "p_2_2_0", "a=2\n")
	writePart(t, d, "q_1_1_0", "a=3\n")
	tmp, err := d.NewTempPart("p_5_5_0")
	require.NoError(t, err)
	_, err = tmp.Write([]byte("a=5\n"))
	require.NoError(t, err)

	// --- when ---
	removed, err := d.CommitReplace(models.DropRangeInfo("p", 4), []*catalog.TempPart{tmp})

	// --- then ---
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Equal(t, []string{"p_5_5_0", "q_1_1_0"}, d.PartNames())
}

func TestDetachAndClearOutdated(t *testing.T) {
	t.Parallel()

	// --- given ---
	_, d := setup(t)
	writePart(t, d, "p_1_1_0", "a=1\n")
	writePart(t, d, "p_2_2_0", "a=2\n")

	// --- when ---
	require.NoError(t, d.Detach("p_1_1_0", catalog.UnexpectedPrefix))
	require.NoError(t, d.Remove("p_2_2_0"))
	removed, err := d.ClearOutdated(0)

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, []string{"p_2_2_0"}, removed)
	assert.Empty(t, d.PartNames())
	detached, err := d.Detached()
	require.NoError(t, err)
	assert.Equal(t, []string{"unexpected_p_1_1_0"}, detached)
	data, header, err := d.ReadDetached("unexpected_p_1_1_0")
	require.NoError(t, err)
	assert.Equal(t, "a=1\n", string(data))
	assert.Equal(t, catalog.Checksum(data), header.Checksum)
}

func TestReplaceInPlace(t *testing.T) {
	t.Parallel()

	// --- given ---
	_, d := setup(t)
	writePart(t, d, "p_1_1_0", "a=1 b=2\n")
	tmp, err := d.NewTempPart("p_1_1_0")
	require.NoError(t, err)
	_, err = tmp.Write([]byte("a=1\n"))
	require.NoError(t, err)

	// --- when ---
	err = d.ReplaceInPlace(tmp)

	// --- then ---
	require.NoError(t, err)
	data, err := d.ReadAll("p_1_1_0")
	require.NoError(t, err)
	assert.Equal(t, "a=1\n", string(data))
	assert.NoError(t, d.VerifyChecksum("p_1_1_0"))
}

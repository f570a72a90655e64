package metrics_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/metrics"
)

type gaugeRecorder struct {
	mu    sync.Mutex
	value float64
	sets  int
}

func (g *gaugeRecorder) Set(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
	g.sets++
}

func (g *gaugeRecorder) get() (float64, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value, g.sets
}

func writePart(t *testing.T, root, name string, size int) {
	t.Helper()
	dir := filepath.Join(root, "parts", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), bytes.Repeat([]byte{1}, size), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checksums.txt"), []byte("x"), 0o600))
}

func TestStartDiskUsageMonitor(t *testing.T) {
	t.Parallel()

	// --- given ---
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "parts"), 0o755))
	g := &gaugeRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	// --- when ---
	go func() {
		metrics.StartDiskUsageMonitor(ctx, g, root, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { _, n := g.get(); return n >= 1 }, time.Second, 5*time.Millisecond)
	empty, _ := g.get()
	writePart(t, root, "202401_0_0_0", 64*1024)

	// --- then ---
	assert.Zero(t, empty)
	assert.Eventually(t, func() bool { v, _ := g.get(); return v >= 64*1024 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

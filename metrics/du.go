package metrics

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alpacahq/replicatedtree/utils/log"
)

// Setter is an interface for prometheus metrics to improve unit-testability.
type Setter interface {
	Set(m float64)
}

// StartDiskUsageMonitor retrieves the total disk usage of the provided directory at each provided time interval,
// and set it as a prometheus metric until ctx is done.
func StartDiskUsageMonitor(ctx context.Context, s Setter, rootDir string, interval time.Duration) {
	s.Set(float64(diskUsage(rootDir)))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Set(float64(diskUsage(rootDir)))
		}
	}
}

func diskUsage(path string) int64 {
	var totalSize int64
	err := filepath.Walk(path, func(filepath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			// Part payloads can be sparse after a truncate, so the allocated size may exceed actual disk usage.
			// Block counts from stat reflect what is really used.
			sys := info.Sys()
			if sys != nil {
				stat, ok := sys.(*syscall.Stat_t)
				if !ok {
					log.Error("failed to get Stat_t for the file %s", filepath)
					return nil
				}
				du := int64(stat.Blksize>>3) * stat.Blocks // >>3 = convert bits to bytes
				totalSize += du
			}
		}
		return err
	})
	if err != nil {
		log.Error("get the disk usage of the directory %s for monitoring: %v", path, err)
	}
	return totalSize
}

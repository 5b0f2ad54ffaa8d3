// Package reliability holds the safety nets around a release: the disk
// space preflight and the off-host archive of run logs.
package reliability

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// DiskChecker verifies free space on the volume holding a path
type DiskChecker struct {
	usage func(path string) (*disk.UsageStat, error)
	log   zerolog.Logger
}

// NewDiskChecker creates a checker backed by gopsutil
func NewDiskChecker(log zerolog.Logger) *DiskChecker {
	return &DiskChecker{usage: disk.Usage, log: log.With().Str("component", "disk").Logger()}
}

// EnsureFree fails when the volume holding path has less than minMB free
func (c *DiskChecker) EnsureFree(path string, minMB uint64) error {
	stat, err := c.usage(path)
	if err != nil {
		return fmt.Errorf("failed to read disk usage for %s: %w", path, err)
	}
	freeMB := stat.Free / 1024 / 1024
	c.log.Debug().
		Str("path", path).
		Uint64("free_mb", freeMB).
		Uint64("required_mb", minMB).
		Float64("used_percent", stat.UsedPercent).
		Msg("Disk space checked")
	if freeMB < minMB {
		return fmt.Errorf("insufficient disk space at %s: %d MB free, %d MB required", path, freeMB, minMB)
	}
	return nil
}

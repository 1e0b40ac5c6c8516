package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup results
type CleanupStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Cleanup removes journal files last modified before the retention
// period. The file being written is never old enough to match.
func Cleanup(dir string, config Config) (CleanupStats, error) {
	var stats CleanupStats
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	cutoff := cutoffTime(config.RetentionDays)

	for _, file := range listFiles(dir, config.FilePrefix) {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("remove %s: %w", file, err)
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
	}
	return stats, nil
}

// cutoffTime returns the time before which files are removed
func cutoffTime(retentionDays int) time.Time {
	if retentionDays <= 0 {
		retentionDays = DefaultConfig().RetentionDays
	}
	return time.Now().AddDate(0, 0, -retentionDays)
}

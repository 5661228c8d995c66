// Package config resolves the command-line root paths into an immutable
// Config value and carries the fixed detection thresholds. Iron Dome has no
// on-disk configuration file: the thresholds below are fixed constants, and
// the only user-supplied input is the list of root paths to monitor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Fixed thresholds. These are deliberately not configurable: the
// Configuration entity is immutable after construction and carries no
// user-tunable knobs beyond the monitored root paths.
const (
	// EntropyReadSize is the number of leading bytes of each file used to
	// score entropy.
	EntropyReadSize = 65536

	// HighEntropy is the absolute alarm level, in bits/byte.
	HighEntropy = 7.5

	// EntropyDelta is the relative alarm level for files with a prior
	// baseline reading, in bits/byte.
	EntropyDelta = 1.5

	// MemoryWarnMB is the resident-set-size threshold, in MB, above which
	// the Memory Self-Monitor logs an elevated-usage notice.
	MemoryWarnMB = 80
	// MemoryCriticalMB is the resident-set-size threshold, in MB, above
	// which the Memory Self-Monitor logs a critical record.
	MemoryCriticalMB = 100

	// DiskReadWarnMBs is the aggregate physical-disk read rate, in MB/s,
	// above which the Disk Read-Rate Monitor logs a warning.
	DiskReadWarnMBs = 100.0

	// MemorySamplePeriod is how often the Memory Self-Monitor samples RSS.
	MemorySamplePeriod = 5 * time.Second
	// DiskSamplePeriod is how often the Disk Read-Rate Monitor re-samples
	// the kernel's per-device sector counters.
	DiskSamplePeriod = 1 * time.Second
)

// DefaultRoot is the path monitored when no path argument is supplied.
const DefaultRoot = "/home"

// Config is the immutable configuration for one daemon run: the resolved set
// of root paths to monitor. The threshold constants above apply to every run
// and are not part of this struct, because they never vary.
type Config struct {
	// Roots is the list of absolute root paths to monitor, in the order
	// given on the command line, deduplicated.
	Roots []string
}

// Load resolves paths (typically os.Args[1:], or []string{DefaultRoot} when
// none were given) into an absolute, deduplicated Config. It does not check
// that the paths exist on disk; the Filesystem Watcher's construction step
// does that and logs a per-path error for any root that cannot be watched.
func Load(paths []string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{DefaultRoot}
	}

	seen := make(map[string]struct{}, len(paths))
	var roots []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return Config{}, fmt.Errorf("config: cannot resolve path %q: %w", p, err)
		}
		abs = filepath.Clean(abs)
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		roots = append(roots, abs)
	}

	return Config{Roots: roots}, nil
}

// CheckPrivileges verifies the daemon is running with the privileges it
// needs to open inotify watches and inspect other processes' open file
// descriptors: effective UID 0.
func CheckPrivileges() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("config: must run as root (effective uid 0)")
	}
	return nil
}

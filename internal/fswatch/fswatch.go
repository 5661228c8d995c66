// Package fswatch implements the Filesystem Watcher: it owns the monitored
// path set, the kernel watch-descriptor map, and the file entropy baseline,
// and emits Warnings when a file's content entropy rises in a way that
// correlates with ransomware-like behaviour.
package fswatch

import (
	"fmt"
	"time"
)

// Classification identifies why a Warning was emitted.
type Classification string

const (
	// ClassDeletedAfterWrite is emitted when a file cannot be reopened for
	// the read that follows a close-after-write event.
	ClassDeletedAfterWrite Classification = "deleted_after_write"
	// ClassEmptyAfterWrite is emitted when the post-write read succeeds but
	// returns zero bytes.
	ClassEmptyAfterWrite Classification = "empty_after_write"
	// ClassNewFileHighEntropy is emitted for a file seen for the first time
	// whose entropy is above the high-entropy threshold, with no correlated
	// random-device reader.
	ClassNewFileHighEntropy Classification = "new_file_high_entropy"
	// ClassHighEntropy is emitted for a previously-baselined file whose
	// entropy crossed the absolute or relative threshold, with no
	// correlated random-device reader.
	ClassHighEntropy Classification = "high_entropy"
	// ClassCryptographicActivity is emitted when either of the above two
	// entropy conditions coincides with a process that newly opened
	// /dev/urandom.
	ClassCryptographicActivity Classification = "cryptographic_activity"
)

// Critical reports whether this classification correlates high or rising
// entropy with an active /dev/urandom reader — the one finding class an
// operator must never mistake for routine noise.
func (c Classification) Critical() bool {
	return c == ClassCryptographicActivity
}

// Warning is a single entropy-anomaly finding, ready to be logged and
// journaled.
type Warning struct {
	Path           string
	Classification Classification
	Entropy        float64
	HasPrevEntropy bool
	PrevEntropy    float64
	Delta          float64
	SuspiciousPIDs []int32
	Time           time.Time
}

// Message renders the warning the way an operator greps an incident for,
// matching the upstream daemon's log wording.
func (w Warning) Message() string {
	switch w.Classification {
	case ClassDeletedAfterWrite:
		return fmt.Sprintf("File deleted after write: %s", w.Path)
	case ClassEmptyAfterWrite:
		return fmt.Sprintf("File empty after write: %s", w.Path)
	case ClassNewFileHighEntropy:
		return fmt.Sprintf("New file high entropy detected: %s (entropy: %.2f)", w.Path, w.Entropy)
	case ClassHighEntropy:
		return fmt.Sprintf("High entropy detected: %s (%.2f -> %.2f, delta: %.2f)",
			w.Path, w.PrevEntropy, w.Entropy, w.Delta)
	case ClassCryptographicActivity:
		if w.HasPrevEntropy {
			return fmt.Sprintf("Cryptographic activity detected: %s (%.2f -> %.2f, delta: %.2f, suspicious PIDs: %v)",
				w.Path, w.PrevEntropy, w.Entropy, w.Delta, w.SuspiciousPIDs)
		}
		return fmt.Sprintf("Cryptographic activity detected: %s (entropy: %.2f, suspicious PIDs %v)",
			w.Path, w.Entropy, w.SuspiciousPIDs)
	default:
		return fmt.Sprintf("unclassified warning: %s", w.Path)
	}
}

// RandReaderProbe produces the set of process IDs that currently have
// /dev/urandom open. Implementations must be best-effort and side-effect
// free: a missed short-lived reader is acceptable, a present reader of
// interest is expected to remain open long enough to be observed.
type RandReaderProbe interface {
	Snapshot() (map[int32]struct{}, error)
}

// diffReaders returns the PIDs present in current but not in baseline, as a
// sorted slice so that warning messages are deterministic.
func diffReaders(current, baseline map[int32]struct{}) []int32 {
	var out []int32
	for pid := range current {
		if _, ok := baseline[pid]; !ok {
			out = append(out, pid)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

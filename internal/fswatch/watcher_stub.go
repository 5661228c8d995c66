// This file provides a stub Watcher for non-Linux platforms. On Linux the
// real implementation in watcher_linux.go is compiled instead.
//
//go:build !linux

package fswatch

import (
	"fmt"
	"log/slog"
)

// Watcher is the platform stub for non-Linux operating systems: inotify is
// a Linux-only kernel facility and this daemon does not support any other
// kernel.
type Watcher struct{}

// New always returns an error on non-Linux platforms.
func New(_ []string, _ RandReaderProbe, _ *slog.Logger) (*Watcher, error) {
	return nil, fmt.Errorf("fswatch: not supported on this platform")
}

// Start is a no-op on non-Linux platforms.
func (w *Watcher) Start() {}

// Stop is a no-op on non-Linux platforms.
func (w *Watcher) Stop() {}

// Warnings returns nil; Watcher is not supported on this platform.
func (w *Watcher) Warnings() <-chan Warning { return nil }

// Ready returns nil; Watcher is not supported on this platform.
func (w *Watcher) Ready() <-chan struct{} { return nil }

// Baseline returns nil; Watcher is not supported on this platform.
func (w *Watcher) Baseline() map[string]float64 { return nil }

// MonitoredPaths returns nil; Watcher is not supported on this platform.
func (w *Watcher) MonitoredPaths() []string { return nil }

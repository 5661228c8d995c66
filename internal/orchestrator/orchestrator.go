// Package orchestrator wires the Filesystem Watcher, the Memory
// Self-Monitor, and the Disk Read-Rate Monitor into one supervised run.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/irondome/sentinel/internal/fswatch"
	"github.com/irondome/sentinel/internal/logx"
)

// FSWatcher is the subset of *fswatch.Watcher the Orchestrator depends on.
type FSWatcher interface {
	Start()
	Stop()
	Warnings() <-chan fswatch.Warning
}

// ResourceLoop is the subset of *monitor.MemoryMonitor / *monitor.DiskMonitor
// the Orchestrator depends on.
type ResourceLoop interface {
	Run(ctx context.Context) error
}

// JournalRecorder is the subset of *journal.Journal the Orchestrator depends
// on.
type JournalRecorder interface {
	Record(w fswatch.Warning) error
}

// Orchestrator fans every Warning the Filesystem Watcher emits out to the
// structured logger and the Detection Journal, while the Memory
// Self-Monitor and Disk Read-Rate Monitor run alongside it on their own
// loops.
type Orchestrator struct {
	watcher FSWatcher
	memory  ResourceLoop
	disk    ResourceLoop
	journal JournalRecorder
	logger  *slog.Logger
}

// New constructs an Orchestrator. journal may be nil, in which case
// Warnings are logged but not durably recorded.
func New(watcher FSWatcher, memory, disk ResourceLoop, journal JournalRecorder, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		watcher: watcher,
		memory:  memory,
		disk:    disk,
		journal: journal,
		logger:  logger,
	}
}

// Run starts the Filesystem Watcher's event loop, then runs the two
// resource-monitor loops and a warning-consuming loop as three concurrent
// workers, using errgroup for first-error propagation and coordinated
// shutdown. It blocks until ctx is cancelled or one of those workers returns
// an error, stops the watcher, and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator: starting")

	o.watcher.Start()
	defer o.watcher.Stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return o.memory.Run(gctx) })
	group.Go(func() error { return o.disk.Run(gctx) })
	group.Go(func() error { return o.consumeWarnings(gctx) })

	if err := group.Wait(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	o.logger.Info("orchestrator: stopped")
	return nil
}

// consumeWarnings reads from the Filesystem Watcher's Warnings channel until
// it closes or ctx is cancelled, logging and journaling each Warning.
func (o *Orchestrator) consumeWarnings(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w, ok := <-o.watcher.Warnings():
			if !ok {
				return nil
			}
			o.handleWarning(w)
		}
	}
}

// handleWarning logs w at CRITICAL when it correlates entropy with a
// /dev/urandom reader, at WARN otherwise, and records it in the Detection
// Journal when one is configured.
func (o *Orchestrator) handleWarning(w fswatch.Warning) {
	attrs := []any{slog.String("path", w.Path), slog.String("classification", string(w.Classification))}

	if w.Classification.Critical() {
		logx.Critical(context.Background(), o.logger, w.Message(), attrs...)
	} else {
		o.logger.Warn(w.Message(), attrs...)
	}

	if o.journal == nil {
		return
	}
	if err := o.journal.Record(w); err != nil {
		o.logger.Error("orchestrator: failed to journal warning", slog.Any("error", err))
	}
}

package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/irondome/sentinel/internal/fswatch"
	"github.com/irondome/sentinel/internal/orchestrator"
)

type fakeWatcher struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	warnings chan fswatch.Warning
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{warnings: make(chan fswatch.Warning, 8)}
}

func (w *fakeWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
}

func (w *fakeWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.warnings)
}

func (w *fakeWatcher) Warnings() <-chan fswatch.Warning { return w.warnings }

type blockingLoop struct {
	err error
}

func (l *blockingLoop) Run(ctx context.Context) error {
	if l.err != nil {
		return l.err
	}
	<-ctx.Done()
	return nil
}

type fakeJournal struct {
	mu      sync.Mutex
	records []fswatch.Warning
}

func (j *fakeJournal) Record(w fswatch.Warning) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, w)
	return nil
}

func (j *fakeJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_StartsAndStopsWatcherOnContextCancel(t *testing.T) {
	watcher := newFakeWatcher()
	journal := &fakeJournal{}
	o := orchestrator.New(watcher, &blockingLoop{}, &blockingLoop{}, journal, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		watcher.mu.Lock()
		started := watcher.started
		watcher.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher was never started")
		default:
		}
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	watcher.mu.Lock()
	stopped := watcher.stopped
	watcher.mu.Unlock()
	if !stopped {
		t.Fatal("watcher was never stopped")
	}
}

func TestRun_PropagatesResourceLoopError(t *testing.T) {
	watcher := newFakeWatcher()
	journal := &fakeJournal{}
	boom := errors.New("disk monitor exploded")
	o := orchestrator.New(watcher, &blockingLoop{}, &blockingLoop{err: boom}, journal, testLogger())

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run with a failing resource loop, want an error")
	}
}

func TestRun_JournalsEveryWarning(t *testing.T) {
	watcher := newFakeWatcher()
	journal := &fakeJournal{}
	o := orchestrator.New(watcher, &blockingLoop{}, &blockingLoop{}, journal, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	watcher.warnings <- fswatch.Warning{Path: "/home/alice/a.bin", Classification: fswatch.ClassHighEntropy}
	watcher.warnings <- fswatch.Warning{Path: "/home/alice/b.bin", Classification: fswatch.ClassCryptographicActivity}

	deadline := time.After(2 * time.Second)
	for journal.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d/2 warnings journaled", journal.count())
		default:
		}
	}

	cancel()
	<-done
}

package monitor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irondome/sentinel/internal/monitor"
)

type stubRSSSampler struct {
	mb    int32
	calls int32
}

func (s *stubRSSSampler) SampleRSSMB() (int, error) {
	atomic.AddInt32(&s.calls, 1)
	return int(atomic.LoadInt32(&s.mb)), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryMonitor_SamplesImmediatelyAndOnEachTick(t *testing.T) {
	sampler := &stubRSSSampler{mb: 101}
	m := monitor.NewMemoryMonitor(sampler, testLogger(), 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if atomic.LoadInt32(&sampler.calls) < 2 {
		t.Fatalf("calls = %d, want at least 2", sampler.calls)
	}
}

type erroringSampler struct{}

func (erroringSampler) SampleRSSMB() (int, error) {
	return 0, errors.New("boom")
}

func TestMemoryMonitor_SurvivesSampleError(t *testing.T) {
	m := monitor.NewMemoryMonitor(erroringSampler{}, testLogger(), 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

type stubSectorCounter struct {
	samples []uint64
	i       int
}

func (s *stubSectorCounter) SectorsRead() (uint64, error) {
	if s.i >= len(s.samples) {
		return s.samples[len(s.samples)-1], nil
	}
	v := s.samples[s.i]
	s.i++
	return v, nil
}

func TestDiskMonitor_WarnsAboveThreshold(t *testing.T) {
	// 1,000,000 sectors * 512 bytes ≈ 488 MB in a single 5ms tick is far
	// above the 100 MB/s threshold.
	counter := &stubSectorCounter{samples: []uint64{0, 1_000_000}}
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	d := monitor.NewDiskMonitor(counter, logger, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !buf.contains("High disk read activity") {
		t.Fatalf("log output = %q, want a high disk read activity warning", buf.String())
	}
}

func TestDiskMonitor_InitialSampleErrorIsFatal(t *testing.T) {
	d := monitor.NewDiskMonitor(erroringCounter{}, testLogger(), time.Second)
	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run with a failing initial sample, want an error")
	}
}

type erroringCounter struct{}

func (erroringCounter) SectorsRead() (uint64, error) { return 0, errors.New("boom") }

// syncBuffer is an unsynchronized io.Writer, good enough for a single
// logger in a single-goroutine test.
type syncBuffer struct {
	data []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string { return string(b.data) }

func (b *syncBuffer) contains(s string) bool {
	return strings.Contains(b.String(), s)
}

// Package monitor implements the Memory Self-Monitor and Disk Read-Rate
// Monitor: two independent periodic loops that watch the daemon's own
// resource consumption and the host's physical disk read rate for signs of
// ransomware-like bulk I/O, logging at an escalating severity. Neither loop
// terminates the process; escalation from there is left to the operator and
// the log aggregator, per the Memory Self-Monitor's stated design.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/irondome/sentinel/internal/config"
	"github.com/irondome/sentinel/internal/logx"
)

// RSSSampler reports the daemon's own resident-set size, in megabytes.
type RSSSampler interface {
	SampleRSSMB() (int, error)
}

// SectorCounter reports the cumulative count of sectors read across every
// whole physical disk (major:minor with minor == 0) since boot.
type SectorCounter interface {
	SectorsRead() (uint64, error)
}

// GopsutilRSSSampler implements RSSSampler using gopsutil, which on Linux
// resolves to reading the daemon's own /proc/self/status VmRSS line — the
// exact mechanism the Memory Self-Monitor is specified against — without
// hand-rolling that parse.
type GopsutilRSSSampler struct {
	pid int32
}

// NewGopsutilRSSSampler returns an RSSSampler that reports the current
// process's own memory usage.
func NewGopsutilRSSSampler() *GopsutilRSSSampler {
	return &GopsutilRSSSampler{pid: int32(os.Getpid())}
}

// SampleRSSMB returns the current process's resident-set size in whole
// megabytes.
func (s *GopsutilRSSSampler) SampleRSSMB() (int, error) {
	proc, err := process.NewProcess(s.pid)
	if err != nil {
		return 0, fmt.Errorf("memory monitor: %w", err)
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("memory monitor: %w", err)
	}
	return int(info.RSS / (1024 * 1024)), nil
}

// MemoryMonitor samples an RSSSampler every period and logs at a severity
// that escalates with usage: routine below MemoryWarnMB, an informational
// "high" notice above it, and a CRITICAL record above MemoryCriticalMB.
type MemoryMonitor struct {
	sampler RSSSampler
	logger  *slog.Logger
	period  time.Duration
}

// NewMemoryMonitor constructs a MemoryMonitor. period overrides
// config.MemorySamplePeriod when positive; tests use this to avoid waiting
// out the real five-second interval.
func NewMemoryMonitor(sampler RSSSampler, logger *slog.Logger, period time.Duration) *MemoryMonitor {
	if period <= 0 {
		period = config.MemorySamplePeriod
	}
	return &MemoryMonitor{sampler: sampler, logger: logger, period: period}
}

// Run samples and logs RSS immediately, then again every period, until ctx
// is cancelled.
func (m *MemoryMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		m.sampleOnce()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *MemoryMonitor) sampleOnce() {
	mb, err := m.sampler.SampleRSSMB()
	if err != nil {
		m.logger.Warn("memory monitor: RSS sample failed", slog.Any("error", err))
		return
	}

	attrs := []any{slog.Int("rss_mb", mb), slog.String("rss_human", humanize.Bytes(uint64(mb)*1024*1024))}

	switch {
	case mb > config.MemoryCriticalMB:
		logx.Critical(context.Background(), m.logger,
			fmt.Sprintf("Memory limit exceeded: %d MB / %d MB", mb, config.MemoryCriticalMB), attrs...)
	case mb > config.MemoryWarnMB:
		m.logger.Info(fmt.Sprintf("Memory usage high: %d MB / %d MB", mb, config.MemoryCriticalMB), attrs...)
	default:
		m.logger.Info(fmt.Sprintf("Memory usage: %d MB / %d MB", mb, config.MemoryCriticalMB), attrs...)
	}
}

// DiskMonitor samples a SectorCounter every period, computes the aggregate
// physical-disk read rate since the previous sample, and logs a warning
// when it exceeds DiskReadWarnMBs. Counter wrap is not expected on 64-bit
// kernels and is not handled.
type DiskMonitor struct {
	counter SectorCounter
	logger  *slog.Logger
	period  time.Duration
}

// NewDiskMonitor constructs a DiskMonitor. period overrides
// config.DiskSamplePeriod when positive.
func NewDiskMonitor(counter SectorCounter, logger *slog.Logger, period time.Duration) *DiskMonitor {
	if period <= 0 {
		period = config.DiskSamplePeriod
	}
	return &DiskMonitor{counter: counter, logger: logger, period: period}
}

// Run takes an initial sample, then loops until ctx is cancelled, sampling
// again every period and logging a warning whenever the computed read rate
// exceeds the threshold.
func (d *DiskMonitor) Run(ctx context.Context) error {
	prevSectors, err := d.counter.SectorsRead()
	if err != nil {
		return fmt.Errorf("disk monitor: initial sample: %w", err)
	}
	prevTime := time.Now()

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sectors, sampleErr := d.counter.SectorsRead()
			if sampleErr != nil {
				d.logger.Warn("disk monitor: sample failed", slog.Any("error", sampleErr))
				continue
			}

			timeDelta := now.Sub(prevTime).Seconds()
			if timeDelta > 0 {
				sectorsDelta := sectors - prevSectors
				bytesRead := float64(sectorsDelta) * 512
				rate := (bytesRead / (1024 * 1024)) / timeDelta
				if rate > config.DiskReadWarnMBs {
					d.logger.Warn(fmt.Sprintf("High disk read activity: %.2f MB/s", rate),
						slog.String("read_human", humanize.Bytes(uint64(bytesRead/timeDelta))+"/s"))
				}
			}

			prevSectors = sectors
			prevTime = now
		}
	}
}

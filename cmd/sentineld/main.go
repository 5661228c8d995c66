// Command sentineld is the Iron Dome daemon binary. It validates the
// runtime environment, resolves the monitored root paths from the command
// line, wires the Filesystem Watcher, Memory Self-Monitor, Disk Read-Rate
// Monitor, and Detection Journal together through the orchestrator, and
// runs until SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/irondome/sentinel/internal/config"
	"github.com/irondome/sentinel/internal/fswatch"
	"github.com/irondome/sentinel/internal/journal"
	"github.com/irondome/sentinel/internal/logx"
	"github.com/irondome/sentinel/internal/monitor"
	"github.com/irondome/sentinel/internal/orchestrator"
)

func main() {
	stateDir := flag.String("state-dir", "/var/lib/irondome", "directory for the Detection Journal's database and hash-chain files")
	logLevel := flag.String("log-level", "info", "minimum log severity: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if runtime.GOOS != "linux" {
		fmt.Fprintln(os.Stderr, "sentineld: this daemon is only compatible with Linux systems")
		os.Exit(1)
	}
	if err := config.CheckPrivileges(); err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flag.Args())
	if err != nil {
		logger.Error("failed to resolve monitored paths", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("iron dome daemon initialized",
		slog.Int("pid", os.Getpid()),
		slog.Any("roots", cfg.Roots),
		slog.Int("memory_critical_mb", config.MemoryCriticalMB),
	)

	if err := os.MkdirAll(*stateDir, 0o750); err != nil {
		logger.Error("failed to create state directory", slog.String("path", *stateDir), slog.Any("error", err))
		os.Exit(1)
	}

	orch, j, err := build(cfg, *stateDir, logger)
	if err != nil {
		logger.Error("failed to initialize daemon", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Warn("error closing detection journal", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := orch.Run(ctx); err != nil {
		logger.Error("orchestrator exited with error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("iron dome daemon exited cleanly")
}

// build constructs the Filesystem Watcher, resource monitors, and Detection
// Journal, and wires them into an *orchestrator.Orchestrator.
func build(cfg config.Config, stateDir string, logger *slog.Logger) (*orchestrator.Orchestrator, *journal.Journal, error) {
	probe := fswatch.NewGopsutilRandReaderProbe()
	watcher, err := fswatch.New(cfg.Roots, probe, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("no valid path to monitor: %w", err)
	}

	memMon := monitor.NewMemoryMonitor(monitor.NewGopsutilRSSSampler(), logger, config.MemorySamplePeriod)
	diskMon := monitor.NewDiskMonitor(monitor.NewProcDiskStatsCounter(), logger, config.DiskSamplePeriod)

	j, err := journal.Open(
		filepath.Join(stateDir, "detections.db"),
		filepath.Join(stateDir, "detections.chain"),
	)
	if err != nil {
		watcher.Stop()
		return nil, nil, fmt.Errorf("opening detection journal: %w", err)
	}

	orch := orchestrator.New(watcher, memMon, diskMon, j, logger)
	return orch, j, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level, rendering
// logx.LevelCritical as "CRITICAL" instead of slog's default "ERROR+4".
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       l,
		ReplaceAttr: logx.ReplaceAttr,
	}))
}

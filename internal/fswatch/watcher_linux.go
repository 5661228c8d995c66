//go:build linux

package fswatch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/irondome/sentinel/internal/config"
	"github.com/irondome/sentinel/internal/entropy"
)

// Linux inotify event flag constants (kernel ABI — never change). These
// match the values in <sys/inotify.h>.
const (
	inCreate    uint32 = 0x100      // IN_CREATE: file/dir created in watched dir
	inClosew    uint32 = 0x8        // IN_CLOSE_WRITE: writable file closed
	inIsDir     uint32 = 0x40000000 // IN_ISDIR: subject of event is a directory
	inQOverflow uint32 = 0x4000     // IN_Q_OVERFLOW: event queue overflowed
)

// inotifyCloexec is the close-on-exec flag for InotifyInit1.
const inotifyCloexec = 0x80000 // IN_CLOEXEC

// watchMask is the inotify event mask applied to every registered directory:
// new entries, and writable files being closed. IN_ISDIR is included so the
// kernel tags directory events, matching the upstream watcher's flag set.
const watchMask uint32 = inCreate | inClosew | inIsDir

// inotifyEventSize is the fixed size of the inotify_event header (excl. name).
var inotifyEventSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

// Watcher owns the Monitored Path Set, the watch-descriptor map, and the
// File Entropy Baseline. It registers kernel inotify watches on every
// directory under its configured roots, grows that watch set as new
// directories appear, and emits a Warning whenever a file's content entropy
// rises in a way that correlates with ransomware-like behaviour.
//
// Mutating state (the watch-descriptor map, the monitored-path set, and the
// entropy baseline) is touched only from the event-loop goroutine started by
// Start; a mutex guards it purely so the read-only inspection methods
// (Baseline, MonitoredPaths) can be called safely from another goroutine.
type Watcher struct {
	probe  RandReaderProbe
	logger *slog.Logger

	inotifyFd int
	pipeR     int
	pipeW     int

	mu        sync.Mutex
	monitored map[string]struct{}
	wdToPath  map[int]string
	baseline  map[string]float64

	baselineReaders map[int32]struct{}

	warnings chan Warning
	ready    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Watcher for the given root paths. It snapshots the Baseline
// Random Readers once, then walks each root (substituting a file's parent
// directory when the root is a regular file), registering a kernel watch on
// every directory it finds and seeding the entropy baseline for every
// regular file. A root that does not exist is logged and skipped. If no
// directory ends up in the Monitored Path Set, New returns an error — the
// caller is expected to treat this as fatal.
func New(roots []string, probe RandReaderProbe, logger *slog.Logger) (*Watcher, error) {
	ifd, err := syscall.InotifyInit1(inotifyCloexec)
	if err != nil {
		return nil, fmt.Errorf("fswatch: InotifyInit1: %w", err)
	}

	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); err != nil {
		syscall.Close(ifd)
		return nil, fmt.Errorf("fswatch: pipe2: %w", err)
	}

	baselineReaders, err := probe.Snapshot()
	if err != nil {
		logger.Warn("fswatch: baseline random-reader snapshot failed; continuing with an empty baseline",
			slog.Any("error", err))
		baselineReaders = map[int32]struct{}{}
	}

	w := &Watcher{
		probe:           probe,
		logger:          logger,
		inotifyFd:       ifd,
		pipeR:           pipeFds[0],
		pipeW:           pipeFds[1],
		monitored:       make(map[string]struct{}),
		wdToPath:        make(map[int]string),
		baseline:        make(map[string]float64),
		baselineReaders: baselineReaders,
		warnings:        make(chan Warning, 64),
		ready:           make(chan struct{}),
	}

	for _, root := range roots {
		info, statErr := os.Stat(root)
		if statErr != nil {
			logger.Error("fswatch: root not found, skipping", slog.String("path", root), slog.Any("error", statErr))
			continue
		}
		dirPath := root
		if !info.IsDir() {
			dirPath = filepath.Dir(root)
		}
		if walkErr := w.registerTree(dirPath); walkErr != nil {
			logger.Error("fswatch: failed to walk root", slog.String("path", dirPath), slog.Any("error", walkErr))
		}
	}

	if len(w.monitored) == 0 {
		syscall.Close(w.pipeW)
		syscall.Close(w.pipeR)
		syscall.Close(w.inotifyFd)
		return nil, fmt.Errorf("fswatch: no valid path to monitor")
	}

	return w, nil
}

// registerTree walks root and, for every directory it finds that is not
// already monitored, registers a kernel watch; for every regular file it
// finds whose path is not already in the entropy baseline, seeds the
// baseline with its current entropy. Errors encountered walking individual
// entries are logged and otherwise ignored so one bad entry does not abort
// the rest of the tree.
func (w *Watcher) registerTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("fswatch: error walking path", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		if d.IsDir() {
			w.registerDirectory(path)
			return nil
		}
		w.seedFileEntropy(path)
		return nil
	})
}

// registerDirectory adds path to the Monitored Path Set and registers a
// kernel inotify watch on it, unless it is already monitored.
func (w *Watcher) registerDirectory(path string) {
	w.mu.Lock()
	if _, ok := w.monitored[path]; ok {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	wd, err := syscall.InotifyAddWatch(w.inotifyFd, path, watchMask)
	if err != nil {
		w.logger.Warn("fswatch: InotifyAddWatch failed", slog.String("path", path), slog.Any("error", err))
		return
	}

	w.mu.Lock()
	w.monitored[path] = struct{}{}
	w.wdToPath[wd] = path
	w.mu.Unlock()

	w.logger.Info("fswatch: watching directory", slog.String("path", path))
}

// seedFileEntropy records path's current Shannon entropy in the baseline, if
// it is not already present. A file a known path becomes known only after
// its first successful read, not at discovery time, so an unreadable file is
// silently skipped and will be retried on its next close-after-write event.
func (w *Watcher) seedFileEntropy(path string) {
	w.mu.Lock()
	_, known := w.baseline[path]
	w.mu.Unlock()
	if known {
		return
	}

	data, err := readPrefix(path, config.EntropyReadSize)
	if err != nil || len(data) == 0 {
		return
	}

	e := entropy.Shannon(data)
	w.mu.Lock()
	w.baseline[path] = e
	w.mu.Unlock()
}

// readPrefix opens path and reads up to n leading bytes, returning whatever
// was read with no error when the file is shorter than n or empty; only a
// genuine open/read failure is returned as an error.
func readPrefix(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

// Start begins the event-loop goroutine. It returns immediately; Ready is
// closed once the constructor's initial watches are already in place, so
// callers only need Ready to know when it is safe to trigger filesystem
// activity in tests.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the event loop to exit and blocks until it has. Warnings is
// closed after Stop returns. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		syscall.Write(w.pipeW, []byte{0}) //nolint:errcheck
		w.wg.Wait()
		syscall.Close(w.pipeW)
		syscall.Close(w.pipeR)
		syscall.Close(w.inotifyFd)
		close(w.warnings)
	})
}

// Warnings returns the channel on which entropy-anomaly Warnings are
// delivered. It is closed once Stop returns.
func (w *Watcher) Warnings() <-chan Warning {
	return w.warnings
}

// Ready returns a channel that is closed as soon as the event loop has
// started reading from the kernel, eliminating a race between Start and the
// first filesystem operation in a test.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Baseline returns a snapshot copy of the current file entropy baseline.
func (w *Watcher) Baseline() map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]float64, len(w.baseline))
	for k, v := range w.baseline {
		out[k] = v
	}
	return out
}

// MonitoredPaths returns a snapshot of the Monitored Path Set.
func (w *Watcher) MonitoredPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.monitored))
	for p := range w.monitored {
		out = append(out, p)
	}
	return out
}

// run reads inotify events via poll(2) until Stop closes the self-pipe.
func (w *Watcher) run() {
	defer w.wg.Done()
	close(w.ready)

	const bufSize = 4096 * (16 + 256)
	buf := make([]byte, bufSize)

	pollFds := []syscall.PollFd{
		{Fd: int32(w.inotifyFd), Events: syscall.POLLIN},
		{Fd: int32(w.pipeR), Events: syscall.POLLIN},
	}

	for {
		_, err := syscall.Poll(pollFds, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			w.logger.Warn("fswatch: poll error", slog.Any("error", err))
			return
		}

		if pollFds[1].Revents&syscall.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&syscall.POLLIN == 0 {
			continue
		}

		n, err := syscall.Read(w.inotifyFd, buf)
		if err != nil {
			w.logger.Warn("fswatch: read error", slog.Any("error", err))
			return
		}

		w.parseAndDispatch(buf[:n])
	}
}

// parseAndDispatch walks a raw inotify event buffer and handles each event
// in turn. The on-disk layout of inotify_event is a fixed 16-byte header
// followed by a NUL-padded name field whose length the header specifies.
func (w *Watcher) parseAndDispatch(buf []byte) {
	evSize := inotifyEventSize
	for offset := 0; offset+evSize <= len(buf); {
		ev := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += evSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break
			}
			nameBytes := buf[offset : offset+int(ev.Len)]
			name = strings.TrimRight(string(nameBytes), "\x00")
			offset += int(ev.Len)
		}

		w.handleEvent(int(ev.Wd), ev.Mask, name)
	}
}

// handleEvent implements the Filesystem Watcher's event-loop procedure: a
// directory-create event grows the watch set, a close-after-write event
// triggers entropy anomaly detection, and everything else is ignored.
func (w *Watcher) handleEvent(wd int, mask uint32, name string) {
	if mask&inQOverflow != 0 {
		w.logger.Warn("fswatch: kernel event queue overflowed; some events may be lost")
		return
	}

	w.mu.Lock()
	dir, ok := w.wdToPath[wd]
	w.mu.Unlock()
	if !ok {
		return
	}

	path := dir
	if name != "" {
		path = filepath.Join(dir, name)
	}

	switch {
	case mask&inCreate != 0 && mask&inIsDir != 0:
		if err := w.registerTree(path); err != nil {
			w.logger.Warn("fswatch: failed to register new subtree", slog.String("path", path), slog.Any("error", err))
		}
	case mask&inClosew != 0:
		w.detectEntropyAnomaly(path)
	}
}

// detectEntropyAnomaly implements the Entropy anomaly detection procedure
// for absolute path f.
func (w *Watcher) detectEntropyAnomaly(f string) {
	data, err := readPrefix(f, config.EntropyReadSize)
	if err != nil {
		w.emit(Warning{Path: f, Classification: ClassDeletedAfterWrite, Time: time.Now().UTC()})
		return
	}
	if len(data) == 0 {
		w.emit(Warning{Path: f, Classification: ClassEmptyAfterWrite, Time: time.Now().UTC()})
		return
	}

	current := entropy.Shannon(data)

	readers, err := w.probe.Snapshot()
	if err != nil {
		w.logger.Warn("fswatch: random-reader probe failed", slog.Any("error", err))
		readers = map[int32]struct{}{}
	}
	suspicious := diffReaders(readers, w.baselineReaders)

	w.mu.Lock()
	prev, known := w.baseline[f]
	w.mu.Unlock()

	if !known {
		if current > config.HighEntropy {
			w.emitClassified(f, current, false, 0, 0, suspicious)
		}
	} else {
		delta := current - prev
		if current > config.HighEntropy || delta > config.EntropyDelta {
			w.emitClassified(f, current, true, prev, delta, suspicious)
		}
	}

	w.mu.Lock()
	w.baseline[f] = current
	w.mu.Unlock()
}

// emitClassified builds and emits the Warning for a file whose entropy
// crossed a threshold, choosing between the cryptographic-activity variant
// and the plain high-entropy variant based on whether any process newly
// opened /dev/urandom.
func (w *Watcher) emitClassified(path string, current float64, hasPrev bool, prev, delta float64, suspicious []int32) {
	class := ClassNewFileHighEntropy
	if hasPrev {
		class = ClassHighEntropy
	}
	if len(suspicious) > 0 {
		class = ClassCryptographicActivity
	}

	w.emit(Warning{
		Path:           path,
		Classification: class,
		Entropy:        current,
		HasPrevEntropy: hasPrev,
		PrevEntropy:    prev,
		Delta:          delta,
		SuspiciousPIDs: suspicious,
		Time:           time.Now().UTC(),
	})
}

func (w *Watcher) emit(warn Warning) {
	select {
	case w.warnings <- warn:
	default:
		w.logger.Error("fswatch: warning channel full, dropping warning", slog.String("path", warn.Path))
	}
}

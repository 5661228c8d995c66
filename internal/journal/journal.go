// Package journal implements the Detection Journal: a local, durable record
// of every Warning the Filesystem Watcher emits. It is additive to the core
// detection pipeline — the live entropy baseline it informs is never
// persisted — and gives an operator two complementary views of the same
// history: a queryable WAL-mode SQLite table, and a SHA-256 hash-chained,
// append-only JSON-lines trail that reveals whether the daemon's own
// warning history has been tampered with after the fact. Ransomware actors
// routinely wipe or truncate logs during an attack; the hash chain makes
// that tampering detectable even when the SQLite file itself is deleted.
package journal

import (
	"bufio"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/irondome/sentinel/internal/fswatch"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the very first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is the durable representation of one Warning.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"ts"`
	Path           string    `json:"path"`
	Classification string    `json:"classification"`
	Entropy        float64   `json:"entropy"`
	HasPrevEntropy bool      `json:"has_prev_entropy"`
	PrevEntropy    float64   `json:"prev_entropy,omitempty"`
	Delta          float64   `json:"delta,omitempty"`
	SuspiciousPIDs []int32   `json:"suspicious_pids,omitempty"`
}

// recordFromWarning converts a fswatch.Warning into a Record with a fresh
// UUID.
func recordFromWarning(w fswatch.Warning) Record {
	return Record{
		ID:             uuid.NewString(),
		Timestamp:      w.Time,
		Path:           w.Path,
		Classification: string(w.Classification),
		Entropy:        w.Entropy,
		HasPrevEntropy: w.HasPrevEntropy,
		PrevEntropy:    w.PrevEntropy,
		Delta:          w.Delta,
		SuspiciousPIDs: w.SuspiciousPIDs,
	}
}

// chainEntry is the wire format for one hash-chain line.
type chainEntry struct {
	Seq       int64           `json:"seq"`
	Record    json.RawMessage `json:"record"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// chainContent is the subset of chainEntry fields hashed to produce
// EventHash; it deliberately excludes EventHash itself.
type chainContent struct {
	Seq      int64           `json:"seq"`
	Record   json.RawMessage `json:"record"`
	PrevHash string          `json:"prev_hash"`
}

// ddl is the SQLite schema for the structured detection store.
const ddl = `
CREATE TABLE IF NOT EXISTS detections (
    id              TEXT    PRIMARY KEY,
    ts              TEXT    NOT NULL,
    path            TEXT    NOT NULL,
    classification  TEXT    NOT NULL,
    entropy         REAL    NOT NULL,
    has_prev_entropy INTEGER NOT NULL,
    prev_entropy    REAL    NOT NULL DEFAULT 0,
    delta           REAL    NOT NULL DEFAULT 0,
    suspicious_pids TEXT    NOT NULL DEFAULT '[]',
    recorded_at     TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_detections_path ON detections (path);
CREATE INDEX IF NOT EXISTS idx_detections_classification ON detections (classification);
`

// Journal is the Detection Journal: a WAL-mode SQLite store paired with a
// hash-chained append-only trail. It is safe for concurrent use.
type Journal struct {
	db *sql.DB

	chainMu   sync.Mutex
	chainFile *os.File
	prevHash  string
	seq       int64
}

// Open opens (or creates) the SQLite database at dbPath and the hash-chain
// file at chainPath. If chainPath already contains entries, Open replays
// them to restore the chain's sequence number and prev_hash, and fails if
// the existing chain does not verify.
func Open(dbPath, chainPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", dbPath, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// avoids "database is locked" errors from concurrent callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	prevHash, seq, err := replayChain(chainPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	chainFile, err := os.OpenFile(chainPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: open chain %q for appending: %w", chainPath, err)
	}

	return &Journal{
		db:        db,
		chainFile: chainFile,
		prevHash:  prevHash,
		seq:       seq,
	}, nil
}

// replayChain reads an existing chain file (if any) to restore its current
// sequence number and prev_hash, verifying every link along the way.
func replayChain(path string) (prevHash string, seq int64, err error) {
	prevHash = GenesisHash

	if _, statErr := os.Stat(path); statErr != nil {
		return prevHash, 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("journal: open chain %q for replay: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e chainEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return "", 0, fmt.Errorf("journal: malformed chain entry at seq %d: %w", seq+1, err)
		}
		computed := hashChainContent(chainContent{Seq: e.Seq, Record: e.Record, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return "", 0, fmt.Errorf("journal: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}
		if e.PrevHash != prevHash {
			return "", 0, fmt.Errorf("journal: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		prevHash = e.EventHash
		seq = e.Seq
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("journal: scanning chain %q: %w", path, err)
	}

	return prevHash, seq, nil
}

// Record persists w to both the structured store and the hash chain. The
// two writes are not transactionally coupled; a crash between them can
// leave the chain ahead of the SQLite table (or vice versa), but either one
// alone is sufficient to reconstruct the warning.
func (j *Journal) Record(w fswatch.Warning) error {
	rec := recordFromWarning(w)

	if err := j.insertRow(rec); err != nil {
		return err
	}
	if err := j.appendChain(rec); err != nil {
		return err
	}
	return nil
}

func (j *Journal) insertRow(rec Record) error {
	pids, err := json.Marshal(rec.SuspiciousPIDs)
	if err != nil {
		return fmt.Errorf("journal: marshal suspicious pids: %w", err)
	}

	_, err = j.db.Exec(
		`INSERT INTO detections
		   (id, ts, path, classification, entropy, has_prev_entropy, prev_entropy, delta, suspicious_pids)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Path,
		rec.Classification,
		rec.Entropy,
		boolToInt(rec.HasPrevEntropy),
		rec.PrevEntropy,
		rec.Delta,
		string(pids),
	)
	if err != nil {
		return fmt.Errorf("journal: insert detection row: %w", err)
	}
	return nil
}

func (j *Journal) appendChain(rec Record) error {
	j.chainMu.Lock()
	defer j.chainMu.Unlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}

	seq := j.seq + 1
	prevHash := j.prevHash

	content := chainContent{Seq: seq, Record: payload, PrevHash: prevHash}
	eventHash := hashChainContent(content)

	e := chainEntry{Seq: seq, Record: payload, PrevHash: prevHash, EventHash: eventHash}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal chain entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.chainFile.Write(line); err != nil {
		return fmt.Errorf("journal: write chain entry: %w", err)
	}

	j.seq = seq
	j.prevHash = eventHash
	return nil
}

// Verify reads the chain file at chainPath from its start and checks every
// link. It returns the ordered slice of records on success, or the
// first chain error encountered.
func (j *Journal) Verify(chainPath string) ([]Record, error) {
	f, err := os.Open(chainPath)
	if err != nil {
		return nil, fmt.Errorf("journal: verify open %q: %w", chainPath, err)
	}
	defer f.Close()

	var records []Record
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e chainEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("journal: malformed chain entry: %w", err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("journal: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		computed := hashChainContent(chainContent{Seq: e.Seq, Record: e.Record, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return nil, fmt.Errorf("journal: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}

		var rec Record
		if err := json.Unmarshal(e.Record, &rec); err != nil {
			return nil, fmt.Errorf("journal: malformed record at seq %d: %w", e.Seq, err)
		}
		records = append(records, rec)
		prevHash = e.EventHash
	}

	return records, scanner.Err()
}

// Close closes the SQLite connection and the chain file.
func (j *Journal) Close() error {
	j.chainMu.Lock()
	syncErr := j.chainFile.Sync()
	closeErr := j.chainFile.Close()
	j.chainMu.Unlock()

	dbErr := j.db.Close()

	switch {
	case syncErr != nil:
		return fmt.Errorf("journal: sync chain file: %w", syncErr)
	case closeErr != nil:
		return fmt.Errorf("journal: close chain file: %w", closeErr)
	case dbErr != nil:
		return fmt.Errorf("journal: close database: %w", dbErr)
	default:
		return nil
	}
}

func hashChainContent(c chainContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("journal: marshal chain content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

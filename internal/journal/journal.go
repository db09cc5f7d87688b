// Package journal records chunk state transitions as an append-only,
// hash-chained JSONL audit log, one file per run.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBrokenChain indicates a journal whose hash chain does not verify.
var ErrBrokenChain = errors.New("journal hash chain broken")

// Entry is one recorded state transition.
type Entry struct {
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	ChunkID   string    `json:"chunk_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Detail    string    `json:"detail,omitempty"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// ComputeEntryHash computes the SHA256 hash of an entry.
// The hash is computed over the canonical JSON representation,
// excluding the hash field itself.
func ComputeEntryHash(e *Entry) string {
	entryCopy := *e
	entryCopy.Hash = ""

	canonical, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Writer appends entries to a run's journal file.
type Writer struct {
	mu       sync.Mutex
	runID    string
	f        *os.File
	prevHash string
}

// Open creates or reopens the journal for a run. Reopening recovers the
// chain head from the last entry so new entries continue the chain.
func Open(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	path := journalPath(dir, runID)

	prevHash := ""
	if entries, err := Load(dir, runID); err == nil && len(entries) > 0 {
		prevHash = entries[len(entries)-1].Hash
		log.Printf("[journal] resuming chain for run %s (%d entries)", runID, len(entries))
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &Writer{runID: runID, f: f, prevHash: prevHash}, nil
}

// Append records one transition and advances the chain head.
func (w *Writer) Append(chunkID, from, to, detail string, attempt int, ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := Entry{
		EventID:   uuid.New().String(),
		RunID:     w.runID,
		ChunkID:   chunkID,
		From:      from,
		To:        to,
		Detail:    detail,
		Attempt:   attempt,
		Timestamp: ts.UTC(),
		PrevHash:  w.prevHash,
	}
	e.Hash = ComputeEntryHash(&e)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}

	w.prevHash = e.Hash
	return nil
}

// Close releases the journal file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Load reads all entries of a run's journal. A missing file yields an
// empty slice.
func Load(dir, runID string) ([]Entry, error) {
	f, err := os.Open(journalPath(dir, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func journalPath(dir, runID string) string {
	return filepath.Join(dir, runID+".journal.jsonl")
}

// VerifyChain checks that each entry's hash is consistent and links to the
// previous entry.
func VerifyChain(entries []Entry) error {
	prev := ""
	for i := range entries {
		e := entries[i]
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev_hash mismatch", ErrBrokenChain, i)
		}
		if ComputeEntryHash(&e) != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrBrokenChain, i)
		}
		prev = e.Hash
	}
	return nil
}

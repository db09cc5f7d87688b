package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/atmoslab/era-fetcher/internal/journal"
	"github.com/atmoslab/era-fetcher/internal/logging"
)

// Tracker holds the lifecycle records for one run and persists them as a
// single JSON document. All mutations go through Transition so the legal
// edges and the handle bookkeeping stay in one place.
//
// The tracker is not safe for concurrent use. The orchestrator drives all
// chunks from a single loop, which is the only writer.
type Tracker struct {
	dir     string
	runID   string
	records map[string]*ChunkRecord
	journal *journal.Writer
	log     *slog.Logger
	now     func() time.Time
}

// stateFile is the on-disk document. Chunks are keyed by chunk id.
type stateFile struct {
	RunID     string                  `json:"run_id"`
	UpdatedAt time.Time               `json:"updated_at"`
	Chunks    map[string]*ChunkRecord `json:"chunks"`
}

// NewTracker creates a tracker rooted at dir. jw may be nil to disable the
// transition journal.
func NewTracker(dir, runID string, jw *journal.Writer) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &Tracker{
		dir:     dir,
		runID:   runID,
		records: make(map[string]*ChunkRecord),
		journal: jw,
		log:     logging.Component("state"),
		now:     time.Now,
	}, nil
}

func (t *Tracker) path() string {
	return filepath.Join(t.dir, t.runID+".json")
}

// Load reads the persisted state document if one exists. A missing file is
// a fresh run, not an error.
func (t *Tracker) Load() error {
	data, err := os.ReadFile(t.path())
	if os.IsNotExist(err) {
		t.log.Info("no saved state, starting fresh", "run_id", t.runID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}

	var doc stateFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing state file %s: %w", t.path(), err)
	}
	if doc.Chunks != nil {
		t.records = doc.Chunks
	}
	for id, rec := range t.records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("state file %s: chunk %s: %w", t.path(), id, err)
		}
	}

	t.log.Info("resumed saved state",
		"run_id", t.runID,
		"chunks", len(t.records),
		"updated_at", doc.UpdatedAt.Format(time.RFC3339))
	return nil
}

// Persist writes the state document atomically: marshal, write to a temp
// file, rename over the final path.
func (t *Tracker) Persist() error {
	doc := stateFile{
		RunID:     t.runID,
		UpdatedAt: t.now(),
		Chunks:    t.records,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tempPath := t.path() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tempPath, t.path()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming state file: %w", err)
	}
	return nil
}

// Ensure returns the record for chunkID, creating a pending record if the
// chunk is new to this run.
func (t *Tracker) Ensure(chunkID string) ChunkRecord {
	rec, ok := t.records[chunkID]
	if !ok {
		rec = &ChunkRecord{
			ChunkID:        chunkID,
			Status:         StatusPending,
			LastTransition: t.now(),
		}
		t.records[chunkID] = rec
	}
	return *rec
}

// Record returns a copy of the record for chunkID.
func (t *Tracker) Record(chunkID string) (ChunkRecord, bool) {
	rec, ok := t.records[chunkID]
	if !ok {
		return ChunkRecord{}, false
	}
	return *rec, true
}

// Transition moves a chunk to next, enforcing the legal edges and keeping
// the handle and attempt bookkeeping consistent. detail is the remote
// handle when entering submitted, otherwise an error description.
func (t *Tracker) Transition(chunkID string, next Status, detail string) error {
	rec, ok := t.records[chunkID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
	}

	prev := rec.Status
	if !prev.CanTransitionTo(next) {
		return fmt.Errorf("%w: chunk %s cannot go from %s to %s",
			ErrInvalidTransition, chunkID, prev, next)
	}

	switch next {
	case StatusSubmitted:
		rec.RemoteHandle = detail
		rec.AttemptCount++
		rec.LastError = ""
	case StatusFailed:
		if prev == StatusPending {
			// A rejected submission still consumed an attempt.
			rec.AttemptCount++
		}
		rec.RemoteHandle = ""
		rec.LastError = detail
	case StatusExpired:
		rec.RemoteHandle = ""
		rec.LastError = detail
	case StatusPending:
		rec.RemoteHandle = ""
	case StatusAbandoned:
		rec.RemoteHandle = ""
		if detail != "" {
			rec.LastError = detail
		}
	case StatusDownloaded:
		rec.RemoteHandle = ""
		rec.LastError = ""
	case StatusQueued, StatusRunning, StatusCompleted:
		// Handle stays attached while the remote side owes us the result.
	}

	rec.Status = next
	rec.LastTransition = t.now()

	t.log.Debug("chunk transition",
		"chunk_id", chunkID,
		"from", string(prev),
		"to", string(next),
		"attempt", rec.AttemptCount)

	if t.journal != nil {
		if err := t.journal.Append(chunkID, string(prev), string(next), detail, rec.AttemptCount, rec.LastTransition); err != nil {
			t.log.Warn("journal append failed", "chunk_id", chunkID, "error", err)
		}
	}
	return nil
}

// ChunkIDs returns all known chunk ids in lexicographic order, which for
// the planner's id scheme is also chronological order.
func (t *Tracker) ChunkIDs() []string {
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InStatus returns the sorted ids of all chunks currently in st.
func (t *Tracker) InStatus(st Status) []string {
	var ids []string
	for id, rec := range t.records {
		if rec.Status == st {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Counts returns the number of chunks in each status.
func (t *Tracker) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, rec := range t.records {
		counts[rec.Status]++
	}
	return counts
}

// Outstanding returns how many chunks currently hold a remote job slot.
func (t *Tracker) Outstanding() int {
	n := 0
	for _, rec := range t.records {
		if rec.Status.Outstanding() {
			n++
		}
	}
	return n
}

// AllTerminal reports whether every chunk has reached an end state.
func (t *Tracker) AllTerminal() bool {
	for _, rec := range t.records {
		if !rec.Status.Terminal() {
			return false
		}
	}
	return true
}

// Abandoned returns copies of all abandoned chunk records, sorted by id.
func (t *Tracker) Abandoned() []ChunkRecord {
	var out []ChunkRecord
	for _, rec := range t.records {
		if rec.Status == StatusAbandoned {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

// SetNow overrides the clock, for tests.
func (t *Tracker) SetNow(now func() time.Time) {
	t.now = now
}

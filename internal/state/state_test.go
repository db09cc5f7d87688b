package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to submitted", StatusPending, StatusSubmitted, true},
		{"pending to failed on rejected submission", StatusPending, StatusFailed, true},
		{"pending cannot skip to completed", StatusPending, StatusCompleted, false},
		{"submitted to queued", StatusSubmitted, StatusQueued, true},
		{"submitted to running", StatusSubmitted, StatusRunning, true},
		{"submitted to completed on resume", StatusSubmitted, StatusCompleted, true},
		{"queued to running", StatusQueued, StatusRunning, true},
		{"queued to completed", StatusQueued, StatusCompleted, true},
		{"queued to expired", StatusQueued, StatusExpired, true},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running cannot go back to queued", StatusRunning, StatusQueued, false},
		{"completed to downloaded", StatusCompleted, StatusDownloaded, true},
		{"completed to expired when results evicted", StatusCompleted, StatusExpired, true},
		{"completed cannot fail", StatusCompleted, StatusFailed, false},
		{"failed back to pending", StatusFailed, StatusPending, true},
		{"failed to abandoned", StatusFailed, StatusAbandoned, true},
		{"expired back to pending", StatusExpired, StatusPending, true},
		{"downloaded is terminal", StatusDownloaded, StatusPending, false},
		{"abandoned is terminal", StatusAbandoned, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, st := range []Status{StatusSubmitted, StatusQueued, StatusRunning} {
		if !st.Outstanding() {
			t.Errorf("%s should be outstanding", st)
		}
	}
	for _, st := range []Status{StatusPending, StatusCompleted, StatusDownloaded, StatusAbandoned} {
		if st.Outstanding() {
			t.Errorf("%s should not be outstanding", st)
		}
	}
	if !StatusDownloaded.Terminal() || !StatusAbandoned.Terminal() {
		t.Error("downloaded and abandoned should be terminal")
	}
	if StatusCompleted.Terminal() {
		t.Error("completed is not terminal")
	}
	if !StatusCompleted.HoldsHandle() {
		t.Error("completed should keep its handle until the download lands")
	}
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(t.TempDir(), "test-run", nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestTransitionBookkeeping(t *testing.T) {
	tr := newTestTracker(t)
	tr.Ensure("chunk-a")

	if err := tr.Transition("chunk-a", StatusSubmitted, "job-123"); err != nil {
		t.Fatalf("to submitted: %v", err)
	}
	rec, _ := tr.Record("chunk-a")
	if rec.RemoteHandle != "job-123" {
		t.Errorf("handle = %q, want job-123", rec.RemoteHandle)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", rec.AttemptCount)
	}

	if err := tr.Transition("chunk-a", StatusQueued, ""); err != nil {
		t.Fatalf("to queued: %v", err)
	}
	rec, _ = tr.Record("chunk-a")
	if rec.RemoteHandle != "job-123" {
		t.Error("handle should survive into queued")
	}

	if err := tr.Transition("chunk-a", StatusFailed, "remote job failed"); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	rec, _ = tr.Record("chunk-a")
	if rec.RemoteHandle != "" {
		t.Error("handle should be cleared on failure")
	}
	if rec.LastError != "remote job failed" {
		t.Errorf("last error = %q", rec.LastError)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("attempt count after remote failure = %d, want 1", rec.AttemptCount)
	}

	if err := tr.Transition("chunk-a", StatusPending, ""); err != nil {
		t.Fatalf("back to pending: %v", err)
	}
	if err := tr.Transition("chunk-a", StatusSubmitted, "job-456"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	rec, _ = tr.Record("chunk-a")
	if rec.AttemptCount != 2 {
		t.Errorf("attempt count after resubmit = %d, want 2", rec.AttemptCount)
	}
	if rec.LastError != "" {
		t.Error("resubmission should clear the previous error")
	}
}

func TestRejectedSubmissionCountsAttempt(t *testing.T) {
	tr := newTestTracker(t)
	tr.Ensure("chunk-a")

	if err := tr.Transition("chunk-a", StatusFailed, "422 unprocessable request"); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	rec, _ := tr.Record("chunk-a")
	if rec.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1: a rejected submission must count toward the ceiling", rec.AttemptCount)
	}
}

func TestHandleKeptThroughDownload(t *testing.T) {
	tr := newTestTracker(t)
	tr.Ensure("chunk-a")

	steps := []struct {
		to     Status
		detail string
	}{
		{StatusSubmitted, "job-9"},
		{StatusQueued, ""},
		{StatusRunning, ""},
		{StatusCompleted, ""},
	}
	for _, s := range steps {
		if err := tr.Transition("chunk-a", s.to, s.detail); err != nil {
			t.Fatalf("to %s: %v", s.to, err)
		}
		rec, _ := tr.Record("chunk-a")
		if rec.RemoteHandle != "job-9" {
			t.Fatalf("handle lost at %s", s.to)
		}
		if err := rec.Validate(); err != nil {
			t.Fatalf("invariant broken at %s: %v", s.to, err)
		}
	}

	if err := tr.Transition("chunk-a", StatusDownloaded, ""); err != nil {
		t.Fatalf("to downloaded: %v", err)
	}
	rec, _ := tr.Record("chunk-a")
	if rec.RemoteHandle != "" {
		t.Error("handle should be released once the chunk is downloaded")
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("invariant broken after download: %v", err)
	}
}

func TestInvalidTransitionIsRejected(t *testing.T) {
	tr := newTestTracker(t)
	tr.Ensure("chunk-a")

	err := tr.Transition("chunk-a", StatusDownloaded, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending to downloaded: got %v, want ErrInvalidTransition", err)
	}

	rec, _ := tr.Record("chunk-a")
	if rec.Status != StatusPending {
		t.Errorf("record mutated by rejected transition: %s", rec.Status)
	}

	if err := tr.Transition("chunk-b", StatusSubmitted, "x"); !errors.Is(err, ErrUnknownChunk) {
		t.Fatalf("unknown chunk: got %v, want ErrUnknownChunk", err)
	}
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracker(dir, "run-1", nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	tr.Ensure("chunk-a")
	tr.Ensure("chunk-b")
	if err := tr.Transition("chunk-a", StatusSubmitted, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Transition("chunk-a", StatusQueued, ""); err != nil {
		t.Fatal(err)
	}
	if err := tr.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	reloaded, err := NewTracker(dir, "run-1", nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rec, ok := reloaded.Record("chunk-a")
	if !ok {
		t.Fatal("chunk-a missing after reload")
	}
	if rec.Status != StatusQueued || rec.RemoteHandle != "job-1" || rec.AttemptCount != 1 {
		t.Errorf("reloaded record = %+v", rec)
	}
	if rec2, ok := reloaded.Record("chunk-b"); !ok || rec2.Status != StatusPending {
		t.Errorf("chunk-b = %+v, ok=%v", rec2, ok)
	}

	// No temp file should survive a successful persist.
	if _, err := os.Stat(filepath.Join(dir, "run-1.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after persist")
	}
}

func TestLoadMissingStateStartsFresh(t *testing.T) {
	tr := newTestTracker(t)
	if err := tr.Load(); err != nil {
		t.Fatalf("Load on fresh dir: %v", err)
	}
	if len(tr.ChunkIDs()) != 0 {
		t.Error("fresh tracker should have no chunks")
	}
}

func TestLoadRejectsViolatedHandleInvariant(t *testing.T) {
	dir := t.TempDir()
	doc := map[string]any{
		"run_id": "run-1",
		"chunks": map[string]any{
			"chunk-a": map[string]any{
				"chunk_id":      "chunk-a",
				"status":        "downloaded",
				"remote_handle": "job-1",
			},
		},
	}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(filepath.Join(dir, "run-1.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	tr, err := NewTracker(dir, "run-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Load(); err == nil {
		t.Fatal("Load accepted a downloaded chunk with a stale handle")
	}
}

func TestCountsAndSelections(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetNow(func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) })

	for _, id := range []string{"c", "a", "b"} {
		tr.Ensure(id)
	}
	if err := tr.Transition("a", StatusSubmitted, "job-a"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Transition("b", StatusSubmitted, "job-b"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Transition("b", StatusQueued, ""); err != nil {
		t.Fatal(err)
	}

	ids := tr.ChunkIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("ChunkIDs = %v, want sorted a b c", ids)
	}
	if got := tr.InStatus(StatusPending); len(got) != 1 || got[0] != "c" {
		t.Errorf("InStatus(pending) = %v", got)
	}
	if tr.Outstanding() != 2 {
		t.Errorf("Outstanding = %d, want 2", tr.Outstanding())
	}
	counts := tr.Counts()
	if counts[StatusSubmitted] != 1 || counts[StatusQueued] != 1 || counts[StatusPending] != 1 {
		t.Errorf("Counts = %v", counts)
	}
	if tr.AllTerminal() {
		t.Error("AllTerminal should be false with live chunks")
	}
}

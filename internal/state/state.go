// Package state tracks the lifecycle of every chunk in a run and persists
// it so an interrupted run can resume.
package state

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTransition is returned for a state edge the lifecycle does
	// not permit. It indicates an orchestration bug or corrupted state and
	// should halt the run.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownChunk is returned when a chunk has no record.
	ErrUnknownChunk = errors.New("unknown chunk")
)

// Status is the lifecycle state of a chunk.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSubmitted  Status = "submitted"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusDownloaded Status = "downloaded"
	StatusAbandoned  Status = "abandoned"
)

// Statuses lists every lifecycle state.
var Statuses = []Status{
	StatusPending, StatusSubmitted, StatusQueued, StatusRunning,
	StatusCompleted, StatusFailed, StatusExpired, StatusDownloaded,
	StatusAbandoned,
}

// CanTransitionTo reports whether moving to next is a legal lifecycle edge.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		// pending -> failed covers a rejected submission.
		return next == StatusSubmitted || next == StatusFailed
	case StatusSubmitted:
		// A stranded submission may already be in any remote state on resume.
		return next == StatusQueued || next == StatusRunning ||
			next == StatusCompleted || next == StatusFailed || next == StatusExpired
	case StatusQueued:
		return next == StatusRunning || next == StatusCompleted ||
			next == StatusFailed || next == StatusExpired
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusExpired
	case StatusCompleted:
		// completed -> expired covers results evicted before retrieval.
		return next == StatusDownloaded || next == StatusExpired
	case StatusFailed:
		return next == StatusPending || next == StatusAbandoned
	case StatusExpired:
		return next == StatusPending || next == StatusAbandoned
	case StatusDownloaded, StatusAbandoned:
		return false // Terminal states
	default:
		return false
	}
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusDownloaded || s == StatusAbandoned
}

// Outstanding reports whether a remote job is in flight for this status.
// Outstanding chunks count toward the concurrency cap.
func (s Status) Outstanding() bool {
	return s == StatusSubmitted || s == StatusQueued || s == StatusRunning
}

// HoldsHandle reports whether the chunk must carry its remote handle.
// A completed chunk keeps the handle so a crash between poll and download
// can still fetch the result on resume.
func (s Status) HoldsHandle() bool {
	return s.Outstanding() || s == StatusCompleted
}

// ChunkRecord is the authoritative per-chunk lifecycle state.
type ChunkRecord struct {
	ChunkID        string    `json:"chunk_id"`
	Status         Status    `json:"status"`
	RemoteHandle   string    `json:"remote_handle,omitempty"`
	AttemptCount   int       `json:"attempt_count"`
	LastTransition time.Time `json:"last_transition"`
	LastError      string    `json:"last_error,omitempty"`
}

// Validate checks the handle invariant: a handle is present exactly while
// the remote side still owes us something.
func (r ChunkRecord) Validate() error {
	if r.Status.HoldsHandle() && r.RemoteHandle == "" {
		return errors.New("chunk in remote state without a handle")
	}
	if !r.Status.HoldsHandle() && r.RemoteHandle != "" {
		return errors.New("chunk carries a stale remote handle")
	}
	return nil
}

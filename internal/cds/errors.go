package cds

import (
	"errors"
	"fmt"
)

// Classification sentinels. Every error the client returns wraps one of
// these so callers can pick the recovery path with errors.Is.
var (
	// ErrTransient marks failures worth retrying later: network faults,
	// 5xx responses, rate limiting.
	ErrTransient = errors.New("transient remote error")

	// ErrPersistent marks failures that will not succeed on retry without
	// a change to the request: auth problems, malformed requests.
	ErrPersistent = errors.New("persistent remote error")

	// ErrJobNotFound means the remote side no longer knows the job. The
	// handle is dead and the chunk has to be resubmitted.
	ErrJobNotFound = errors.New("remote job not found")
)

// RemoteError carries the HTTP detail behind a classified failure.
type RemoteError struct {
	Op     string
	Status int
	Body   string
	kind   error
}

func (e *RemoteError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("cds: %s returned %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("cds: %s returned %d", e.Op, e.Status)
}

func (e *RemoteError) Unwrap() error {
	return e.kind
}

// classifyStatus maps a non-retryable HTTP status to a sentinel. Retryable
// statuses (429 and 5xx) never reach this point.
func classifyStatus(status int) error {
	if status == 404 {
		return ErrJobNotFound
	}
	return ErrPersistent
}

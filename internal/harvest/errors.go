package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrHarvestInProgress is returned when a source is already being harvested,
	// by this process or by another one holding the source lock.
	ErrHarvestInProgress = errors.New("harvest already in progress for source")
	// ErrPersisterState is returned when the persister protocol is violated,
	// e.g. AddTriple after Commit.
	ErrPersisterState = errors.New("persister used out of protocol order")
	// ErrSourceRemoved is returned when a harvest targets a source queued for deletion.
	ErrSourceRemoved = errors.New("source is queued for deletion")
	// ErrQueueClosed is returned by a job queue that has been shut down.
	ErrQueueClosed = errors.New("job queue closed")
)

// StoreError wraps a failed relational operation. Callers must not assume any
// part of the operation was applied.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// FetchError reports a fetch or parse failure for one source.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a fetch failure that retrying will not
// fix: the server refused access or said the document does not exist.
func IsPermanent(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// FatalError aborts the in-progress harvest and triggers a rollback.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("harvest %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError for stage. A nil err stays nil.
func Fatal(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Stage: stage, Err: err}
}

// IsRetryable reports whether err is a transient connectivity failure, after
// which the whole harvest can safely be retried later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

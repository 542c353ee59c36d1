package chat

import (
	"errors"
	"fmt"

	"chemchat/cmd/internal/outbox"
)

// Sentinel error kinds shared across the ingestion pipeline.
//
// Kind contract:
//   - ErrValidation, ErrNotFound, ErrForbidden, ErrConflict are surfaced
//     synchronously to the caller and are never retried.
//   - ErrTransient marks infrastructure failures that are safe to retry
//     (the dedup claim protects the client against double effects).
//   - ErrPermanent marks work abandoned after the retry budget; the outbox
//     dispatcher surfaces it when it dead-letters an entry, so it is
//     operator-visible only.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("transient infrastructure failure")
	ErrPermanent  = outbox.ErrPermanent
)

// OpError is a typed operation error with a stable Op + Kind contract for
// callers/tests. Kind MUST be one of the sentinel kinds when applicable.
// Msg may include human-readable context; do not include secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e *OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e *OpError) Unwrap() error { return e.Kind }

// Transient wraps err as a retryable infrastructure failure for op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Kind: ErrTransient, Msg: err.Error()}
}

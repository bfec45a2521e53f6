package consensus

import (
	"errors"
	"fmt"
)

// Failure reasons. They are stable and may be matched by callers.
const (
	ReasonHashes      = "consensus was broken when get result hashes from pool"
	ReasonDownload    = "consensus was broken when downloading results"
	ReasonCheck       = "consensus was broken when checking corteges"
	ReasonAnalysis    = "consensus was broken when analysing corteges"
	ReasonSuspicious  = "consensus was broken when voting for suspicious"
	ReasonDecisions   = "consensus was broken when gathering decisions"
	ReasonNoProgress  = "cortege has not changed during the iteration, consensus not found"
	ReasonSelfInvalid = "self result verification failed"
	ReasonCommit      = "storage commit failed"
)

// FailureKind is the kind of every protocol failure.
const FailureKind = "FAILURE"

// ErrClosed is returned when a process is closed before reaching an outcome.
var ErrClosed = errors.New("process closed")

// Failure is the single error kind of the protocol: the write was abandoned.
type Failure struct {
	Reason string // Reason is one of the Reason constants
	Slot   string // Slot is the storage slot being written
	Err    error  // Err is the underlying cause, if any
}

// Kind returns FailureKind.
func (f *Failure) Kind() string {
	return FailureKind
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: slot %q: %s:\n%v", FailureKind, f.Slot, f.Reason, f.Err)
	}

	return fmt.Sprintf("%s: slot %q: %s", FailureKind, f.Slot, f.Reason)
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// IsFailure reports whether err carries a Failure with the given reason.
// An empty reason matches any Failure.
func IsFailure(err error, reason string) bool {
	var f *Failure
	if !errors.As(err, &f) {
		return false
	}

	return reason == "" || f.Reason == reason
}

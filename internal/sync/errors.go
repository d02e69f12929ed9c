package sync

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a failed replay attempt.
type ErrorCode string

const (
	// CodeTransientNetwork is a connection or timeout failure.
	CodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"
	// CodePermanentClient is a non-2xx response.
	CodePermanentClient ErrorCode = "PERMANENT_CLIENT"
	// CodeStorage is a durable store failure.
	CodeStorage ErrorCode = "STORAGE"
	// CodeCancelled means the session was cancelled before the item completed.
	CodeCancelled ErrorCode = "CANCELLED"
)

// SyncError describes why a queue item did not complete.
type SyncError struct {
	Code       ErrorCode
	ItemID     string
	Table      string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: item %s", e.Code, e.ItemID)
	if e.Table != "" {
		msg += fmt.Sprintf(" (table=%s)", e.Table)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransient reports whether err is a transient network failure.
func IsTransient(err error) bool {
	return hasCode(err, CodeTransientNetwork)
}

// IsPermanent reports whether err is a non-2xx client failure.
func IsPermanent(err error) bool {
	return hasCode(err, CodePermanentClient)
}

// IsStorage reports whether err is a storage failure.
func IsStorage(err error) bool {
	return hasCode(err, CodeStorage)
}

// IsCancelled reports whether err comes from a cancelled session.
func IsCancelled(err error) bool {
	return hasCode(err, CodeCancelled)
}

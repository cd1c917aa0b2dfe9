package model

import (
	"errors"
	"fmt"
)

// Error is a categorized failure from the cache core.
//
// Callers branch on Code via the IsXxx helpers, which use errors.As so the
// error may be wrapped any number of times.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ID is the post or user id involved, 0 when not applicable.
	ID uint64

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes cache core errors.
type ErrorCode string

const (
	// ErrCodeCorruptRecord: a mandatory field is missing. Never inserted.
	ErrCodeCorruptRecord ErrorCode = "CORRUPT_RECORD"

	// ErrCodeStoreUnavailable: the backing store is not open or a write failed.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// ErrCodeFetchFailed: the network collaborator returned an error.
	ErrCodeFetchFailed ErrorCode = "FETCH_FAILED"

	// ErrCodeStaleWrite: an update older than the stored record. Discarded.
	ErrCodeStaleWrite ErrorCode = "STALE_WRITE"

	// ErrCodeTombstoned: the id was server-deleted and is permanently inert.
	ErrCodeTombstoned ErrorCode = "TOMBSTONED"

	// ErrCodePipelineClosed: the registration queue no longer accepts work.
	ErrCodePipelineClosed ErrorCode = "PIPELINE_CLOSED"

	// ErrCodeInvalidQuery: a filter query could not be parsed.
	ErrCodeInvalidQuery ErrorCode = "INVALID_QUERY"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.ID != 0 {
		msg = fmt.Sprintf("%s (id=%d)", msg, e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsCorruptRecord reports whether err is a CORRUPT_RECORD error.
func IsCorruptRecord(err error) bool { return hasCode(err, ErrCodeCorruptRecord) }

// IsStoreUnavailable reports whether err is a STORE_UNAVAILABLE error.
func IsStoreUnavailable(err error) bool { return hasCode(err, ErrCodeStoreUnavailable) }

// IsFetchFailed reports whether err is a FETCH_FAILED error.
func IsFetchFailed(err error) bool { return hasCode(err, ErrCodeFetchFailed) }

// IsStaleWrite reports whether err is a STALE_WRITE error.
func IsStaleWrite(err error) bool { return hasCode(err, ErrCodeStaleWrite) }

// IsTombstoned reports whether err is a TOMBSTONED error.
func IsTombstoned(err error) bool { return hasCode(err, ErrCodeTombstoned) }

// IsPipelineClosed reports whether err is a PIPELINE_CLOSED error.
func IsPipelineClosed(err error) bool { return hasCode(err, ErrCodePipelineClosed) }

// IsInvalidQuery reports whether err is an INVALID_QUERY error.
func IsInvalidQuery(err error) bool { return hasCode(err, ErrCodeInvalidQuery) }

// NewCorruptRecordError creates a CORRUPT_RECORD error.
func NewCorruptRecordError(id uint64, message string) *Error {
	return &Error{Code: ErrCodeCorruptRecord, Message: message, ID: id}
}

// NewStoreUnavailableError creates a STORE_UNAVAILABLE error.
func NewStoreUnavailableError(id uint64, cause error) *Error {
	return &Error{Code: ErrCodeStoreUnavailable, Message: "backing store unavailable", ID: id, Err: cause}
}

// NewFetchFailedError creates a FETCH_FAILED error.
func NewFetchFailedError(id uint64, cause error) *Error {
	return &Error{Code: ErrCodeFetchFailed, Message: "fetch failed", ID: id, Err: cause}
}

// NewStaleWriteError creates a STALE_WRITE error.
func NewStaleWriteError(id uint64, incoming, stored int64) *Error {
	return &Error{
		Code:    ErrCodeStaleWrite,
		Message: fmt.Sprintf("update stamped %d is older than stored %d", incoming, stored),
		ID:      id,
	}
}

// NewTombstonedError creates a TOMBSTONED error.
func NewTombstonedError(id uint64) *Error {
	return &Error{Code: ErrCodeTombstoned, Message: "id was deleted on the server", ID: id}
}

// NewPipelineClosedError creates a PIPELINE_CLOSED error.
func NewPipelineClosedError() *Error {
	return &Error{Code: ErrCodePipelineClosed, Message: "registration pipeline is closed"}
}

// NewInvalidQueryError creates an INVALID_QUERY error.
func NewInvalidQueryError(message string, cause error) *Error {
	return &Error{Code: ErrCodeInvalidQuery, Message: message, Err: cause}
}

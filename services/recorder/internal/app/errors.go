package app

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies user-visible failures. The HTTP layer maps each kind to
// one status code.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindPayloadTooLarge
	KindQuotaExceeded
	KindUnsupportedMedia
	KindNotFound
	KindConflict
	KindUpstreamUnavailable
	KindUpstreamRejected
	KindIntegrity
	KindStalled
	KindRateLimited
)

// Error is the only error shape the app hands to its callers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
	// RetryAfter is set on KindRateLimited.
	RetryAfter time.Duration
	// TaskID and BlobID name what was already stored when a later step
	// failed, so the client can look at the failed task or reuse the blob.
	TaskID string
	BlobID string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Error codes returned to clients.
const (
	CodePayloadRequired     = "RECORDER_PAYLOAD_REQUIRED"
	CodePayloadTooLarge     = "RECORDER_PAYLOAD_TOO_LARGE"
	CodeQuotaExceeded       = "RECORDER_QUOTA_EXCEEDED"
	CodeUnsupportedMedia    = "RECORDER_UNSUPPORTED_MEDIA"
	CodeInvalidRequest      = "RECORDER_INVALID_REQUEST"
	CodeSourceNotFound      = "RECORDER_SOURCE_NOT_FOUND"
	CodeTaskNotFound        = "RECORDER_TASK_NOT_FOUND"
	CodeRecordingNotFound   = "RECORDER_RECORDING_NOT_FOUND"
	CodePairNotFound        = "RECORDER_TRANSCRIPT_PAIR_NOT_FOUND"
	CodeUpstreamUnavailable = "RECORDER_UPSTREAM_UNAVAILABLE"
	CodeUpstreamRejected    = "RECORDER_UPSTREAM_REJECTED"
	CodeIntegrity           = "RECORDER_INTEGRITY_ERROR"
	CodeIllegalTransition   = "RECORDER_ILLEGAL_TRANSITION"
	CodeUploadStalled       = "RECORDER_UPLOAD_STALLED"
	CodeRateLimited         = "RECORDER_RATE_LIMITED"
	CodeInternal            = "SYSTEM_INTERNAL_ERROR"
)

var (
	// ErrIllegalTransition rejects a state change the lattice does not allow.
	// The stored state is left untouched.
	ErrIllegalTransition = errors.New("illegal task state transition")
	// ErrExternalIDConflict is returned when a task already maps to a
	// different external job.
	ErrExternalIDConflict = errors.New("external job id already attached")
	ErrTaskNotFound       = errors.New("task not found")
)

func invalid(code, msg string) *Error {
	return &Error{Kind: KindInvalid, Code: code, Message: msg}
}

func notFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: msg, Err: err}
}

// withStored tags err with the task and blob that outlived the failure.
func withStored(err error, taskID, blobID string) *Error {
	e := AsError(err)
	e.TaskID = taskID
	e.BlobID = blobID
	return e
}

// AsError extracts an *Error, wrapping anything else as internal.
func AsError(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return internal("internal error", err)
}

package analysis

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for job processing.
var (
	// ErrExternalProcess indicates the pipeline exited non-zero or wrote
	// diagnostics to stderr.
	ErrExternalProcess = errors.New("external process failed")

	// ErrOutputParse indicates the pipeline output or the result artifact
	// could not be parsed.
	ErrOutputParse = errors.New("output parse failed")

	// ErrArtifactRead indicates the result artifact could not be read.
	ErrArtifactRead = errors.New("artifact read failed")

	// ErrTimeout indicates the pipeline exceeded its configured timeout.
	ErrTimeout = errors.New("pipeline timed out")

	// ErrCacheProbe indicates the result layout could not be inspected.
	ErrCacheProbe = errors.New("result cache probe failed")

	// ErrPersistence indicates a status record could not be written.
	ErrPersistence = errors.New("status persistence failed")

	// ErrLoadCorruption indicates a persisted status record could not be
	// decoded.
	ErrLoadCorruption = errors.New("status record corrupt")

	// ErrInvalidKey indicates a malformed job key.
	ErrInvalidKey = errors.New("invalid job key")
)

// ErrorKind classifies a job failure in status records and events.
type ErrorKind string

const (
	KindExternalProcess ErrorKind = "external_process"
	KindOutputParse     ErrorKind = "output_parse"
	KindArtifactRead    ErrorKind = "artifact_read"
	KindTimeout         ErrorKind = "timeout"
	KindCacheProbe      ErrorKind = "cache_probe"
	KindInvalidKey      ErrorKind = "invalid_key"
	KindInternal        ErrorKind = "internal"
)

// JobError wraps a job failure with context.
type JobError struct {
	// Op is the step that failed (e.g., "probe", "exec", "parse-stdout").
	Op string

	// Key is the job the failure belongs to.
	Key JobKey

	// Err is the underlying error, typically one of the sentinels above.
	Err error

	// Detail is the raw diagnostic text (stderr, stdout tail), preserved
	// verbatim.
	Detail string
}

// Error implements the error interface.
func (e *JobError) Error() string {
	msg := fmt.Sprintf("%s %s/%s (%s): %v", e.Op, e.Key.ContainerPath, e.Key.FileID, e.Key.Variant, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError builds a JobError. When cause is non-nil it is joined with
// the sentinel so both remain visible to errors.Is.
func NewJobError(op string, key JobKey, sentinel error, cause error, detail string) *JobError {
	err := sentinel
	if cause != nil {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &JobError{Op: op, Key: key, Err: err, Detail: detail}
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrExternalProcess):
		return KindExternalProcess
	case errors.Is(err, ErrArtifactRead):
		return KindArtifactRead
	case errors.Is(err, ErrOutputParse):
		return KindOutputParse
	case errors.Is(err, ErrCacheProbe):
		return KindCacheProbe
	case errors.Is(err, ErrInvalidKey):
		return KindInvalidKey
	default:
		return KindInternal
	}
}

// InfoFromError converts err into the user-visible ErrorInfo. The message
// is err.Error() unchanged.
func InfoFromError(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{Kind: KindInternal, Message: "unknown error"}
	}
	return ErrorInfo{Kind: KindOf(err), Message: err.Error()}
}

// IsExternalProcess returns true if err is an external process failure.
func IsExternalProcess(err error) bool {
	return errors.Is(err, ErrExternalProcess)
}

// IsOutputParse returns true if err is an output parse failure.
func IsOutputParse(err error) bool {
	return errors.Is(err, ErrOutputParse)
}

// IsArtifactRead returns true if err is an artifact read failure.
func IsArtifactRead(err error) bool {
	return errors.Is(err, ErrArtifactRead)
}

// IsTimeout returns true if err is a pipeline timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

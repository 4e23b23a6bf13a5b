// Package output provides JSONL output for CLI commands.
//
// Output is structured as typed record envelopes containing status
// records, slide listings, errors, and summaries. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/slidescan/pkg/analysis"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: slidescan.<type>.v<version>
const (
	// TypeStatus identifies job status records.
	TypeStatus = "slidescan.status.v1"

	// TypeSlide identifies slide listing records.
	TypeSlide = "slidescan.slide.v1"

	// TypePreview identifies preview extraction records.
	TypePreview = "slidescan.preview.v1"

	// TypeError identifies error records.
	TypeError = "slidescan.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "slidescan.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field.
type Record struct {
	// Type identifies the record type (e.g., "slidescan.status.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this CLI invocation.
	RunID string `json:"run_id"`

	// Source identifies where results are read from (e.g., "file", "s3").
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// StatusRecord is the data payload for job status.
type StatusRecord struct {
	Key    analysis.JobKey     `json:"key"`
	State  analysis.JobState   `json:"state"`
	Score  *float64            `json:"score,omitempty"`
	Result *analysis.Result    `json:"result,omitempty"`
	Error  *analysis.ErrorInfo `json:"error,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Attempts    int        `json:"attempts"`
}

// FromStatus converts a stored status record to its output form.
func FromStatus(rec analysis.StatusRecord) *StatusRecord {
	out := &StatusRecord{
		Key:         rec.Key,
		State:       rec.State,
		Result:      rec.Result,
		Error:       rec.Error,
		SubmittedAt: rec.SubmittedAt,
		EndedAt:     rec.EndedAt,
		Attempts:    rec.Attempts,
	}
	if score, ok := rec.Result.Score(); ok {
		out.Score = &score
	}
	return out
}

// SlideRecord is the data payload for slide listings.
type SlideRecord struct {
	Folder string `json:"folder"`
	File   string `json:"file"`
}

// PreviewRecord is the data payload for a generated preview image.
type PreviewRecord struct {
	Folder string `json:"folder"`
	File   string `json:"file"`
	Image  string `json:"image"`
	Path   string `json:"path"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire command,
// allowing partial results when some keys fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Key is the job key related to this error, if applicable.
	Key *analysis.JobKey `json:"key,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeInternal        = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// Jobs is the number of keys the command handled.
	Jobs int `json:"jobs"`

	// States counts jobs per state at the end of the command.
	States map[analysis.JobState]int `json:"states"`

	// Duration is the total command duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

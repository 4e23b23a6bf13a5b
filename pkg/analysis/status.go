package analysis

import "time"

// JobState is the lifecycle state of an analysis job.
//
// NOTE: These values are persisted in status records and are part of the
// stable on-disk contract.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateCompleted, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition happens without a new
// submission.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrorInfo is the user-visible description of a failed job.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// StatusRecord is the current state of one job.
//
// The schema is designed for backward-compatible extension (additive fields).
type StatusRecord struct {
	Key    JobKey     `json:"key"`
	State  JobState   `json:"state"`
	Result *Result    `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	// Attempts counts admissions of this key, including resubmissions
	// after failure.
	Attempts int `json:"attempts"`
}

// Queued returns a fresh queued record for key.
func Queued(key JobKey, now time.Time, attempts int) StatusRecord {
	return StatusRecord{
		Key:         key,
		State:       StateQueued,
		SubmittedAt: now.UTC(),
		Attempts:    attempts,
	}
}

// Running returns a copy of r transitioned to running.
func (r StatusRecord) Running(now time.Time) StatusRecord {
	out := r.Clone()
	t := now.UTC()
	out.State = StateRunning
	out.StartedAt = &t
	out.EndedAt = nil
	out.Result = nil
	out.Error = nil
	return out
}

// Completed returns a copy of r transitioned to completed with result.
func (r StatusRecord) Completed(result *Result, now time.Time) StatusRecord {
	out := r.Clone()
	t := now.UTC()
	out.State = StateCompleted
	out.EndedAt = &t
	out.Result = result.Clone()
	out.Error = nil
	return out
}

// Failed returns a copy of r transitioned to failed with info.
func (r StatusRecord) Failed(info ErrorInfo, now time.Time) StatusRecord {
	out := r.Clone()
	t := now.UTC()
	out.State = StateFailed
	out.EndedAt = &t
	out.Result = nil
	out.Error = &info
	return out
}

// Clone returns a deep copy of r.
func (r StatusRecord) Clone() StatusRecord {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	out.Result = r.Result.Clone()
	return out
}

package model

import (
	"errors"
	"fmt"
	"time"
)

// RunKind distinguishes the two batch workflows.
type RunKind string

const (
	RunKindExtraction RunKind = "extraction"
	RunKindSubmission RunKind = "submission"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed outside a resume.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s == RunStatusPending || s == RunStatusRunning || s.Terminal()
}

var ErrInvalidTransition = errors.New("invalid run status transition")

// CheckTransition enforces pending -> running -> terminal. A resumed run may
// move from one terminal status to another but never back to running.
func CheckTransition(from, to RunStatus, resume bool) error {
	ok := false
	switch {
	case from == RunStatusPending:
		ok = to == RunStatusRunning || to.Terminal()
	case from == RunStatusRunning:
		ok = to.Terminal()
	case from.Terminal():
		ok = resume && to.Terminal()
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Run metadata keys written by the engine.
const (
	MetaFrom             = "from"
	MetaTo               = "to"
	MetaRecordIDs        = "record_ids"
	MetaSaveAsDraft      = "save_as_draft"
	MetaLeaveSessionOpen = "leave_session_open"
	MetaTarget           = "target"
	MetaResumes          = "resumes"
	MetaProxy            = "proxy"
)

// Run is one execution of a batch workflow.
type Run struct {
	ID              string         `json:"id"`
	Kind            RunKind        `json:"kind"`
	Status          RunStatus      `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	TotalRecords    int            `json:"total_records"`
	CompletedCount  int            `json:"completed_count"`
	FailedCount     int            `json:"failed_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata"`
	CancelRequested bool           `json:"cancel_requested"`
}

// CheckCounts verifies that the per-item counters stay within total_records.
func (r *Run) CheckCounts() error {
	if r.CompletedCount < 0 || r.FailedCount < 0 {
		return fmt.Errorf("run %s: negative counts", r.ID)
	}
	if r.CompletedCount+r.FailedCount > r.TotalRecords {
		return fmt.Errorf("run %s: completed %d + failed %d exceeds total %d",
			r.ID, r.CompletedCount, r.FailedCount, r.TotalRecords)
	}
	return nil
}

// MetaString returns a string metadata value or "".
func (r *Run) MetaString(key string) string {
	if s, ok := r.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MetaBool returns a boolean metadata value or false.
func (r *Run) MetaBool(key string) bool {
	b, _ := r.Metadata[key].(bool)
	return b
}

// MetaStrings returns a string list metadata value. Values decoded from JSON
// arrive as []any.
func (r *Run) MetaStrings(key string) []string {
	switch v := r.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SetMeta sets a metadata value, allocating the map when needed.
func (r *Run) SetMeta(key string, v any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = v
}

// Step is one append-only log entry of a run.
type Step struct {
	RunID     string         `json:"run_id"`
	Ordinal   int            `json:"ordinal"`
	Label     string         `json:"label"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

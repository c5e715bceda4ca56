package model

import (
	"time"

	"portalbridge/internal/core/extract"
)

// ExtractionStatus tracks a record through extraction runs. Empty means never attempted.
type ExtractionStatus string

const (
	ExtractionNone       ExtractionStatus = ""
	ExtractionInProgress ExtractionStatus = "in_progress"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionFailed     ExtractionStatus = "failed"
)

// SubmissionStatus tracks a record through submission runs. Empty means never attempted.
type SubmissionStatus string

const (
	SubmissionNone      SubmissionStatus = ""
	SubmissionDraft     SubmissionStatus = "draft"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionError     SubmissionStatus = "error"
)

// Record is a target record the workflows read from the source portal and
// push to the target portals.
type Record struct {
	ID                 string           `json:"id"`
	SourceKey          string           `json:"source_key"`
	Identifier         string           `json:"identifier"`
	NationalID         string           `json:"national_id"`
	Name               string           `json:"name"`
	Target             string           `json:"target"`
	ServiceDate        time.Time        `json:"service_date"`
	ExtractionStatus   ExtractionStatus `json:"extraction_status"`
	ExtractedAt        *time.Time       `json:"extracted_at,omitempty"`
	LastAttemptAt      *time.Time       `json:"last_attempt_at,omitempty"`
	SubmissionStatus   SubmissionStatus `json:"submission_status"`
	SubmissionMetadata map[string]any   `json:"submission_metadata,omitempty"`
	Extraction         *extract.Record  `json:"extraction,omitempty"`
}

// Done reports whether the record already reached the goal of a run of the
// given kind, so a resumed run can skip it. A draft only satisfies a
// draft-mode submission.
func (r *Record) Done(kind RunKind, draft bool) bool {
	switch kind {
	case RunKindExtraction:
		return r.ExtractionStatus == ExtractionCompleted
	case RunKindSubmission:
		if r.SubmissionStatus == SubmissionSubmitted {
			return true
		}
		return draft && r.SubmissionStatus == SubmissionDraft
	}
	return false
}

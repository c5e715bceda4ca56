package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portalbridge/internal/core/extract"
	"portalbridge/internal/model"
)

// ErrNotFound is returned when a run or record id does not exist.
var ErrNotFound = errors.New("not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty" form:"status"`
	Kind   model.RunKind   `json:"kind,omitempty" form:"kind"`
	Limit  int             `json:"limit,omitempty" form:"limit"`
	Offset int             `json:"offset,omitempty" form:"offset"`
}

// RecordFilter selects target records. Zero values match everything.
type RecordFilter struct {
	From             time.Time
	To               time.Time
	Target           string
	ExtractionStatus []model.ExtractionStatus
	Limit            int
}

// ExtractionUpdate is written when a record enters or leaves an extraction attempt.
type ExtractionUpdate struct {
	Status    model.ExtractionStatus
	AttemptAt time.Time
	Result    *extract.Record
}

// SubmissionUpdate is written after a record was pushed to its target portal.
type SubmissionUpdate struct {
	Status    model.SubmissionStatus
	AttemptAt time.Time
	Metadata  map[string]any
}

// Store is the narrow persistence boundary used by the workflow engine.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	DeleteRun(ctx context.Context, runID string) error
	RequestCancel(ctx context.Context, runID string) error
	CancelRequested(ctx context.Context, runID string) (bool, error)
	// ClearCancel resets the cancel flag before a run is resumed.
	ClearCancel(ctx context.Context, runID string) error

	// Steps
	AppendStep(ctx context.Context, step model.Step) error
	ListSteps(ctx context.Context, runID string) ([]model.Step, error)

	// Records
	PutRecord(ctx context.Context, rec *model.Record) error
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error)
	UpdateExtraction(ctx context.Context, id string, u ExtractionUpdate) error
	UpdateSubmission(ctx context.Context, id string, u SubmissionUpdate) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store selected by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

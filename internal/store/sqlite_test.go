package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalbridge/internal/core/extract"
	"portalbridge/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newRun(id string) *model.Run {
	return &model.Run{
		ID:        id,
		Kind:      model.RunKindExtraction,
		Status:    model.RunStatusPending,
		CreatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Metadata:  map[string]any{model.MetaFrom: "2024-03-01"},
	}
}

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := newRun("run-1")
	require.NoError(t, st.CreateRun(ctx, run))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Equal(t, model.RunKindExtraction, got.Kind)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, "2024-03-01", got.MetaString(model.MetaFrom))
	assert.True(t, run.CreatedAt.Equal(got.CreatedAt))

	started := time.Date(2024, 3, 1, 9, 0, 5, 0, time.UTC)
	got.Status = model.RunStatusRunning
	got.StartedAt = &started
	got.TotalRecords = 10
	got.CompletedCount = 3
	got.FailedCount = 1
	got.SetMeta(model.MetaRecordIDs, []string{"a", "b"})
	require.NoError(t, st.UpdateRun(ctx, got))

	again, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, again.Status)
	require.NotNil(t, again.StartedAt)
	assert.True(t, started.Equal(*again.StartedAt))
	assert.Equal(t, 10, again.TotalRecords)
	assert.Equal(t, 3, again.CompletedCount)
	assert.Equal(t, 1, again.FailedCount)
	assert.Equal(t, []string{"a", "b"}, again.MetaStrings(model.MetaRecordIDs))
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.UpdateRun(context.Background(), newRun("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CancelFlag(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, newRun("run-1")))

	flag, err := st.CancelRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, flag)

	require.NoError(t, st.RequestCancel(ctx, "run-1"))
	flag, err = st.CancelRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, flag)

	// UpdateRun does not clear a concurrent cancel request.
	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	run.CancelRequested = false
	require.NoError(t, st.UpdateRun(ctx, run))
	flag, err = st.CancelRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, flag)

	require.NoError(t, st.ClearCancel(ctx, "run-1"))
	flag, err = st.CancelRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, flag)

	assert.ErrorIs(t, st.RequestCancel(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, st.ClearCancel(ctx, "nope"), ErrNotFound)
}

func TestSQLite_StepsAreOrderedAndAppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, newRun("run-1")))

	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, label := range []string{"launch", "login", "item"} {
		require.NoError(t, st.AppendStep(ctx, model.Step{
			RunID: "run-1", Ordinal: i + 1, Label: label,
			Payload: map[string]any{"n": i}, Timestamp: ts.Add(time.Duration(i) * time.Second),
		}))
	}
	err := st.AppendStep(ctx, model.Step{RunID: "run-1", Ordinal: 2, Label: "dup", Timestamp: ts})
	assert.Error(t, err)

	steps, err := st.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "launch", steps[0].Label)
	assert.Equal(t, "login", steps[1].Label)
	assert.Equal(t, 3, steps[2].Ordinal)
	assert.Equal(t, float64(2), steps[2].Payload["n"])
}

func TestSQLite_DeleteRunRemovesSteps(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, newRun("run-1")))
	require.NoError(t, st.AppendStep(ctx, model.Step{RunID: "run-1", Ordinal: 1, Label: "launch", Timestamp: time.Now()}))

	require.NoError(t, st.DeleteRun(ctx, "run-1"))

	_, err := st.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	steps, err := st.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, steps)

	assert.ErrorIs(t, st.DeleteRun(ctx, "run-1"), ErrNotFound)
}

func TestSQLite_ListRunsFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := newRun("a")
	b := newRun("b")
	b.Kind = model.RunKindSubmission
	b.CreatedAt = a.CreatedAt.Add(time.Hour)
	c := newRun("c")
	c.Status = model.RunStatusCompleted
	c.CreatedAt = a.CreatedAt.Add(2 * time.Hour)
	for _, r := range []*model.Run{a, b, c} {
		require.NoError(t, st.CreateRun(ctx, r))
	}

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	subs, err := st.ListRuns(ctx, RunFilter{Kind: model.RunKindSubmission})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "b", subs[0].ID)

	done, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)

	page, err := st.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)
}

func TestSQLite_Records(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	for i, d := range []int{1, 2, 3, 4} {
		require.NoError(t, st.PutRecord(ctx, &model.Record{
			ID: string(rune('a' + i)), SourceKey: "10000" + string(rune('0'+i)), Name: "Ana",
			Target: "mutua", ServiceDate: day(d),
		}))
	}

	recs, err := st.ListRecords(ctx, RecordFilter{From: day(2), To: day(3)})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, model.ExtractionNone, recs[0].ExtractionStatus)

	attempt := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdateExtraction(ctx, "b", ExtractionUpdate{Status: model.ExtractionInProgress, AttemptAt: attempt}))
	diag := "Esguince tobillo"
	require.NoError(t, st.UpdateExtraction(ctx, "c", ExtractionUpdate{
		Status:    model.ExtractionCompleted,
		AttemptAt: attempt,
		Result: &extract.Record{
			SourceKey: "100002",
			Diagnosis: extract.TextField{Raw: diag, Cleaned: &diag, Status: extract.StatusValid},
		},
	}))

	c, err := st.GetRecord(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionCompleted, c.ExtractionStatus)
	require.NotNil(t, c.ExtractedAt)
	assert.True(t, attempt.Equal(*c.ExtractedAt))
	require.NotNil(t, c.Extraction)
	assert.Equal(t, diag, *c.Extraction.Diagnosis.Cleaned)

	b, err := st.GetRecord(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, b.ExtractedAt)
	require.NotNil(t, b.LastAttemptAt)

	pending, err := st.ListRecords(ctx, RecordFilter{
		ExtractionStatus: []model.ExtractionStatus{model.ExtractionNone, model.ExtractionFailed},
	})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "d", pending[1].ID)

	require.NoError(t, st.UpdateSubmission(ctx, "c", SubmissionUpdate{
		Status: model.SubmissionDraft, AttemptAt: attempt, Metadata: map[string]any{"reference": "R-1"},
	}))
	c, err = st.GetRecord(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionDraft, c.SubmissionStatus)
	assert.Equal(t, "R-1", c.SubmissionMetadata["reference"])

	_, err = st.GetRecord(ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.UpdateExtraction(ctx, "zz", ExtractionUpdate{Status: model.ExtractionFailed}), ErrNotFound)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "")
	assert.Error(t, err)
}

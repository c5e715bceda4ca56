package run

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalbridge/internal/artifacts"
	"portalbridge/internal/core/browser"
	"portalbridge/internal/core/extract"
	"portalbridge/internal/core/failure"
	"portalbridge/internal/core/identity"
	"portalbridge/internal/core/portal"
	"portalbridge/internal/logger"
	"portalbridge/internal/model"
	"portalbridge/internal/store"
)

type fakeSession struct {
	id     string
	mu     sync.Mutex
	closes int
}

func (s *fakeSession) Info() browser.SessionInfo {
	return browser.SessionInfo{ID: s.id, Proxy: "10.0.0.1:3128"}
}
func (s *fakeSession) Page() playwright.Page        { return nil }
func (s *fakeSession) Screenshot() ([]byte, error) { return []byte("png"), nil }
func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}
func (s *fakeSession) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeSessions struct {
	mu     sync.Mutex
	opened []*fakeSession
	err    error
	begun  int
}

func (f *fakeSessions) BeginRun() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun++
}

func (f *fakeSessions) Open(ctx context.Context) (browser.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{id: fmt.Sprintf("s%d", len(f.opened)+1)}
	f.opened = append(f.opened, s)
	return s, nil
}

// fakeSource serves a usable note for every record except those in fail,
// keyed by normalized identifier.
type fakeSource struct {
	mu       sync.Mutex
	authErr  error
	fail       map[string]error
	locateFail map[string]error
	located    []string
	current  string
	onLocate func(n int)
}

func (f *fakeSource) Name() string { return "clinic" }

func (f *fakeSource) Authenticate(ctx context.Context, s browser.Session) error { return f.authErr }

func (f *fakeSource) Locate(ctx context.Context, s browser.Session, id identity.Identity) error {
	f.mu.Lock()
	key := ""
	if id.Identifier != nil {
		key = *id.Identifier
	}
	f.located = append(f.located, key)
	f.current = key
	n := len(f.located)
	hook := f.onLocate
	err := f.locateFail[key]
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return err
}

func (f *fakeSource) Extract(ctx context.Context, s browser.Session) (extract.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[f.current]; err != nil {
		return extract.Raw{}, err
	}
	return extract.Raw{
		Diagnosis: extract.Value{Text: "Esguince de tobillo derecho tras caída", Provenance: extract.Provenance{Strategy: "attribute"}},
		Amount:    extract.Value{Text: "120,50 €"},
	}, nil
}

func (f *fakeSource) locatedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.located...)
}

type fakeTarget struct {
	name    string
	mu      sync.Mutex
	filled  []string
	saveErr error
}

func (f *fakeTarget) Name() string                                              { return f.name }
func (f *fakeTarget) Authenticate(ctx context.Context, s browser.Session) error { return nil }
func (f *fakeTarget) Locate(ctx context.Context, s browser.Session, id identity.Identity) error {
	return nil
}

func (f *fakeTarget) Fill(ctx context.Context, s browser.Session, rec *extract.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled = append(f.filled, *rec.Diagnosis.Cleaned)
	return nil
}

func (f *fakeTarget) Save(ctx context.Context, s browser.Session, draft bool) (portal.Receipt, error) {
	if f.saveErr != nil {
		return portal.Receipt{}, f.saveErr
	}
	return portal.Receipt{Target: f.name, Draft: draft, Reference: "CLM-1", SavedAt: time.Now()}, nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	labels  []string
	deleted []string
}

func (f *fakeArtifacts) Capture(ctx context.Context, c artifacts.Capturer, runID string, ordinal int, label string) (artifacts.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, label)
	return artifacts.Artifact{Path: artifacts.Name(ordinal, label)}, nil
}

func (f *fakeArtifacts) DeleteRun(runID string) error {
	f.deleted = append(f.deleted, runID)
	return nil
}

type countingPublisher struct {
	mu       sync.Mutex
	channels map[string]int
}

func (p *countingPublisher) Publish(ctx context.Context, channel string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channel]++
	return nil
}

type harness struct {
	engine    *Engine
	store     *store.SQLiteStore
	sessions  *fakeSessions
	source    *fakeSource
	target    *fakeTarget
	artifacts *fakeArtifacts
	events    *countingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{
		store:     st,
		sessions:  &fakeSessions{},
		source:    &fakeSource{fail: map[string]error{}},
		target:    &fakeTarget{name: "insurer"},
		artifacts: &fakeArtifacts{},
		events:    &countingPublisher{channels: map[string]int{}},
	}
	reg, err := portal.NewRegistry(h.source, h.target)
	require.NoError(t, err)

	n := 0
	h.engine = NewEngine(Options{
		Store:     st,
		Sessions:  h.sessions,
		Portals:   reg,
		Artifacts: h.artifacts,
		Events:    h.events,
		NewID: func() string {
			n++
			return fmt.Sprintf("run-%d", n)
		},
		Logger: logger.Nop(),
	})
	return h
}

func day(d int) time.Time { return time.Date(2024, 3, d, 10, 0, 0, 0, time.UTC) }

// seed stores count records dated March 1st onwards.
func (h *harness) seed(t *testing.T, count int) {
	t.Helper()
	for i := 1; i <= count; i++ {
		require.NoError(t, h.store.PutRecord(context.Background(), &model.Record{
			ID:          fmt.Sprintf("rec-%02d", i),
			SourceKey:   fmt.Sprintf("SRC-%02d", i),
			Identifier:  fmt.Sprintf("HC-1000%02d", i),
			Name:        "GARCIA LOPEZ, ANA",
			Target:      "insurer",
			ServiceDate: day(i),
		}))
	}
}

// seedExtracted stores a record that already carries a usable extraction.
func (h *harness) seedExtracted(t *testing.T, id, target string) {
	t.Helper()
	result := extract.Default().Validate(extract.Raw{
		SourceKey: id,
		Diagnosis: extract.Value{Text: "Contusión en rodilla izquierda"},
	})
	require.True(t, result.Usable())
	require.NoError(t, h.store.PutRecord(context.Background(), &model.Record{
		ID:               id,
		Identifier:       "HC-200001",
		NationalID:       "12345678Z",
		Target:           target,
		ServiceDate:      day(1),
		ExtractionStatus: model.ExtractionCompleted,
		Extraction:       result,
	}))
}

func (h *harness) record(t *testing.T, id string) *model.Record {
	t.Helper()
	rec, err := h.store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (h *harness) steps(t *testing.T, runID string) []model.Step {
	t.Helper()
	steps, err := h.store.ListSteps(context.Background(), runID)
	require.NoError(t, err)
	return steps
}

func assertContiguous(t *testing.T, steps []model.Step) {
	t.Helper()
	for i, s := range steps {
		assert.Equal(t, i+1, s.Ordinal, "step %q", s.Label)
	}
}

func TestExtraction_ItemFailuresThenResume(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10)
	ctx := context.Background()
	require.NoError(t, h.store.PutRecord(ctx, &model.Record{ID: "rec-april", Identifier: "HC-900001", ServiceDate: time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)}))

	h.source.fail["100003"] = failure.Locator("find diagnosis", errors.New("no element"))
	h.source.fail["100007"] = failure.Locator("find diagnosis", errors.New("no element"))

	run, err := h.engine.StartExtraction(ctx, day(1), time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, run.Status)

	got, err := h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 10, got.TotalRecords)
	assert.Equal(t, 8, got.CompletedCount)
	assert.Equal(t, 2, got.FailedCount)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	assert.Equal(t, model.ExtractionFailed, h.record(t, "rec-03").ExtractionStatus)
	done := h.record(t, "rec-01")
	assert.Equal(t, model.ExtractionCompleted, done.ExtractionStatus)
	require.NotNil(t, done.Extraction)
	assert.Equal(t, "SRC-01", done.Extraction.SourceKey)
	assert.Equal(t, 120.5, *done.Extraction.Amount.Cleaned)
	assert.Equal(t, "attribute", done.Extraction.Diagnosis.Provenance.Strategy)
	assert.Equal(t, model.ExtractionNone, h.record(t, "rec-april").ExtractionStatus)

	assert.Equal(t, []string{"item/3-failed", "item/7-failed"}, h.artifacts.labels)
	require.Len(t, h.sessions.opened, 1)
	assert.Equal(t, 1, h.sessions.opened[0].closed())

	first := h.steps(t, run.ID)
	assertContiguous(t, first)
	assert.Equal(t, "finish", first[len(first)-1].Label)
	assert.Equal(t, len(first), h.events.channels[EventChannel(run.ID)])

	// Resume only touches the two failed records.
	h.source.fail = map[string]error{}
	h.source.located = nil
	got, err = h.engine.Execute(ctx, run.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 10, got.CompletedCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.Equal(t, []string{"100003", "100007"}, h.source.locatedKeys())

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), stored.Metadata[model.MetaResumes])
	assert.Len(t, stored.MetaStrings(model.MetaRecordIDs), 10)

	all := h.steps(t, run.ID)
	assertContiguous(t, all)
	assert.Greater(t, len(all), len(first))
}

func TestExecute_TerminalRunWithoutResumeIsNoop(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 2)
	ctx := context.Background()

	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)
	before := len(h.steps(t, run.ID))

	got, err := h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Len(t, h.source.locatedKeys(), 2)
	assert.Len(t, h.steps(t, run.ID), before)
}

func TestExtraction_CancelBetweenItems(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10)
	ctx := context.Background()

	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	h.source.onLocate = func(n int) {
		if n == 4 {
			require.NoError(t, h.store.RequestCancel(ctx, run.ID))
		}
	}

	got, err := h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, got.Status)
	assert.Equal(t, 4, got.CompletedCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.Equal(t, "canceled after 4 of 10 records", got.ErrorMessage)
	assert.Len(t, h.source.locatedKeys(), 4)
	assert.Equal(t, model.ExtractionNone, h.record(t, "rec-05").ExtractionStatus)

	got, err = h.engine.Execute(ctx, run.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 10, got.CompletedCount)
	assert.False(t, got.CancelRequested)
	assert.Len(t, h.source.locatedKeys(), 10)
}

func TestExtraction_AuthFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 3)
	ctx := context.Background()
	h.source.authErr = failure.Auth("login", portal.ErrBadCredentials)

	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	got, err := h.engine.Execute(ctx, run.ID, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, portal.ErrBadCredentials)
	assert.Equal(t, failure.KindAuth, failure.KindOf(err))

	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "auth")
	assert.Equal(t, 0, got.CompletedCount+got.FailedCount)
	assert.Empty(t, h.source.locatedKeys())
	assert.Equal(t, model.ExtractionNone, h.record(t, "rec-01").ExtractionStatus)
	assert.Equal(t, 1, h.sessions.opened[0].closed())
	assert.Equal(t, []string{"authenticate-clinic"}, h.artifacts.labels)
}

func TestExtraction_NetworkFailureStopsBatch(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 8)
	ctx := context.Background()
	h.source.fail["100005"] = failure.Network("load record", errors.New("connection reset"))

	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	got, err := h.engine.Execute(ctx, run.ID, false)
	require.Error(t, err)
	assert.Equal(t, failure.KindNetwork, failure.KindOf(err))
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, 4, got.CompletedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Len(t, h.source.locatedKeys(), 5)
	assert.Equal(t, model.ExtractionFailed, h.record(t, "rec-05").ExtractionStatus)

	// A failed run stays resumable.
	h.source.fail = map[string]error{}
	got, err = h.engine.Execute(ctx, run.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 8, got.CompletedCount)
}

func TestExtraction_RecordPageTimeoutIsItemLevel(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 6)
	ctx := context.Background()
	h.source.locateFail = map[string]error{
		"100004": portal.NavigationFailure("locate record", errors.New("Timeout 30000ms exceeded waiting for networkidle")),
	}

	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	got, err := h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 5, got.CompletedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Len(t, h.source.locatedKeys(), 6)
	assert.Equal(t, model.ExtractionFailed, h.record(t, "rec-04").ExtractionStatus)
	assert.Equal(t, []string{"item/4-failed"}, h.artifacts.labels)
	assert.Equal(t, 1, h.sessions.begun)
}

func TestExtraction_SessionFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 2)
	h.sessions.err = failure.Network("acquire proxy", errors.New("no valid proxy"))
	ctx := context.Background()

	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	got, err := h.engine.Execute(ctx, run.ID, false)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no valid proxy")
}

func TestExtraction_NoRecordsCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, err := h.engine.StartExtraction(ctx, day(1), day(2))
	require.NoError(t, err)
	got, err := h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 0, got.TotalRecords)
	assert.Empty(t, h.sessions.opened)
}

func TestStartExtraction_InvalidRange(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.StartExtraction(context.Background(), day(5), day(1))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmission_DraftAndUnknownTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedExtracted(t, "sub-1", "insurer")
	h.seedExtracted(t, "sub-2", "insurer")
	h.seedExtracted(t, "sub-3", "nowhere")

	run, err := h.engine.StartSubmission(ctx, nil, true, false)
	require.NoError(t, err)
	got, err := h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 3, got.TotalRecords)
	assert.Equal(t, 2, got.CompletedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Len(t, h.target.filled, 2)

	sub := h.record(t, "sub-1")
	assert.Equal(t, model.SubmissionDraft, sub.SubmissionStatus)
	assert.Equal(t, "CLM-1", sub.SubmissionMetadata["reference"])
	assert.Equal(t, run.ID, sub.SubmissionMetadata["run_id"])

	bad := h.record(t, "sub-3")
	assert.Equal(t, model.SubmissionError, bad.SubmissionStatus)
	assert.Contains(t, bad.SubmissionMetadata["error"], "nowhere")

	require.Len(t, h.sessions.opened, 1)
	assert.Equal(t, 1, h.sessions.opened[0].closed())
}

func TestSubmission_LeaveSessionOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedExtracted(t, "sub-1", "insurer")

	run, err := h.engine.StartSubmission(ctx, []string{"sub-1", "sub-1", "missing"}, false, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-1", "missing"}, run.MetaStrings(model.MetaRecordIDs))

	got, err := h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, model.SubmissionSubmitted, h.record(t, "sub-1").SubmissionStatus)
	require.Len(t, h.sessions.opened, 1)
	assert.Equal(t, 0, h.sessions.opened[0].closed())
}

func TestSubmission_SaveFailureIsItemLevel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedExtracted(t, "sub-1", "insurer")
	h.target.saveErr = failure.Locator("click submit", errors.New("button not found"))

	run, err := h.engine.StartSubmission(ctx, []string{"sub-1"}, false, false)
	require.NoError(t, err)
	got, err := h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.FailedCount)

	rec := h.record(t, "sub-1")
	assert.Equal(t, model.SubmissionError, rec.SubmissionStatus)
	assert.Equal(t, "locator", rec.SubmissionMetadata["kind"])
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1)
	ctx := context.Background()

	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	got, err := h.engine.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, got.Status)
	assert.Equal(t, "canceled before start", got.ErrorMessage)

	// A queued task for the canceled run does nothing.
	_, err = h.engine.Execute(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Empty(t, h.source.locatedKeys())

	_, err = h.engine.Cancel(ctx, run.ID)
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	_, err = h.engine.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_RunningSetsFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	run.Status = model.RunStatusRunning
	require.NoError(t, h.store.UpdateRun(ctx, run))

	got, err := h.engine.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	flag, err := h.store.CancelRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, flag)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1)
	ctx := context.Background()

	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	run.Status = model.RunStatusRunning
	require.NoError(t, h.store.UpdateRun(ctx, run))
	assert.ErrorIs(t, h.engine.Delete(ctx, run.ID), ErrRunActive)

	run.Status = model.RunStatusFailed
	require.NoError(t, h.store.UpdateRun(ctx, run))
	require.NoError(t, h.engine.Delete(ctx, run.ID))
	_, err = h.store.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{run.ID}, h.artifacts.deleted)
}

func TestExecute_LockedRunIsBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)

	unlock, err := h.engine.locker.Lock(ctx, lockKey(run.ID))
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, run.ID, false)
	assert.ErrorIs(t, err, ErrBusy)
	unlock()

	_, err = h.engine.Execute(ctx, run.ID, false)
	assert.NoError(t, err)
}

func TestExecute_InterruptedContextFailsRun(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run, err := h.engine.StartExtraction(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	h.source.onLocate = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	got, err := h.engine.Execute(ctx, run.ID, false)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, failure.KindCanceled, failure.KindOf(err))
	assert.Equal(t, 2, got.CompletedCount)

	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
}

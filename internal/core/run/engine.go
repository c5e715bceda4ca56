// Package run sequences portal operations into persisted, resumable batch runs.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"portalbridge/internal/artifacts"
	"portalbridge/internal/core/browser"
	"portalbridge/internal/core/extract"
	"portalbridge/internal/core/portal"
	"portalbridge/internal/logger"
	"portalbridge/internal/model"
	"portalbridge/internal/store"
)

var (
	// ErrInvalidRequest is returned for malformed start parameters.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrRunActive is returned when deleting a run that is still running.
	ErrRunActive = errors.New("run is still running")
	// ErrAlreadyFinished is returned when canceling a terminal run.
	ErrAlreadyFinished = errors.New("run already finished")
)

// Sessions opens browsing sessions bound to a validated egress path.
type Sessions interface {
	Open(ctx context.Context) (browser.Session, error)
}

// runScoped is implemented by Sessions that keep per-run state, such as the
// set of rejected proxies.
type runScoped interface {
	BeginRun()
}

// Artifacts stores debugging screenshots.
type Artifacts interface {
	Capture(ctx context.Context, c artifacts.Capturer, runID string, ordinal int, label string) (artifacts.Artifact, error)
	DeleteRun(runID string) error
}

// Options wires an Engine.
type Options struct {
	Store     store.Store
	Sessions  Sessions
	Portals   *portal.Registry
	Pipeline  *extract.Pipeline
	Artifacts Artifacts
	Locker    Locker
	Events    Publisher
	// ItemInterval paces batch items; zero disables pacing.
	ItemInterval time.Duration
	// RunTimeout bounds one execution; zero means no bound.
	RunTimeout time.Duration
	NewID      func() string
	Now        func() time.Time
	Logger     *logger.Logger
}

// Engine creates runs and executes them.
type Engine struct {
	store      store.Store
	sessions   Sessions
	portals    *portal.Registry
	pipeline   *extract.Pipeline
	artifacts  Artifacts
	locker     Locker
	events     Publisher
	interval   time.Duration
	runTimeout time.Duration
	newID      func() string
	now        func() time.Time
	log        *logger.Logger
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:      opts.Store,
		sessions:   opts.Sessions,
		portals:    opts.Portals,
		pipeline:   opts.Pipeline,
		artifacts:  opts.Artifacts,
		locker:     opts.Locker,
		events:     opts.Events,
		interval:   opts.ItemInterval,
		runTimeout: opts.RunTimeout,
		newID:      opts.NewID,
		now:        opts.Now,
		log:        opts.Logger,
	}
	if e.pipeline == nil {
		e.pipeline = extract.Default()
	}
	if e.locker == nil {
		e.locker = NewKeyedMutex()
	}
	if e.events == nil {
		e.events = nopPublisher{}
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = logger.New("RunEngine")
	}
	return e
}

const dateLayout = "2006-01-02"

// StartExtraction creates a pending extraction run over records whose
// service date falls in [from, to]. Zero bounds are open.
func (e *Engine) StartExtraction(ctx context.Context, from, to time.Time) (*model.Run, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: to %s is before from %s", ErrInvalidRequest, to.Format(dateLayout), from.Format(dateLayout))
	}
	run := e.newRun(model.RunKindExtraction)
	if !from.IsZero() {
		run.SetMeta(model.MetaFrom, from.Format(dateLayout))
	}
	if !to.IsZero() {
		run.SetMeta(model.MetaTo, to.Format(dateLayout))
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create extraction run: %w", err)
	}
	e.log.Info().Str("run", run.ID).Interface("metadata", run.Metadata).Msg("extraction run created")
	return run, nil
}

// StartSubmission creates a pending submission run. With no record ids the
// run picks every extracted record not yet submitted when it starts.
func (e *Engine) StartSubmission(ctx context.Context, recordIDs []string, saveAsDraft, leaveSessionOpen bool) (*model.Run, error) {
	seen := map[string]struct{}{}
	ids := make([]string, 0, len(recordIDs))
	for _, id := range recordIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty record id", ErrInvalidRequest)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	run := e.newRun(model.RunKindSubmission)
	if len(ids) > 0 {
		run.SetMeta(model.MetaRecordIDs, ids)
	}
	run.SetMeta(model.MetaSaveAsDraft, saveAsDraft)
	run.SetMeta(model.MetaLeaveSessionOpen, leaveSessionOpen)
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create submission run: %w", err)
	}
	e.log.Info().Str("run", run.ID).Int("records", len(ids)).Bool("draft", saveAsDraft).Msg("submission run created")
	return run, nil
}

func (e *Engine) newRun(kind model.RunKind) *model.Run {
	return &model.Run{
		ID:        e.newID(),
		Kind:      kind,
		Status:    model.RunStatusPending,
		CreatedAt: e.now().UTC(),
		Metadata:  map[string]any{},
	}
}

// Cancel stops a run. A pending run is canceled at once; a running one is
// flagged and stops at the next item boundary.
func (e *Engine) Cancel(ctx context.Context, runID string) (*model.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch {
	case run.Status.Terminal():
		return run, fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, runID, run.Status)
	case run.Status == model.RunStatusPending:
		unlock, err := e.locker.Lock(ctx, lockKey(runID))
		if err != nil {
			// An executor just picked it up; fall back to the flag.
			return run, e.store.RequestCancel(ctx, runID)
		}
		defer unlock()
		if err := model.CheckTransition(run.Status, model.RunStatusCanceled, false); err != nil {
			return nil, err
		}
		now := e.now().UTC()
		run.Status, run.FinishedAt = model.RunStatusCanceled, &now
		run.ErrorMessage = "canceled before start"
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return nil, err
		}
		e.log.Info().Str("run", runID).Msg("pending run canceled")
		return run, nil
	default:
		if err := e.store.RequestCancel(ctx, runID); err != nil {
			return nil, err
		}
		run.CancelRequested = true
		e.log.Info().Str("run", runID).Msg("cancellation requested")
		return run, nil
	}
}

// Delete removes a run with its steps and artifacts. Running runs must be
// canceled first.
func (e *Engine) Delete(ctx context.Context, runID string) error {
	unlock, err := e.locker.Lock(ctx, lockKey(runID))
	if err != nil {
		return err
	}
	defer unlock()
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == model.RunStatusRunning {
		return fmt.Errorf("%w: cancel %s before deleting it", ErrRunActive, runID)
	}
	if err := e.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	if e.artifacts != nil {
		if err := e.artifacts.DeleteRun(runID); err != nil {
			e.log.LogWarnf("delete artifacts of run %s: %v", runID, err)
		}
	}
	e.log.Info().Str("run", runID).Msg("run deleted")
	return nil
}

// Get returns a run.
func (e *Engine) Get(ctx context.Context, runID string) (*model.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// Steps returns the step log of a run.
func (e *Engine) Steps(ctx context.Context, runID string) ([]model.Step, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListSteps(ctx, runID)
}

// List returns runs matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

func lockKey(runID string) string { return "lock:run:" + runID }

// Execute runs runID to a terminal status. A terminal run is only
// re-executed when resume is set; it then reprocesses the records that are
// not done yet and its status never returns to running.
func (e *Engine) Execute(ctx context.Context, runID string, resume bool) (*model.Run, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(runID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	log := e.log.With(map[string]interface{}{"run": run.ID, "kind": string(run.Kind)})

	resuming := false
	switch {
	case run.Status.Terminal() && !resume:
		log.Info().Str("status", string(run.Status)).Msg("run already finished, nothing to do")
		return run, nil
	case run.Status.Terminal():
		resuming = true
		if err := e.store.ClearCancel(ctx, run.ID); err != nil {
			return nil, err
		}
		run.CancelRequested = false
		n, _ := run.Metadata[model.MetaResumes].(float64)
		run.SetMeta(model.MetaResumes, n+1)
	case run.Status == model.RunStatusPending:
		if err := model.CheckTransition(run.Status, model.RunStatusRunning, false); err != nil {
			return nil, err
		}
		now := e.now().UTC()
		run.Status, run.StartedAt = model.RunStatusRunning, &now
	default:
		// Running: a previous executor died mid-run; continue where it stopped.
		resuming = true
	}
	run.ErrorMessage = ""
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("mark run started: %w", err)
	}

	execCtx := ctx
	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}

	steps, err := newRecorder(ctx, e.store, e.events, run.ID, e.now, log)
	if err != nil {
		return nil, err
	}
	if rs, ok := e.sessions.(runScoped); ok {
		rs.BeginRun()
	}
	x := &execution{engine: e, run: run, steps: steps, log: log, resuming: resuming}
	outcome := x.execute(execCtx)
	return e.finish(context.WithoutCancel(ctx), x, outcome)
}

func (e *Engine) finish(ctx context.Context, x *execution, o outcome) (*model.Run, error) {
	run := x.run
	target := model.RunStatusCompleted
	switch {
	case o.canceled:
		target = model.RunStatusCanceled
	case o.err != nil:
		target = model.RunStatusFailed
	}
	if err := model.CheckTransition(run.Status, target, x.resuming); err != nil {
		return run, err
	}
	now := e.now().UTC()
	run.Status, run.FinishedAt = target, &now
	run.ErrorMessage = o.message()
	if err := run.CheckCounts(); err != nil {
		return run, err
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("persist final status: %w", err)
	}
	x.steps.record(ctx, "finish", map[string]any{
		"status":          string(run.Status),
		"total_records":   run.TotalRecords,
		"completed_count": run.CompletedCount,
		"failed_count":    run.FailedCount,
		"error_message":   run.ErrorMessage,
	})

	ev := x.log.Info()
	if target == model.RunStatusFailed {
		ev = x.log.Error().Err(o.err)
	}
	ev.Str("status", string(target)).
		Int("total", run.TotalRecords).
		Int("completed", run.CompletedCount).
		Int("failed", run.FailedCount).
		Msg("run finished")
	if target == model.RunStatusFailed {
		return run, o.err
	}
	return run, nil
}

func (e *Engine) limiter() *rate.Limiter {
	if e.interval <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(e.interval), 1)
}

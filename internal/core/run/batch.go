package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portalbridge/internal/core/browser"
	"portalbridge/internal/core/failure"
	"portalbridge/internal/core/identity"
	"portalbridge/internal/core/portal"
	"portalbridge/internal/logger"
	"portalbridge/internal/model"
	"portalbridge/internal/store"
)

// maxBatch bounds how many records one run resolves.
const maxBatch = 10000

// outcome is how a batch ended.
type outcome struct {
	canceled bool
	err      error
	done     int
	total    int
}

func (o outcome) message() string {
	switch {
	case o.canceled:
		return fmt.Sprintf("canceled after %d of %d records", o.done, o.total)
	case o.err != nil:
		return fmt.Sprintf("%s: %v", failure.KindOf(o.err), o.err)
	}
	return ""
}

// itemError is a per-record failure that does not stop the batch.
type itemError struct {
	kind   failure.Kind
	reason string
}

type execution struct {
	engine   *Engine
	run      *model.Run
	steps    *recorder
	log      *logger.Logger
	resuming bool

	sessions map[string]browser.Session
	authed   map[string]bool
}

func (x *execution) execute(ctx context.Context) outcome {
	persist := context.WithoutCancel(ctx)
	x.sessions = map[string]browser.Session{}
	x.authed = map[string]bool{}
	keepOpen := x.run.Kind == model.RunKindSubmission && x.run.MetaBool(model.MetaLeaveSessionOpen)
	o := outcome{}
	defer func() { x.closeSessions(keepOpen && o.err == nil && !o.canceled) }()

	ids, err := x.resolve(ctx)
	if err != nil {
		o.err = err
		return o
	}
	draft := x.run.MetaBool(model.MetaSaveAsDraft)

	records := make([]*model.Record, len(ids))
	x.run.TotalRecords, x.run.CompletedCount, x.run.FailedCount = len(ids), 0, 0
	for i, id := range ids {
		rec, err := x.engine.store.GetRecord(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			o.err = failure.Internal("load record", err)
			return o
		}
		records[i] = rec
		if rec.Done(x.run.Kind, draft) {
			x.run.CompletedCount++
		}
	}
	o.total = len(ids)
	if err := x.engine.store.UpdateRun(persist, x.run); err != nil {
		o.err = failure.Internal("update counts", err)
		return o
	}
	x.steps.record(persist, "resolve_records", map[string]any{
		"total":    len(ids),
		"done":     x.run.CompletedCount,
		"resuming": x.resuming,
	})
	if len(ids) == x.run.CompletedCount {
		x.log.Info().Int("total", len(ids)).Msg("no pending records")
		return o
	}
	if x.run.Kind == model.RunKindExtraction {
		if _, err := x.session(ctx, x.engine.portals.Source); err != nil {
			o.err = err
			return o
		}
	}

	limiter := x.engine.limiter()
	for i, id := range ids {
		rec := records[i]
		if rec != nil && rec.Done(x.run.Kind, draft) {
			continue
		}
		if x.cancelRequested(ctx) {
			o.canceled = true
			o.done = x.run.CompletedCount + x.run.FailedCount
			return o
		}
		if err := ctx.Err(); err != nil {
			o.err = failure.New(failure.KindCanceled, "run interrupted", err)
			return o
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				o.err = failure.New(failure.KindCanceled, "run interrupted", err)
				return o
			}
		}

		label := fmt.Sprintf("item/%d", i+1)
		x.steps.record(persist, label, map[string]any{"record_id": id, "position": i + 1})

		var ierr *itemError
		var fatal error
		if rec == nil {
			ierr = &itemError{kind: failure.KindValidation, reason: "record does not exist"}
		} else if x.run.Kind == model.RunKindExtraction {
			ierr, fatal = x.extractOne(ctx, rec)
		} else {
			ierr, fatal = x.submitOne(ctx, rec, draft)
		}

		result := map[string]any{"record_id": id, "status": "completed"}
		if fatal != nil {
			ierr = &itemError{kind: failure.KindOf(fatal), reason: fatal.Error()}
		}
		if ierr != nil {
			x.run.FailedCount++
			result["status"] = "failed"
			result["kind"] = string(ierr.kind)
			result["reason"] = ierr.reason
			x.log.Warn().Str("record", id).Str("kind", string(ierr.kind)).Msg(ierr.reason)
		} else {
			x.run.CompletedCount++
		}
		step := x.steps.record(persist, label+"/result", result)
		if ierr != nil {
			x.capture(persist, x.sessionFor(rec), step.Ordinal, label+"-failed")
		}
		if err := x.engine.store.UpdateRun(persist, x.run); err != nil {
			o.err = failure.Internal("update counts", err)
			return o
		}
		if fatal != nil {
			if ctx.Err() != nil && failure.KindOf(fatal) != failure.KindCanceled {
				fatal = failure.New(failure.KindCanceled, "run interrupted", ctx.Err())
			}
			o.err = fatal
			return o
		}
	}
	return o
}

// resolve returns the record ids the run covers, fixing them in the run
// metadata on first execution so resumes see the same batch.
func (x *execution) resolve(ctx context.Context) ([]string, error) {
	if ids := x.run.MetaStrings(model.MetaRecordIDs); len(ids) > 0 {
		return ids, nil
	}
	filter := store.RecordFilter{Limit: maxBatch}
	switch x.run.Kind {
	case model.RunKindExtraction:
		var err error
		if filter.From, err = parseDate(x.run.MetaString(model.MetaFrom)); err != nil {
			return nil, failure.New(failure.KindValidation, "resolve records", err)
		}
		if filter.To, err = parseDate(x.run.MetaString(model.MetaTo)); err != nil {
			return nil, failure.New(failure.KindValidation, "resolve records", err)
		}
		if !filter.To.IsZero() {
			filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
		}
	case model.RunKindSubmission:
		filter.ExtractionStatus = []model.ExtractionStatus{model.ExtractionCompleted}
	}
	recs, err := x.engine.store.ListRecords(ctx, filter)
	if err != nil {
		return nil, failure.Internal("resolve records", err)
	}
	draft := x.run.MetaBool(model.MetaSaveAsDraft)
	ids := make([]string, 0, len(recs))
	for i := range recs {
		if x.run.Kind == model.RunKindSubmission && recs[i].Done(model.RunKindSubmission, draft) {
			continue
		}
		ids = append(ids, recs[i].ID)
	}
	x.run.SetMeta(model.MetaRecordIDs, ids)
	return ids, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s)
}

func (x *execution) cancelRequested(ctx context.Context) bool {
	flag, err := x.engine.store.CancelRequested(context.WithoutCancel(ctx), x.run.ID)
	if err != nil {
		x.log.LogWarnf("read cancel flag: %v", err)
		return false
	}
	return flag
}

// session returns the authenticated session for a portal, opening one
// isolated session per portal.
func (x *execution) session(ctx context.Context, agent portal.Agent) (browser.Session, error) {
	name := agent.Name()
	if s, ok := x.sessions[name]; ok && x.authed[name] {
		return s, nil
	}
	s, ok := x.sessions[name]
	if !ok {
		var err error
		s, err = x.engine.sessions.Open(ctx)
		if err != nil {
			x.steps.record(context.WithoutCancel(ctx), "open_session/"+name, map[string]any{
				"status": "failed", "kind": string(failure.KindOf(err)), "reason": err.Error(),
			})
			return nil, err
		}
		x.sessions[name] = s
		info := s.Info()
		payload := map[string]any{"session": info.ID, "portal": name}
		if info.Proxy != "" {
			payload["proxy"] = info.Proxy
			x.run.SetMeta(model.MetaProxy, info.Proxy)
		}
		x.steps.record(context.WithoutCancel(ctx), "open_session/"+name, payload)
	}

	step := x.steps.record(context.WithoutCancel(ctx), "authenticate/"+name, map[string]any{"portal": name})
	if err := agent.Authenticate(ctx, s); err != nil {
		x.capture(context.WithoutCancel(ctx), s, step.Ordinal, "authenticate-"+name)
		x.steps.record(context.WithoutCancel(ctx), "authenticate/"+name+"/result", map[string]any{
			"status": "failed", "kind": string(failure.KindOf(err)), "reason": err.Error(),
		})
		return nil, err
	}
	x.authed[name] = true
	x.steps.record(context.WithoutCancel(ctx), "authenticate/"+name+"/result", map[string]any{"status": "completed"})
	return s, nil
}

// itemFailure splits err into an item-level failure or a fatal one.
func itemFailure(err error) (*itemError, error) {
	if failure.IsFatal(err) {
		return nil, err
	}
	return &itemError{kind: failure.KindOf(err), reason: err.Error()}, nil
}

func (x *execution) extractOne(ctx context.Context, rec *model.Record) (*itemError, error) {
	e := x.engine
	agent := e.portals.Source
	s, err := x.session(ctx, agent)
	if err != nil {
		return nil, err
	}
	persist := context.WithoutCancel(ctx)
	if err := e.store.UpdateExtraction(persist, rec.ID, store.ExtractionUpdate{
		Status: model.ExtractionInProgress, AttemptAt: e.now().UTC(),
	}); err != nil {
		return nil, failure.Internal("mark extraction in progress", err)
	}
	markFailed := func() {
		if err := e.store.UpdateExtraction(persist, rec.ID, store.ExtractionUpdate{
			Status: model.ExtractionFailed, AttemptAt: e.now().UTC(),
		}); err != nil {
			x.log.LogErrorf("mark extraction failed for %s: %v", rec.ID, err)
		}
	}

	id := identity.Normalize(rec.Identifier, rec.NationalID, rec.Name)
	if err := agent.Locate(ctx, s, id); err != nil {
		markFailed()
		return itemFailure(err)
	}
	raw, err := agent.Extract(ctx, s)
	if err != nil {
		markFailed()
		return itemFailure(err)
	}
	if raw.SourceKey == "" {
		raw.SourceKey = rec.SourceKey
	}
	result := e.pipeline.Validate(raw)
	status := model.ExtractionCompleted
	var ierr *itemError
	if !result.Usable() {
		status = model.ExtractionFailed
		ierr = &itemError{kind: failure.KindValidation, reason: fmt.Sprintf("extraction not usable: %v", result.Rejections())}
	}
	if err := e.store.UpdateExtraction(persist, rec.ID, store.ExtractionUpdate{
		Status: status, AttemptAt: e.now().UTC(), Result: result,
	}); err != nil {
		return nil, failure.Internal("save extraction", err)
	}
	return ierr, nil
}

func (x *execution) submitOne(ctx context.Context, rec *model.Record, draft bool) (*itemError, error) {
	e := x.engine
	persist := context.WithoutCancel(ctx)
	fail := func(kind failure.Kind, reason string) *itemError {
		if err := e.store.UpdateSubmission(persist, rec.ID, store.SubmissionUpdate{
			Status:    model.SubmissionError,
			AttemptAt: e.now().UTC(),
			Metadata:  map[string]any{"target": rec.Target, "kind": string(kind), "error": reason},
		}); err != nil {
			x.log.LogErrorf("mark submission error for %s: %v", rec.ID, err)
		}
		return &itemError{kind: kind, reason: reason}
	}

	if rec.ExtractionStatus != model.ExtractionCompleted || !rec.Extraction.Usable() {
		return fail(failure.KindValidation, "record has no usable extraction"), nil
	}
	agent, ok := e.portals.Target(rec.Target)
	if !ok {
		return fail(failure.KindValidation, fmt.Sprintf("unknown target portal %q", rec.Target)), nil
	}
	s, err := x.session(ctx, agent)
	if err != nil {
		fail(failure.KindOf(err), err.Error())
		return nil, err
	}

	nationalID := rec.NationalID
	if nationalID == "" && rec.Extraction.NationalID.Valid() {
		nationalID = *rec.Extraction.NationalID.Cleaned
	}
	id := identity.Normalize(rec.Identifier, nationalID, rec.Name)
	step := func(err error) (*itemError, error) {
		ie, fatal := itemFailure(err)
		if fatal != nil {
			fail(failure.KindOf(fatal), fatal.Error())
			return nil, fatal
		}
		return fail(ie.kind, ie.reason), nil
	}
	if err := agent.Locate(ctx, s, id); err != nil {
		return step(err)
	}
	if err := agent.Fill(ctx, s, rec.Extraction); err != nil {
		return step(err)
	}
	receipt, err := agent.Save(ctx, s, draft)
	if err != nil {
		return step(err)
	}
	status := model.SubmissionSubmitted
	if draft {
		status = model.SubmissionDraft
	}
	meta := receipt.Metadata()
	meta["run_id"] = x.run.ID
	if err := e.store.UpdateSubmission(persist, rec.ID, store.SubmissionUpdate{
		Status: status, AttemptAt: e.now().UTC(), Metadata: meta,
	}); err != nil {
		return nil, failure.Internal("save submission", err)
	}
	return nil, nil
}

// sessionFor returns the open session that handled rec, if any.
func (x *execution) sessionFor(rec *model.Record) browser.Session {
	if rec == nil {
		return nil
	}
	name := x.engine.portals.Source.Name()
	if x.run.Kind == model.RunKindSubmission {
		name = rec.Target
	}
	return x.sessions[name]
}

// capture stores a screenshot of s. Failures are logged.
func (x *execution) capture(ctx context.Context, s browser.Session, ordinal int, label string) {
	if x.engine.artifacts == nil || s == nil {
		return
	}
	a, err := x.engine.artifacts.Capture(ctx, s, x.run.ID, ordinal, label)
	if err != nil {
		x.log.LogWarnf("capture %s: %v", label, err)
		return
	}
	x.log.Debug().Str("path", a.Path).Str("object", a.Object).Msg("artifact captured")
}

func (x *execution) closeSessions(keepOpen bool) {
	for name, s := range x.sessions {
		if keepOpen {
			x.log.Info().Str("portal", name).Str("session", s.Info().ID).Msg("leaving session open")
			continue
		}
		if err := s.Close(); err != nil {
			x.log.LogWarnf("close session for %s: %v", name, err)
		}
	}
}

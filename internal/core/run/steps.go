package run

import (
	"context"
	"sync"
	"time"

	"portalbridge/internal/logger"
	"portalbridge/internal/model"
	"portalbridge/internal/store"
)

// recorder appends steps to a run with strictly increasing ordinals and
// publishes each one on the run's event channel.
type recorder struct {
	mu     sync.Mutex
	store  store.Store
	events Publisher
	runID  string
	next   int
	now    func() time.Time
	log    *logger.Logger
}

// newRecorder continues numbering after the last persisted step so a
// resumed run keeps one ordered log.
func newRecorder(ctx context.Context, st store.Store, events Publisher, runID string, now func() time.Time, log *logger.Logger) (*recorder, error) {
	existing, err := st.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	next := 1
	for _, s := range existing {
		if s.Ordinal >= next {
			next = s.Ordinal + 1
		}
	}
	return &recorder{store: st, events: events, runID: runID, next: next, now: now, log: log}, nil
}

// record appends a step. A step that cannot be persisted is logged; the
// returned step still carries the ordinal it was given.
func (r *recorder) record(ctx context.Context, label string, payload map[string]any) model.Step {
	r.mu.Lock()
	step := model.Step{
		RunID:     r.runID,
		Ordinal:   r.next,
		Label:     label,
		Payload:   payload,
		Timestamp: r.now().UTC(),
	}
	r.next++
	r.mu.Unlock()

	if err := r.store.AppendStep(ctx, step); err != nil {
		r.log.LogErrorf("append step %d (%s): %v", step.Ordinal, label, err)
		return step
	}
	if err := r.events.Publish(ctx, EventChannel(r.runID), step); err != nil {
		r.log.LogDebugf("publish step %d: %v", step.Ordinal, err)
	}
	return step
}

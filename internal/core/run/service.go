package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"portalbridge/internal/logger"
	"portalbridge/internal/model"
	"portalbridge/internal/platform/tasks"
	"portalbridge/internal/store"
)

// Service creates runs and hands them to the worker queue.
type Service struct {
	engine     *Engine
	tasks      tasks.Enqueuer
	maxRetries int
	log        *logger.Logger
}

func NewService(engine *Engine, t tasks.Enqueuer, maxRetries int) *Service {
	return &Service{engine: engine, tasks: t, maxRetries: maxRetries, log: logger.New("RunService")}
}

func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) StartExtraction(ctx context.Context, from, to time.Time) (*model.Run, error) {
	run, err := s.engine.StartExtraction(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return run, s.enqueue(ctx, tasks.TaskTypeExtraction, run)
}

func (s *Service) StartSubmission(ctx context.Context, recordIDs []string, saveAsDraft, leaveSessionOpen bool) (*model.Run, error) {
	run, err := s.engine.StartSubmission(ctx, recordIDs, saveAsDraft, leaveSessionOpen)
	if err != nil {
		return nil, err
	}
	return run, s.enqueue(ctx, tasks.TaskTypeSubmission, run)
}

// Resume queues a finished run for re-execution.
func (s *Service) Resume(ctx context.Context, runID string) (*model.Run, error) {
	run, err := s.engine.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return run, fmt.Errorf("%w: %s is %s", ErrRunActive, runID, run.Status)
	}
	task, err := tasks.NewRunTask(tasks.TaskTypeResume, run.ID)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.Enqueue(task, tasks.QueueRuns, s.maxRetries); err != nil {
		return nil, fmt.Errorf("enqueue resume of %s: %w", run.ID, err)
	}
	s.log.LogInfof("enqueued resume of run %s", run.ID)
	return run, nil
}

func (s *Service) enqueue(ctx context.Context, typ string, run *model.Run) error {
	task, err := tasks.NewRunTask(typ, run.ID)
	if err == nil {
		err = s.tasks.Enqueue(task, tasks.QueueRuns, s.maxRetries)
	}
	if err != nil {
		// Nothing will ever pick the run up; close it.
		now := time.Now().UTC()
		run.Status, run.FinishedAt = model.RunStatusFailed, &now
		run.ErrorMessage = "enqueue: " + err.Error()
		if uerr := s.engine.store.UpdateRun(ctx, run); uerr != nil {
			s.log.LogErrorf("mark run %s failed: %v", run.ID, uerr)
		}
		return fmt.Errorf("enqueue run %s: %w", run.ID, err)
	}
	s.log.LogInfof("enqueued %s run %s", run.Kind, run.ID)
	return nil
}

// HandleRunTask executes the run named by a run:* task. Failed runs are not
// retried by the queue; they stay resumable instead.
func (s *Service) HandleRunTask(ctx context.Context, task *asynq.Task) error {
	p, err := tasks.ParseRunPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	resume := task.Type() == tasks.TaskTypeResume
	run, err := s.engine.Execute(ctx, p.RunID, resume)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBusy):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("run %s: %v: %w", p.RunID, err, asynq.SkipRetry)
	case run != nil && run.Status == model.RunStatusFailed:
		return fmt.Errorf("run %s failed: %v: %w", p.RunID, err, asynq.SkipRetry)
	default:
		return err
	}
}

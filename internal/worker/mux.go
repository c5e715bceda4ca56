package worker

import (
	"context"

	"github.com/hibiken/asynq"

	"portalbridge/internal/logger"
)

type Mux struct {
	mux *asynq.ServeMux
	log *logger.Logger
}

func NewMux() *Mux { return &Mux{mux: asynq.NewServeMux(), log: logger.New("Worker")} }

// HandleFunc registers h for task type t. Every task is logged with its
// outcome; errors are returned to asynq for its retry policy.
func (m *Mux) HandleFunc(t string, h func(ctx context.Context, task *asynq.Task) error) {
	m.mux.HandleFunc(t, func(ctx context.Context, task *asynq.Task) error {
		m.log.Info().Str("type", task.Type()).Msg("task started")
		if err := h(ctx, task); err != nil {
			m.log.Error().Str("type", task.Type()).Err(err).Msg("task failed")
			return err
		}
		m.log.Success().Str("type", task.Type()).Msg("task finished")
		return nil
	})
}

func (m *Mux) Mux() *asynq.ServeMux { return m.mux }

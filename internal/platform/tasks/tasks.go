package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"portalbridge/internal/platform/redis"
)

const (
	TaskTypeExtraction = "run:extraction"
	TaskTypeSubmission = "run:submission"
	TaskTypeResume     = "run:resume"

	QueueRuns = "runs"
)

// RunPayload identifies the run a task executes.
type RunPayload struct {
	RunID string `json:"run_id"`
}

// NewRunTask builds a task of typ for runID.
func NewRunTask(typ, runID string) (*asynq.Task, error) {
	switch typ {
	case TaskTypeExtraction, TaskTypeSubmission, TaskTypeResume:
	default:
		return nil, fmt.Errorf("unknown run task type %q", typ)
	}
	payload, err := json.Marshal(RunPayload{RunID: runID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, payload), nil
}

// ParseRunPayload decodes a run task payload.
func ParseRunPayload(t *asynq.Task) (RunPayload, error) {
	var p RunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", t.Type(), err)
	}
	if p.RunID == "" {
		return p, fmt.Errorf("%s payload has no run_id", t.Type())
	}
	return p, nil
}

// Enqueuer is the part of Client the run service depends on.
type Enqueuer interface {
	Enqueue(task *asynq.Task, queue string, maxRetries int) error
}

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Enqueue(task *asynq.Task, queue string, maxRetries int) error {
	_, err := t.c.Enqueue(task, asynq.Queue(queue), asynq.MaxRetry(maxRetries))
	return err
}

func (t *Client) Close() error { return t.c.Close() }

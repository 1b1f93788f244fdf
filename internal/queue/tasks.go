// Package queue defines the asynq task types that connect the pipeline
// stages and the Enqueuer surface the stages use to emit them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"sheetline/internal/config"
	"sheetline/internal/envelope"
)

const (
	// IntakeBundleTask is scheduled when a new bundle lands in incoming/.
	IntakeBundleTask = "bundle:intake"
	// ValidateFileTask carries one file through validate/transform.
	ValidateFileTask = "file:validate"
	// ImportFileTask carries one validated file through import.
	ImportFileTask = "file:import"
)

// IntakePayload is serialized into the intake task so the detector knows
// which object to classify.
type IntakePayload struct {
	ObjectName  string `json:"object_name"`
	NotifyEmail string `json:"notify_email,omitempty"`
}

// Enqueuer is the queue surface the detector and stage workers depend on.
// The substrate delivers at least once; consumers are idempotent.
type Enqueuer interface {
	EnqueueIntake(ctx context.Context, payload IntakePayload) error
	EnqueueValidate(ctx context.Context, env envelope.Envelope) error
	EnqueueImport(ctx context.Context, env envelope.Envelope) error
}

// AsynqEnqueuer implements Enqueuer over an asynq client.
type AsynqEnqueuer struct {
	client *asynq.Client
	cfg    *config.Config
}

// NewAsynqEnqueuer constructs an AsynqEnqueuer.
func NewAsynqEnqueuer(client *asynq.Client, cfg *config.Config) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client, cfg: cfg}
}

// EnqueueIntake enqueues a bundle intake task.
func (q *AsynqEnqueuer) EnqueueIntake(ctx context.Context, payload IntakePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal intake payload: %w", err)
	}
	task := asynq.NewTask(IntakeBundleTask, data)
	if _, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.cfg.IntakeQueue),
		asynq.MaxRetry(q.cfg.MaxRetry),
		asynq.Timeout(q.cfg.OperationTimeout),
	); err != nil {
		return fmt.Errorf("enqueue intake task: %w", err)
	}
	return nil
}

// EnqueueValidate enqueues a stage-1 envelope.
func (q *AsynqEnqueuer) EnqueueValidate(ctx context.Context, env envelope.Envelope) error {
	return q.enqueueEnvelope(ctx, ValidateFileTask, q.cfg.Stage1Queue, env)
}

// EnqueueImport enqueues a stage-2 envelope.
func (q *AsynqEnqueuer) EnqueueImport(ctx context.Context, env envelope.Envelope) error {
	return q.enqueueEnvelope(ctx, ImportFileTask, q.cfg.Stage2Queue, env)
}

func (q *AsynqEnqueuer) enqueueEnvelope(ctx context.Context, taskType, queueName string, env envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskType, data)
	if _, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(queueName),
		asynq.MaxRetry(q.cfg.MaxRetry),
		asynq.Timeout(q.cfg.OperationTimeout),
	); err != nil {
		return fmt.Errorf("enqueue %s task: %w", taskType, err)
	}
	return nil
}

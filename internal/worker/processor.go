// Package worker hosts the stateless stage handlers that are plugged into
// the asynq worker loop. Each invocation handles exactly one message; there
// is no shared in-process state between invocations, so any number of worker
// instances can run concurrently. Correctness under redelivery rests on the
// ledger's exactly-once terminal marking and the tolerant object moves.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"sheetline/internal/blobstore"
	"sheetline/internal/intake"
	"sheetline/internal/ledger"
	"sheetline/internal/notify"
	"sheetline/internal/pipeline"
	"sheetline/internal/queue"
)

// Processor wires the pipeline stages to their dependencies.
type Processor struct {
	ledger     ledger.Store
	store      blobstore.Store
	queue      queue.Enqueuer
	validator  pipeline.Validator
	importer   pipeline.Importer
	dispatcher *notify.Dispatcher
	detector   *intake.Detector
}

// NewProcessor constructs a worker processor.
func NewProcessor(led ledger.Store, store blobstore.Store, enq queue.Enqueuer, validator pipeline.Validator, importer pipeline.Importer, dispatcher *notify.Dispatcher) *Processor {
	return &Processor{
		ledger:     led,
		store:      store,
		queue:      enq,
		validator:  validator,
		importer:   importer,
		dispatcher: dispatcher,
		detector:   intake.NewDetector(store, led, enq),
	}
}

// Handler registers all stage handlers on one mux.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.IntakeBundleTask, p.handleIntake)
	mux.HandleFunc(queue.ValidateFileTask, p.handleValidate)
	mux.HandleFunc(queue.ImportFileTask, p.handleImport)
	return mux
}

func (p *Processor) handleIntake(ctx context.Context, task *asynq.Task) error {
	var payload queue.IntakePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode intake payload: %w: %w", err, asynq.SkipRetry)
	}
	return p.detector.Handle(ctx, payload)
}

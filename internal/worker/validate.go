package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"sheetline/internal/blobstore"
	"sheetline/internal/envelope"
	"sheetline/internal/ledger"
	"sheetline/internal/pipeline"
)

// handleValidate is the stage-1 handler: validate and transform one file,
// then hand it to import. It never finishes an entry as completed; the only
// terminal outcome it can produce is rejected.
func (p *Processor) handleValidate(ctx context.Context, task *asynq.Task) error {
	env, err := envelope.Decode(task.Payload())
	if err != nil {
		return fmt.Errorf("stage-1: %w: %w", err, asynq.SkipRetry)
	}
	log := logrus.WithFields(logrus.Fields{
		"stage": "validate",
		"batch": env.BatchID,
		"file":  env.FileName,
	})

	batch, err := p.ledger.Batch(ctx, env.BatchID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			log.Warn("no batch for envelope, dropping")
			return nil
		}
		return err
	}
	if env.RetryCount < batch.RetryCount {
		// A rerun re-registered the batch after this envelope was enqueued.
		// Acting on it would terminalize a fresh entry with stale work.
		log.WithField("attempt", env.RetryCount).Info("envelope from superseded attempt, dropping")
		return nil
	}

	entry, err := p.ledger.Entry(ctx, env.BatchID, env.FileName)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			log.Warn("no ledger entry for envelope, dropping")
			return nil
		}
		return err
	}
	if entry.Finished {
		log.Info("entry already terminal, dropping redelivered envelope")
		return nil
	}

	if env.Rerun {
		purged, err := p.ledger.PurgeStagedBefore(ctx, env.BatchID, env.RetryCount)
		if err != nil {
			return fmt.Errorf("purge staged rows for rerun: %w", err)
		}
		if purged > 0 {
			log.WithField("purged", purged).Info("purged staged rows from prior attempt")
		}
	}

	content, err := p.store.Get(ctx, blobstore.Processing, env.FileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotExist) {
			return p.resumeValidated(ctx, log, env)
		}
		return fmt.Errorf("load %s from processing: %w", env.FileName, err)
	}

	template, err := p.store.Get(ctx, blobstore.Templates, templateNameFor(env.FileName))
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotExist) {
			return fmt.Errorf("load template for %s: %w", env.FileName, err)
		}
		// Some file types require no template; proceed without one.
		log.Info("no template for file type")
	}

	result, err := p.runValidator(ctx, content, template, env.RetryCount)
	if err != nil {
		// Unexpected failure inside business logic still terminalizes the
		// entry so the batch cannot hang on this file.
		log.WithError(err).Error("validator failed")
		return p.rejectFromProcessing(ctx, log, env, "validation error: "+err.Error())
	}
	if !result.OK {
		log.WithField("reason", result.Reason).Info("file rejected by validation")
		return p.rejectFromProcessing(ctx, log, env, result.Reason)
	}

	if err := p.ledger.RecordStaged(ctx, env.BatchID, env.FileName, result.JobID, env.RetryCount); err != nil {
		return err
	}
	if err := p.store.Move(ctx, blobstore.Processing, blobstore.Importing, env.FileName); err != nil {
		return fmt.Errorf("move %s to importing: %w", env.FileName, err)
	}

	next := env
	next.JobID = result.JobID
	next.FileStatus = true
	next.Rerun = false
	if err := p.queue.EnqueueImport(ctx, next); err != nil {
		return err
	}
	log.WithField("job", result.JobID).Info("file validated and staged")
	return nil
}

// resumeValidated handles a redelivered stage-1 envelope whose object has
// already moved past processing/. If this worker crashed between the move
// and the stage-2 enqueue, the staged job id lets us finish the hop; if it
// crashed between a terminal move and the ledger mark, the mark is finished
// here so the batch cannot hang on the entry.
func (p *Processor) resumeValidated(ctx context.Context, log *logrus.Entry, env envelope.Envelope) error {
	inImporting, err := p.store.Exists(ctx, blobstore.Importing, env.FileName)
	if err != nil {
		return err
	}
	if !inImporting {
		inRejected, err := p.store.Exists(ctx, blobstore.Rejected, env.FileName)
		if err != nil {
			return err
		}
		if inRejected {
			return p.finishRelocated(ctx, log, env, blobstore.Rejected, ledger.OutcomeRejected, "rejected before worker restart, reason unrecorded")
		}
		inCompleted, err := p.store.Exists(ctx, blobstore.Completed, env.FileName)
		if err != nil {
			return err
		}
		if inCompleted {
			return p.finishRelocated(ctx, log, env, blobstore.Completed, ledger.OutcomeCompleted, "")
		}
		log.Warn("object missing from every pipeline location, dropping envelope")
		return nil
	}
	jobID, err := p.ledger.StagedJob(ctx, env.BatchID, env.FileName)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			log.Warn("object in importing but no staged job recorded, dropping envelope")
			return nil
		}
		return err
	}
	next := env
	next.JobID = jobID
	next.FileStatus = true
	next.Rerun = false
	if err := p.queue.EnqueueImport(ctx, next); err != nil {
		return err
	}
	log.WithField("job", jobID).Info("re-emitted stage-2 envelope for staged file")
	return nil
}

// finishRelocated marks an unfinished entry whose object already sits at a
// terminal location. The move had happened before a crash; only the ledger
// mark and the notification are still owed.
func (p *Processor) finishRelocated(ctx context.Context, log *logrus.Entry, env envelope.Envelope, loc blobstore.Location, outcome ledger.Outcome, errMsg string) error {
	mark, err := p.ledger.MarkTerminal(ctx, env.BatchID, env.FileName, outcome, errMsg)
	if err != nil {
		return err
	}
	if err := p.dispatcher.FileTerminal(ctx, env.BatchID, env.FileName, mark); err != nil {
		log.WithError(err).Error("notification dispatch failed")
	}
	log.WithField("location", loc).Info("finished ledger mark for object found at terminal location")
	return nil
}

// rejectFromProcessing terminalizes an entry from stage 1: relocate the
// object, mark the ledger, dispatch. Returning nil consumes the message; a
// business failure is not a queue failure.
func (p *Processor) rejectFromProcessing(ctx context.Context, log *logrus.Entry, env envelope.Envelope, reason string) error {
	if err := p.store.Move(ctx, blobstore.Processing, blobstore.Rejected, env.FileName); err != nil {
		return fmt.Errorf("move %s to rejected: %w", env.FileName, err)
	}
	mark, err := p.ledger.MarkTerminal(ctx, env.BatchID, env.FileName, ledger.OutcomeRejected, reason)
	if err != nil {
		return err
	}
	if err := p.dispatcher.FileTerminal(ctx, env.BatchID, env.FileName, mark); err != nil {
		log.WithError(err).Error("notification dispatch failed")
	}
	return nil
}

// runValidator invokes the external validator with panic containment: a
// crash in business logic converts to an error so the entry still reaches a
// terminal state.
func (p *Processor) runValidator(ctx context.Context, content, template []byte, retryCount int) (result *pipeline.ValidationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	result, err = p.validator.ValidateTransform(ctx, content, template, retryCount)
	if err == nil && result == nil {
		err = errors.New("validator returned no result")
	}
	return result, err
}

func templateNameFor(fileName string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")
	if ext == "" {
		ext = "default"
	}
	return ext + ".xlsx"
}

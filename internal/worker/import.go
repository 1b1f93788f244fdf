package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"sheetline/internal/blobstore"
	"sheetline/internal/envelope"
	"sheetline/internal/ledger"
	"sheetline/internal/pipeline"
)

// handleImport is the stage-2 handler: publish one staged file and
// terminalize its entry. The object move happens before the ledger mark so
// a crash between the two is healed by redelivery (entry still unfinished,
// move becomes a no-op).
func (p *Processor) handleImport(ctx context.Context, task *asynq.Task) error {
	env, err := envelope.Decode(task.Payload())
	if err != nil {
		return fmt.Errorf("stage-2: %w: %w", err, asynq.SkipRetry)
	}
	log := logrus.WithFields(logrus.Fields{
		"stage": "import",
		"batch": env.BatchID,
		"file":  env.FileName,
		"job":   env.JobID,
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
		// A rerun reset the batch after this envelope was enqueued; importing
		// the old attempt's job would terminalize the fresh entry.
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
		// Redelivery after a prior delivery marked the entry. No re-marking
		// and no re-notification, but an object stranded in importing/ by a
		// crash is still reconciled to its terminal location.
		return p.reconcileFinished(ctx, log, entry)
	}

	if _, parseErr := uuid.Parse(env.JobID); parseErr != nil {
		log.WithError(parseErr).Error("malformed job id on stage-2 envelope")
		return p.terminalize(ctx, log, env, ledger.OutcomeRejected, fmt.Sprintf("malformed job id %q", env.JobID))
	}

	result, err := p.runImporter(ctx, env.JobID)
	switch {
	case err != nil:
		log.WithError(err).Error("importer failed")
		return p.terminalize(ctx, log, env, ledger.OutcomeRejected, "import error: "+err.Error())
	case !result.OK:
		log.WithField("reason", result.Reason).Info("import rejected")
		return p.terminalize(ctx, log, env, ledger.OutcomeRejected, result.Reason)
	default:
		log.Info("file imported")
		return p.terminalize(ctx, log, env, ledger.OutcomeCompleted, "")
	}
}

// terminalize relocates the object out of importing/, marks the entry with
// its outcome and dispatches notifications.
func (p *Processor) terminalize(ctx context.Context, log *logrus.Entry, env envelope.Envelope, outcome ledger.Outcome, errMsg string) error {
	dst := blobstore.Completed
	if outcome == ledger.OutcomeRejected {
		dst = blobstore.Rejected
	}
	if err := p.store.Move(ctx, blobstore.Importing, dst, env.FileName); err != nil {
		if !errors.Is(err, blobstore.ErrNotExist) {
			return fmt.Errorf("move %s to %s: %w", env.FileName, dst, err)
		}
		// Object vanished from every location. The ledger is the record of
		// truth; a missing object must not keep the batch open.
		log.WithError(err).Error("object missing at terminalization")
	}
	mark, err := p.ledger.MarkTerminal(ctx, env.BatchID, env.FileName, outcome, errMsg)
	if err != nil {
		return err
	}
	if err := p.dispatcher.FileTerminal(ctx, env.BatchID, env.FileName, mark); err != nil {
		log.WithError(err).Error("notification dispatch failed")
	}
	return nil
}

// reconcileFinished moves a leftover object in importing/ to the location
// matching the entry's recorded outcome.
func (p *Processor) reconcileFinished(ctx context.Context, log *logrus.Entry, entry *ledger.FileEntry) error {
	lingering, err := p.store.Exists(ctx, blobstore.Importing, entry.FileName)
	if err != nil {
		return err
	}
	if !lingering {
		log.Info("entry already terminal, dropping redelivered envelope")
		return nil
	}
	dst := blobstore.Completed
	if entry.Outcome == ledger.OutcomeRejected {
		dst = blobstore.Rejected
	}
	if err := p.store.Move(ctx, blobstore.Importing, dst, entry.FileName); err != nil {
		return fmt.Errorf("reconcile %s to %s: %w", entry.FileName, dst, err)
	}
	log.WithField("location", dst).Info("reconciled stranded object for terminal entry")
	return nil
}

// runImporter invokes the external importer with panic containment.
func (p *Processor) runImporter(ctx context.Context, jobID string) (result *pipeline.ImportResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("importer panic: %v", r)
		}
	}()
	result, err = p.importer.Import(ctx, jobID)
	if err == nil && result == nil {
		err = errors.New("importer returned no result")
	}
	return result, err
}

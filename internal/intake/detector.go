// Package intake turns a newly arrived bundle into a registered batch and a
// stream of stage-1 envelopes.
package intake

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"sheetline/internal/blobstore"
	"sheetline/internal/envelope"
	"sheetline/internal/ledger"
	"sheetline/internal/queue"
)

// RerunMarkerName is the conventionally named empty archive member that
// flags a resubmission as a retry of the prior batch for the same origin.
// Intake translates it into the envelope's Rerun field so downstream stages
// never depend on the sentinel themselves.
const RerunMarkerName = "rerun.marker"

// Kind classifies an arriving object.
type Kind int

const (
	KindUnsupported Kind = iota
	KindArchive
	KindSingleFile
)

var supportedSuffixes = []string{".xlsx", ".xls", ".csv"}

// Classify determines how an object should be ingested from its name alone.
func Classify(name string) Kind {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".zip") {
		return KindArchive
	}
	for _, suffix := range supportedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return KindSingleFile
		}
	}
	return KindUnsupported
}

// Detector registers batches for arriving bundles and fans their files out
// onto the stage-1 queue.
type Detector struct {
	store  blobstore.Store
	ledger ledger.Store
	queue  queue.Enqueuer
}

// NewDetector constructs a Detector.
func NewDetector(store blobstore.Store, led ledger.Store, enq queue.Enqueuer) *Detector {
	return &Detector{store: store, ledger: led, queue: enq}
}

// Handle processes one intake task. It is safe to redeliver: once the bundle
// has left incoming/, the handler re-emits envelopes for any unfinished
// entries of the registered batch instead of registering twice.
func (d *Detector) Handle(ctx context.Context, payload queue.IntakePayload) error {
	name := payload.ObjectName
	log := logrus.WithFields(logrus.Fields{"stage": "intake", "bundle": name})

	data, err := d.store.Get(ctx, blobstore.Incoming, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotExist) {
			return d.resume(ctx, log, name)
		}
		return fmt.Errorf("load bundle %s: %w", name, err)
	}

	switch Classify(name) {
	case KindArchive:
		return d.ingestArchive(ctx, log, name, payload.NotifyEmail, data)
	case KindSingleFile:
		return d.ingestSingle(ctx, log, name, payload.NotifyEmail)
	default:
		log.Warn("unsupported bundle type, rejecting")
		if err := d.store.Move(ctx, blobstore.Incoming, blobstore.Rejected, name); err != nil {
			return fmt.Errorf("reject unsupported bundle %s: %w", name, err)
		}
		return nil
	}
}

func (d *Detector) ingestArchive(ctx context.Context, log *logrus.Entry, name, notifyEmail string, data []byte) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		log.WithError(err).Warn("unreadable archive, rejecting")
		if moveErr := d.store.Move(ctx, blobstore.Incoming, blobstore.Rejected, name); moveErr != nil {
			return fmt.Errorf("reject unreadable archive %s: %w", name, moveErr)
		}
		return nil
	}

	rerun := false
	var extracted []string
	for _, member := range reader.File {
		memberName := path.Base(member.Name)
		if memberName == RerunMarkerName {
			rerun = true
			continue
		}
		if Classify(memberName) != KindSingleFile {
			continue
		}
		content, err := readMember(member)
		if err != nil {
			// A broken member never aborts its siblings.
			log.WithError(err).WithField("member", memberName).Error("extract member failed, skipping")
			continue
		}
		if err := d.store.Put(ctx, blobstore.Processing, memberName, content, contentTypeFor(memberName)); err != nil {
			log.WithError(err).WithField("member", memberName).Error("stage member failed, skipping")
			continue
		}
		extracted = append(extracted, memberName)
	}

	if len(extracted) == 0 {
		log.Warn("archive holds no supported members, rejecting")
		if err := d.store.Move(ctx, blobstore.Incoming, blobstore.Rejected, name); err != nil {
			return fmt.Errorf("reject empty archive %s: %w", name, err)
		}
		return nil
	}

	batch, err := d.ledger.RegisterBatch(ctx, name, extracted, notifyEmail, rerun)
	if err != nil {
		return fmt.Errorf("register batch for %s: %w", name, err)
	}
	log = log.WithField("batch", batch.BatchID)
	if rerun {
		log.WithField("retry", batch.RetryCount).Info("rerun marker detected")
	}

	emitErr := d.emit(ctx, log, batch, extracted, rerun)

	if err := d.store.Move(ctx, blobstore.Incoming, blobstore.Archive, name); err != nil {
		return errors.Join(emitErr, fmt.Errorf("archive bundle %s: %w", name, err))
	}
	log.WithField("entries", len(extracted)).Info("bundle ingested")
	return emitErr
}

func (d *Detector) ingestSingle(ctx context.Context, log *logrus.Entry, name, notifyEmail string) error {
	// Register before relocating. A crash between the two leaves the file in
	// incoming/ with a registered batch, and the redelivered task reuses that
	// batch instead of stranding the upload.
	batch, err := d.ledger.RegisterBatch(ctx, name, []string{name}, notifyEmail, false)
	if err != nil {
		return fmt.Errorf("register batch for %s: %w", name, err)
	}
	if err := d.store.Move(ctx, blobstore.Incoming, blobstore.Processing, name); err != nil {
		return fmt.Errorf("stage single file %s: %w", name, err)
	}
	log.WithField("batch", batch.BatchID).Info("single file ingested")
	return d.emit(ctx, log, batch, []string{name}, false)
}

// resume handles a redelivered intake task whose bundle has already left
// incoming/. Envelopes are re-emitted for unfinished entries only; the stage
// workers tolerate the duplicates.
func (d *Detector) resume(ctx context.Context, log *logrus.Entry, name string) error {
	batch, err := d.ledger.BatchByOrigin(ctx, name)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			log.Warn("bundle gone from incoming and no batch registered, nothing to do")
			return nil
		}
		return fmt.Errorf("lookup batch for %s: %w", name, err)
	}
	entries, err := d.ledger.Entries(ctx, batch.BatchID)
	if err != nil {
		return fmt.Errorf("load entries for %s: %w", batch.BatchID, err)
	}
	var pending []string
	for _, e := range entries {
		if !e.Finished {
			pending = append(pending, e.FileName)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	log.WithFields(logrus.Fields{"batch": batch.BatchID, "pending": len(pending)}).Info("resuming ingested bundle")
	return d.emit(ctx, log.WithField("batch", batch.BatchID), batch, pending, false)
}

// emit sends one stage-1 envelope per entry. A failed send is logged and the
// remaining entries still go out; the joined error makes the queue redeliver
// the task so the missed entries get another chance.
func (d *Detector) emit(ctx context.Context, log *logrus.Entry, batch *ledger.Batch, names []string, rerun bool) error {
	var errs []error
	for _, fileName := range names {
		env := envelope.Envelope{
			FileName:   fileName,
			BatchID:    batch.BatchID,
			RetryCount: batch.RetryCount,
			NotifyTo:   batch.NotifyEmail,
			Rerun:      rerun,
		}
		if err := d.queue.EnqueueValidate(ctx, env); err != nil {
			log.WithError(err).WithField("file", fileName).Error("emit stage-1 envelope failed")
			errs = append(errs, fmt.Errorf("emit %s: %w", fileName, err))
		}
	}
	return errors.Join(errs...)
}

func readMember(member *zip.File) ([]byte, error) {
	rc, err := member.Open()
	if err != nil {
		return nil, fmt.Errorf("open member: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read member: %w", err)
	}
	return data, nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"sheetline/internal/ledger"
)

// Dispatcher turns terminal ledger marks into notifications.
//
// A batch of exactly one entry always takes the per-file path. Larger
// batches stay silent until the worker whose MarkTerminal observed the
// remaining-count reach zero sends the single batch summary; every other
// finisher sends nothing. Marks with Marked=false are redeliveries and never
// notify.
type Dispatcher struct {
	store  ledger.Store
	sender Sender
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store ledger.Store, sender Sender) *Dispatcher {
	return &Dispatcher{store: store, sender: sender}
}

// FileTerminal is called by a stage worker after it marked an entry
// terminal. mark must come from that MarkTerminal call.
func (d *Dispatcher) FileTerminal(ctx context.Context, batchID, fileName string, mark ledger.TerminalMark) error {
	if !mark.Marked {
		return nil
	}
	switch {
	case mark.Total == 1:
		return d.sendFile(ctx, batchID, fileName)
	case mark.Remaining == 0:
		return d.sendBatchSummary(ctx, batchID)
	default:
		return nil
	}
}

func (d *Dispatcher) sendFile(ctx context.Context, batchID, fileName string) error {
	batch, err := d.store.Batch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch for notification: %w", err)
	}
	entry, err := d.store.Entry(ctx, batchID, fileName)
	if err != nil {
		return fmt.Errorf("load entry for notification: %w", err)
	}
	template := TemplateFileCompleted
	params := map[string]string{
		"fileName": entry.FileName,
		"batchId":  batchID,
	}
	if entry.Outcome == ledger.OutcomeRejected {
		template = TemplateFileRejected
		params["error"] = entry.ErrorMessage
	}
	if err := d.sender.Send(ctx, batch.NotifyEmail, template, params); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"batch":    batchID,
		"file":     fileName,
		"template": template,
	}).Info("file notification sent")
	return nil
}

func (d *Dispatcher) sendBatchSummary(ctx context.Context, batchID string) error {
	batch, err := d.store.Batch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch for summary: %w", err)
	}
	entries, err := d.store.Entries(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load entries for summary: %w", err)
	}
	var completed, rejected []string
	for _, e := range entries {
		switch e.Outcome {
		case ledger.OutcomeCompleted:
			completed = append(completed, e.FileName)
		case ledger.OutcomeRejected:
			if e.ErrorMessage != "" {
				rejected = append(rejected, e.FileName+": "+e.ErrorMessage)
			} else {
				rejected = append(rejected, e.FileName)
			}
		}
	}
	params := map[string]string{
		"batchId":        batchID,
		"origin":         batch.OriginFileName,
		"totalEntries":   strconv.Itoa(batch.TotalEntries),
		"completedCount": strconv.Itoa(len(completed)),
		"rejectedCount":  strconv.Itoa(len(rejected)),
		"completed":      strings.Join(completed, ", "),
		"rejected":       strings.Join(rejected, ", "),
	}
	if err := d.sender.Send(ctx, batch.NotifyEmail, TemplateBatchSummary, params); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"batch":     batchID,
		"completed": len(completed),
		"rejected":  len(rejected),
	}).Info("batch summary sent")
	return nil
}

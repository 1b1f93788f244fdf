// Package ledger is the durable record of batches and their file entries.
//
// The ledger is the only shared state in the pipeline. Stage workers are
// stateless and the queues only carry envelopes, so every correctness
// guarantee the system makes — terminal states are written once, batch
// completion fires once — lives here. MarkTerminal is the single
// mutual-exclusion point: it must mark the entry finished and decrement the
// batch's remaining-count as one atomic operation, never as a mark followed
// by a separate completeness read.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a batch or entry does not exist.
	ErrNotFound = errors.New("ledger: not found")
)

// Outcome is the terminal disposition of a file entry.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
)

// Batch is one uploaded bundle: a zip archive or a single spreadsheet.
type Batch struct {
	BatchID        string    `json:"batchId"`
	OriginFileName string    `json:"originFileName"`
	CreatedAt      time.Time `json:"createdAt"`
	RetryCount     int       `json:"retryCount"`
	TotalEntries   int       `json:"totalEntries"`
	Remaining      int       `json:"remaining"`
	NotifyEmail    string    `json:"notifyEmail,omitempty"`
}

// Complete reports whether every entry of the batch has reached a terminal
// state.
func (b *Batch) Complete() bool {
	return b.Remaining == 0
}

// FileEntry is one constituent file of a batch, tracked independently.
// Finished transitions false→true exactly once; Outcome is write-once.
type FileEntry struct {
	BatchID      string     `json:"batchId"`
	FileName     string     `json:"fileName"`
	Extracted    bool       `json:"extracted"`
	Finished     bool       `json:"finished"`
	Outcome      Outcome    `json:"outcome"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// TerminalMark is the result of a MarkTerminal call.
//
// Marked is false when the entry had already been finished by an earlier
// delivery; in that case no decrement happened and the caller must not
// notify again. When Marked is true, Remaining is the post-decrement count:
// the caller that observes it hit zero is the sole one responsible for the
// batch notification.
type TerminalMark struct {
	Marked    bool
	Remaining int
	Total     int
}

// Store is the ledger surface the pipeline depends on.
type Store interface {
	// RegisterBatch creates the batch and its entries in one transaction.
	// When rerun is true and a batch already exists for origin, its retry
	// count is incremented, its old entries and staged rows are purged, and
	// the new entries replace them; otherwise a fresh batch is created.
	RegisterBatch(ctx context.Context, origin string, entries []string, notifyEmail string, rerun bool) (*Batch, error)

	// Batch returns a batch by id.
	Batch(ctx context.Context, batchID string) (*Batch, error)

	// BatchByOrigin returns the most recent batch registered for origin.
	BatchByOrigin(ctx context.Context, origin string) (*Batch, error)

	// Entry returns one file entry.
	Entry(ctx context.Context, batchID, fileName string) (*FileEntry, error)

	// Entries returns all entries of a batch, ordered by file name.
	Entries(ctx context.Context, batchID string) ([]FileEntry, error)

	// MarkTerminal finishes an entry with the given outcome and atomically
	// decrements the batch's remaining-count. Calling it again for an
	// already-finished entry is a no-op reported via TerminalMark.Marked.
	MarkTerminal(ctx context.Context, batchID, fileName string, outcome Outcome, errMsg string) (TerminalMark, error)

	// RecordStaged notes that validation staged transformed output for an
	// entry under the given job id during the given attempt.
	RecordStaged(ctx context.Context, batchID, fileName, jobID string, attempt int) error

	// StagedJob returns the job id recorded for an entry, or ErrNotFound.
	// Redelivered stage-1 messages use it to recover the job id when the
	// object already moved on but the stage-2 envelope was never sent.
	StagedJob(ctx context.Context, batchID, fileName string) (string, error)

	// PurgeStaged removes all staged rows for a batch and returns how many
	// were removed. Called when a rerun replaces the batch's entries.
	PurgeStaged(ctx context.Context, batchID string) (int, error)

	// PurgeStagedBefore removes staged rows from attempts earlier than the
	// given one. Scoping the purge by attempt keeps a late-redelivered
	// rerun envelope from wiping rows its siblings staged for the current
	// attempt.
	PurgeStagedBefore(ctx context.Context, batchID string, attempt int) (int, error)
}

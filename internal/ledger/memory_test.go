package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func register(t *testing.T, store *MemoryStore, origin string, entries []string, rerun bool) *Batch {
	t.Helper()
	batch, err := store.RegisterBatch(context.Background(), origin, entries, "ops@example.com", rerun)
	if err != nil {
		t.Fatalf("register batch: %v", err)
	}
	return batch
}

func TestMarkTerminalIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	batch := register(t, store, "bundle.zip", []string{"a.xlsx", "b.xlsx"}, false)

	mark, err := store.MarkTerminal(ctx, batch.BatchID, "a.xlsx", OutcomeCompleted, "")
	if err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if !mark.Marked || mark.Remaining != 1 || mark.Total != 2 {
		t.Fatalf("unexpected mark: %+v", mark)
	}

	// A second terminal attempt must not re-mark, re-decrement or change
	// the recorded outcome.
	again, err := store.MarkTerminal(ctx, batch.BatchID, "a.xlsx", OutcomeRejected, "late failure")
	if err != nil {
		t.Fatalf("mark terminal again: %v", err)
	}
	if again.Marked {
		t.Fatal("second mark must report Marked=false")
	}
	if again.Remaining != 1 {
		t.Fatalf("second mark must not decrement: remaining %d", again.Remaining)
	}
	entry, err := store.Entry(ctx, batch.BatchID, "a.xlsx")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Outcome != OutcomeCompleted || entry.ErrorMessage != "" {
		t.Fatalf("outcome was reassigned: %+v", entry)
	}
}

func TestMarkTerminalUnknownEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	batch := register(t, store, "bundle.zip", []string{"a.xlsx"}, false)
	if _, err := store.MarkTerminal(ctx, batch.BatchID, "ghost.xlsx", OutcomeCompleted, ""); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFanInZeroCrossingHappensExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	const entryCount = 16
	names := make([]string, entryCount)
	for i := range names {
		names[i] = fmt.Sprintf("f%02d.xlsx", i)
	}
	batch := register(t, store, "big.zip", names, false)

	// All workers finish concurrently; exactly one of them may observe the
	// post-decrement count reach zero.
	var wg sync.WaitGroup
	zeroCrossings := make(chan string, entryCount)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			mark, err := store.MarkTerminal(ctx, batch.BatchID, name, OutcomeCompleted, "")
			if err != nil {
				t.Errorf("mark %s: %v", name, err)
				return
			}
			if mark.Marked && mark.Remaining == 0 {
				zeroCrossings <- name
			}
		}(name)
	}
	wg.Wait()
	close(zeroCrossings)

	var winners []string
	for name := range zeroCrossings {
		winners = append(winners, name)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one zero-crossing, got %d (%v)", len(winners), winners)
	}
	got, err := store.Batch(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !got.Complete() {
		t.Fatalf("batch should be complete: %+v", got)
	}
}

func TestRegisterBatchReusesOpenBatch(t *testing.T) {
	store := NewMemory()
	batch := register(t, store, "bundle.zip", []string{"a.xlsx", "b.xlsx"}, false)

	// Redelivered registration for the same open bundle returns the original
	// batch instead of creating a second one.
	again := register(t, store, "bundle.zip", []string{"b.xlsx", "a.xlsx"}, false)
	if again.BatchID != batch.BatchID {
		t.Fatalf("open batch must be reused: %s vs %s", again.BatchID, batch.BatchID)
	}
	if again.Remaining != 2 || again.RetryCount != 0 {
		t.Fatalf("reused batch must be untouched: %+v", again)
	}

	// A registration with a different entry set is a new bundle under the
	// same name.
	other := register(t, store, "bundle.zip", []string{"c.xlsx"}, false)
	if other.BatchID == batch.BatchID {
		t.Fatal("different entries must register a new batch")
	}
}

func TestRegisterBatchAfterCompletionStartsFresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	batch := register(t, store, "report.xlsx", []string{"report.xlsx"}, false)
	if _, err := store.MarkTerminal(ctx, batch.BatchID, "report.xlsx", OutcomeCompleted, ""); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	fresh := register(t, store, "report.xlsx", []string{"report.xlsx"}, false)
	if fresh.BatchID == batch.BatchID {
		t.Fatal("completed batch must not be reused for a new upload")
	}
	if fresh.Remaining != 1 {
		t.Fatalf("fresh batch remaining: %d", fresh.Remaining)
	}
}

func TestRerunIncrementsRetryAndPurgesStaged(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	first := register(t, store, "bundle.zip", []string{"a.xlsx", "b.xlsx"}, false)

	if err := store.RecordStaged(ctx, first.BatchID, "a.xlsx", "job-1", 0); err != nil {
		t.Fatalf("record staged: %v", err)
	}
	if _, err := store.MarkTerminal(ctx, first.BatchID, "a.xlsx", OutcomeCompleted, ""); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	second := register(t, store, "bundle.zip", []string{"a.xlsx", "b.xlsx"}, true)
	if second.BatchID != first.BatchID {
		t.Fatalf("rerun must reuse the batch: %s vs %s", second.BatchID, first.BatchID)
	}
	if second.RetryCount != 1 {
		t.Fatalf("retry count: got %d want 1", second.RetryCount)
	}
	if second.Remaining != 2 {
		t.Fatalf("remaining must reset: got %d", second.Remaining)
	}
	if n := store.StagedCount(second.BatchID); n != 0 {
		t.Fatalf("staged rows must be purged on rerun: %d left", n)
	}
	entry, err := store.Entry(ctx, second.BatchID, "a.xlsx")
	if err != nil {
		t.Fatalf("entry after rerun: %v", err)
	}
	if entry.Finished || entry.Outcome != OutcomePending {
		t.Fatalf("entries must start fresh after rerun: %+v", entry)
	}
}

func TestRerunMarkerOnUnknownOriginStartsAtRetryOne(t *testing.T) {
	store := NewMemory()
	batch := register(t, store, "fresh.zip", []string{"a.xlsx"}, true)
	if batch.RetryCount != 1 {
		t.Fatalf("retry count: got %d want 1", batch.RetryCount)
	}
}

func TestPurgeStagedBeforeScopesByAttempt(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	batch := register(t, store, "bundle.zip", []string{"a.xlsx", "b.xlsx"}, false)

	if err := store.RecordStaged(ctx, batch.BatchID, "a.xlsx", "job-old", 0); err != nil {
		t.Fatalf("record staged: %v", err)
	}
	if err := store.RecordStaged(ctx, batch.BatchID, "b.xlsx", "job-new", 1); err != nil {
		t.Fatalf("record staged: %v", err)
	}

	purged, err := store.PurgeStagedBefore(ctx, batch.BatchID, 1)
	if err != nil {
		t.Fatalf("purge staged before: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged: got %d want 1", purged)
	}
	if _, err := store.StagedJob(ctx, batch.BatchID, "a.xlsx"); err != ErrNotFound {
		t.Fatalf("old attempt row should be gone, got %v", err)
	}
	jobID, err := store.StagedJob(ctx, batch.BatchID, "b.xlsx")
	if err != nil || jobID != "job-new" {
		t.Fatalf("current attempt row must survive: %q %v", jobID, err)
	}
}

func TestEntriesAreOrderedByName(t *testing.T) {
	store := NewMemory()
	batch := register(t, store, "bundle.zip", []string{"c.xlsx", "a.xlsx", "b.xlsx"}, false)
	entries, err := store.Entries(context.Background(), batch.BatchID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	for i, want := range []string{"a.xlsx", "b.xlsx", "c.xlsx"} {
		if entries[i].FileName != want {
			t.Fatalf("entry %d: got %s want %s", i, entries[i].FileName, want)
		}
	}
}

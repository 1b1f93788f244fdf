package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and local development. A
// single mutex stands in for the database's statement-level atomicity, so
// MarkTerminal gives the same exactly-once decrement guarantee as the
// Postgres implementation.
type stagedRow struct {
	jobID   string
	attempt int
}

type MemoryStore struct {
	mu      sync.Mutex
	batches map[string]*Batch
	entries map[string]map[string]*FileEntry
	staged  map[string]map[string]stagedRow
}

// NewMemory constructs an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*Batch),
		entries: make(map[string]map[string]*FileEntry),
		staged:  make(map[string]map[string]stagedRow),
	}
}

// RegisterBatch creates the batch and its entries. A non-rerun registration
// matching an open batch for the same origin returns that batch unchanged.
func (m *MemoryStore) RegisterBatch(ctx context.Context, origin string, entries []string, notifyEmail string, rerun bool) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *Batch
	for _, b := range m.batches {
		if b.OriginFileName != origin {
			continue
		}
		if existing == nil || b.CreatedAt.After(existing.CreatedAt) {
			existing = b
		}
	}
	if existing != nil && !rerun && existing.Remaining > 0 && m.sameEntries(existing.BatchID, entries) {
		cp := *existing
		return &cp, nil
	}

	batch := &Batch{
		OriginFileName: origin,
		CreatedAt:      time.Now().UTC(),
		TotalEntries:   len(entries),
		Remaining:      len(entries),
		NotifyEmail:    notifyEmail,
	}
	if rerun && existing != nil {
		batch.BatchID = existing.BatchID
		batch.RetryCount = existing.RetryCount + 1
		batch.CreatedAt = existing.CreatedAt
		delete(m.staged, existing.BatchID)
	} else {
		batch.BatchID = uuid.NewString()
		if rerun {
			batch.RetryCount = 1
		}
	}
	m.batches[batch.BatchID] = batch
	m.entries[batch.BatchID] = make(map[string]*FileEntry, len(entries))
	for _, name := range entries {
		m.entries[batch.BatchID][name] = &FileEntry{
			BatchID:   batch.BatchID,
			FileName:  name,
			Extracted: true,
			Outcome:   OutcomePending,
		}
	}
	cp := *batch
	return &cp, nil
}

// sameEntries reports whether the batch's entry names exactly match names.
// Callers hold m.mu.
func (m *MemoryStore) sameEntries(batchID string, names []string) bool {
	recorded := m.entries[batchID]
	if len(recorded) != len(names) {
		return false
	}
	for _, name := range names {
		if _, ok := recorded[name]; !ok {
			return false
		}
	}
	return true
}

// Batch returns a batch by id.
func (m *MemoryStore) Batch(ctx context.Context, batchID string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// BatchByOrigin returns the most recent batch registered for origin.
func (m *MemoryStore) BatchByOrigin(ctx context.Context, origin string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Batch
	for _, b := range m.batches {
		if b.OriginFileName != origin {
			continue
		}
		if found == nil || b.CreatedAt.After(found.CreatedAt) {
			found = b
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// Entry returns one file entry.
func (m *MemoryStore) Entry(ctx context.Context, batchID, fileName string) (*FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[batchID][fileName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Entries returns all entries of a batch, ordered by file name.
func (m *MemoryStore) Entries(ctx context.Context, batchID string) ([]FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.entries[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]FileEntry, 0, len(byName))
	for _, e := range byName {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}

// MarkTerminal finishes an entry and decrements the batch's remaining-count
// under the store lock.
func (m *MemoryStore) MarkTerminal(ctx context.Context, batchID, fileName string, outcome Outcome, errMsg string) (TerminalMark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return TerminalMark{}, ErrNotFound
	}
	e, ok := m.entries[batchID][fileName]
	if !ok {
		return TerminalMark{}, ErrNotFound
	}
	if e.Finished {
		return TerminalMark{Marked: false, Remaining: b.Remaining, Total: b.TotalEntries}, nil
	}
	now := time.Now().UTC()
	e.Finished = true
	e.Outcome = outcome
	e.ErrorMessage = errMsg
	e.FinishedAt = &now
	b.Remaining--
	return TerminalMark{Marked: true, Remaining: b.Remaining, Total: b.TotalEntries}, nil
}

// RecordStaged notes staged transformed output for an entry.
func (m *MemoryStore) RecordStaged(ctx context.Context, batchID, fileName, jobID string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staged[batchID]; !ok {
		m.staged[batchID] = make(map[string]stagedRow)
	}
	m.staged[batchID][fileName] = stagedRow{jobID: jobID, attempt: attempt}
	return nil
}

// StagedJob returns the job id recorded for an entry.
func (m *MemoryStore) StagedJob(ctx context.Context, batchID, fileName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.staged[batchID][fileName]
	if !ok {
		return "", ErrNotFound
	}
	return row.jobID, nil
}

// PurgeStaged removes all staged rows for a batch.
func (m *MemoryStore) PurgeStaged(ctx context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.staged[batchID])
	delete(m.staged, batchID)
	return n, nil
}

// PurgeStagedBefore removes staged rows from attempts earlier than attempt.
func (m *MemoryStore) PurgeStagedBefore(ctx context.Context, batchID string, attempt int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name, row := range m.staged[batchID] {
		if row.attempt < attempt {
			delete(m.staged[batchID], name)
			n++
		}
	}
	return n, nil
}

// StagedCount reports how many staged rows a batch holds, for tests.
func (m *MemoryStore) StagedCount(batchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged[batchID])
}

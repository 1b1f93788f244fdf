package queue

import (
	"context"
	"sync"

	"sheetline/internal/envelope"
)

// MemoryQueue is an in-memory Enqueuer used by tests and local development.
// It records every emitted message so tests can replay them against the
// stage handlers directly.
type MemoryQueue struct {
	mu        sync.Mutex
	Intakes   []IntakePayload
	Validates []envelope.Envelope
	Imports   []envelope.Envelope
}

// NewMemory constructs an empty MemoryQueue.
func NewMemory() *MemoryQueue {
	return &MemoryQueue{}
}

// EnqueueIntake records an intake payload.
func (q *MemoryQueue) EnqueueIntake(ctx context.Context, payload IntakePayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Intakes = append(q.Intakes, payload)
	return nil
}

// EnqueueValidate records a stage-1 envelope.
func (q *MemoryQueue) EnqueueValidate(ctx context.Context, env envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Validates = append(q.Validates, env)
	return nil
}

// EnqueueImport records a stage-2 envelope.
func (q *MemoryQueue) EnqueueImport(ctx context.Context, env envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Imports = append(q.Imports, env)
	return nil
}

// DrainValidates returns and clears the recorded stage-1 envelopes.
func (q *MemoryQueue) DrainValidates() []envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.Validates
	q.Validates = nil
	return out
}

// DrainImports returns and clears the recorded stage-2 envelopes.
func (q *MemoryQueue) DrainImports() []envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.Imports
	q.Imports = nil
	return out
}

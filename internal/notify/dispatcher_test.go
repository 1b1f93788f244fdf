package notify

import (
	"context"
	"sync"
	"testing"

	"sheetline/internal/ledger"
)

type recordedSend struct {
	Recipient string
	Template  string
	Params    map[string]string
}

type recordingSender struct {
	mu    sync.Mutex
	sends []recordedSend
}

func (r *recordingSender) Send(ctx context.Context, recipient, template string, params map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, recordedSend{Recipient: recipient, Template: template, Params: params})
	return nil
}

func (r *recordingSender) all() []recordedSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedSend(nil), r.sends...)
}

func TestSingleEntryBatchTakesFilePath(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemory()
	sender := &recordingSender{}
	d := NewDispatcher(store, sender)

	batch, err := store.RegisterBatch(ctx, "report.xlsx", []string{"report.xlsx"}, "user@example.com", false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	mark, err := store.MarkTerminal(ctx, batch.BatchID, "report.xlsx", ledger.OutcomeCompleted, "")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := d.FileTerminal(ctx, batch.BatchID, "report.xlsx", mark); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	sends := sender.all()
	if len(sends) != 1 {
		t.Fatalf("sends: got %d want 1", len(sends))
	}
	if sends[0].Template != TemplateFileCompleted {
		t.Fatalf("template: got %s want %s", sends[0].Template, TemplateFileCompleted)
	}
	if sends[0].Recipient != "user@example.com" {
		t.Fatalf("recipient: %s", sends[0].Recipient)
	}
}

func TestRejectedSingleFileCarriesError(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemory()
	sender := &recordingSender{}
	d := NewDispatcher(store, sender)

	batch, _ := store.RegisterBatch(ctx, "bad.csv", []string{"bad.csv"}, "user@example.com", false)
	mark, _ := store.MarkTerminal(ctx, batch.BatchID, "bad.csv", ledger.OutcomeRejected, "missing header row")
	if err := d.FileTerminal(ctx, batch.BatchID, "bad.csv", mark); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	sends := sender.all()
	if len(sends) != 1 || sends[0].Template != TemplateFileRejected {
		t.Fatalf("unexpected sends: %+v", sends)
	}
	if sends[0].Params["error"] != "missing header row" {
		t.Fatalf("error param: %+v", sends[0].Params)
	}
}

func TestBatchSummaryFiresOnlyAtZero(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemory()
	sender := &recordingSender{}
	d := NewDispatcher(store, sender)

	batch, _ := store.RegisterBatch(ctx, "bundle.zip", []string{"a.xlsx", "b.xlsx", "c.xlsx"}, "ops@example.com", false)

	for _, step := range []struct {
		name    string
		outcome ledger.Outcome
		errMsg  string
	}{
		{"a.xlsx", ledger.OutcomeCompleted, ""},
		{"b.xlsx", ledger.OutcomeCompleted, ""},
		{"c.xlsx", ledger.OutcomeRejected, "bad totals"},
	} {
		mark, err := store.MarkTerminal(ctx, batch.BatchID, step.name, step.outcome, step.errMsg)
		if err != nil {
			t.Fatalf("mark %s: %v", step.name, err)
		}
		if err := d.FileTerminal(ctx, batch.BatchID, step.name, mark); err != nil {
			t.Fatalf("dispatch %s: %v", step.name, err)
		}
	}

	sends := sender.all()
	if len(sends) != 1 {
		t.Fatalf("exactly one batch summary expected, got %d", len(sends))
	}
	s := sends[0]
	if s.Template != TemplateBatchSummary {
		t.Fatalf("template: %s", s.Template)
	}
	if s.Params["completedCount"] != "2" || s.Params["rejectedCount"] != "1" {
		t.Fatalf("summary counts: %+v", s.Params)
	}
	if s.Params["rejected"] != "c.xlsx: bad totals" {
		t.Fatalf("rejected detail: %q", s.Params["rejected"])
	}
}

func TestSummaryContentIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	run := func(order []string) map[string]string {
		store := ledger.NewMemory()
		sender := &recordingSender{}
		d := NewDispatcher(store, sender)
		batch, _ := store.RegisterBatch(ctx, "bundle.zip", []string{"a.xlsx", "b.xlsx", "c.xlsx"}, "", false)
		for _, name := range order {
			outcome := ledger.OutcomeCompleted
			if name == "b.xlsx" {
				outcome = ledger.OutcomeRejected
			}
			mark, err := store.MarkTerminal(ctx, batch.BatchID, name, outcome, "")
			if err != nil {
				t.Fatalf("mark %s: %v", name, err)
			}
			if err := d.FileTerminal(ctx, batch.BatchID, name, mark); err != nil {
				t.Fatalf("dispatch %s: %v", name, err)
			}
		}
		sends := sender.all()
		if len(sends) != 1 {
			t.Fatalf("sends for order %v: %d", order, len(sends))
		}
		return sends[0].Params
	}

	first := run([]string{"a.xlsx", "b.xlsx", "c.xlsx"})
	second := run([]string{"c.xlsx", "a.xlsx", "b.xlsx"})
	for _, key := range []string{"completed", "rejected", "completedCount", "rejectedCount"} {
		if first[key] != second[key] {
			t.Fatalf("summary %s differs across completion orders: %q vs %q", key, first[key], second[key])
		}
	}
}

func TestUnmarkedTerminalNeverNotifies(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemory()
	sender := &recordingSender{}
	d := NewDispatcher(store, sender)

	batch, _ := store.RegisterBatch(ctx, "report.xlsx", []string{"report.xlsx"}, "", false)
	if _, err := store.MarkTerminal(ctx, batch.BatchID, "report.xlsx", ledger.OutcomeCompleted, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// A redelivered message observes Marked=false and must stay silent.
	again, err := store.MarkTerminal(ctx, batch.BatchID, "report.xlsx", ledger.OutcomeCompleted, "")
	if err != nil {
		t.Fatalf("mark again: %v", err)
	}
	if err := d.FileTerminal(ctx, batch.BatchID, "report.xlsx", again); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sender.all()) != 0 {
		t.Fatal("redelivery must not notify")
	}
}

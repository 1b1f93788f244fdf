package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"sheetline/internal/blobstore"
	"sheetline/internal/config"
	"sheetline/internal/ledger"
	"sheetline/internal/queue"
)

func newTestServer() (*Server, *blobstore.MemoryStore, *ledger.MemoryStore, *queue.MemoryQueue) {
	cfg := &config.Config{MaxBundleSize: 1 << 20}
	store := blobstore.NewMemory()
	led := ledger.NewMemory()
	q := queue.NewMemory()
	return New(cfg, store, led, q), store, led, q
}

func multipartBody(t *testing.T, fileName string, content []byte, notify string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if notify != "" {
		if err := w.WriteField("notify", notify); err != nil {
			t.Fatalf("write notify field: %v", err)
		}
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadStoresBundleAndEnqueuesIntake(t *testing.T) {
	srv, store, _, q := newTestServer()
	body, contentType := multipartBody(t, "report.xlsx", []byte("cells"), "user@example.com")

	req := httptest.NewRequest(http.MethodPost, "/bundles", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.handleBundles(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d want %d (%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if ok, _ := store.Exists(context.Background(), blobstore.Incoming, "report.xlsx"); !ok {
		t.Fatal("bundle must land in incoming/")
	}
	if len(q.Intakes) != 1 {
		t.Fatalf("intake tasks: got %d want 1", len(q.Intakes))
	}
	if q.Intakes[0].ObjectName != "report.xlsx" || q.Intakes[0].NotifyEmail != "user@example.com" {
		t.Fatalf("intake payload: %+v", q.Intakes[0])
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	srv, _, _, q := newTestServer()
	body, contentType := multipartBody(t, "malware.exe", []byte("mz"), "")

	req := httptest.NewRequest(http.MethodPost, "/bundles", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.handleBundles(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
	if len(q.Intakes) != 0 {
		t.Fatal("nothing may be enqueued for unsupported uploads")
	}
}

func TestBatchStatus(t *testing.T) {
	srv, _, led, _ := newTestServer()
	ctx := context.Background()
	batch, err := led.RegisterBatch(ctx, "bundle.zip", []string{"a.xlsx", "b.xlsx"}, "", false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := led.MarkTerminal(ctx, batch.BatchID, "a.xlsx", ledger.OutcomeCompleted, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/batches/"+batch.BatchID, nil)
	rec := httptest.NewRecorder()
	srv.handleBatchRoute(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", rec.Code, rec.Body.String())
	}
	var got batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Complete {
		t.Fatal("batch with one pending entry must not be complete")
	}
	if len(got.Entries) != 2 {
		t.Fatalf("entries: got %d want 2", len(got.Entries))
	}
}

func TestFileURLOnlyForTerminalEntries(t *testing.T) {
	srv, store, led, _ := newTestServer()
	ctx := context.Background()
	batch, _ := led.RegisterBatch(ctx, "bundle.zip", []string{"a.xlsx"}, "", false)

	req := httptest.NewRequest(http.MethodGet, "/batches/"+batch.BatchID+"/a.xlsx/url", nil)
	rec := httptest.NewRecorder()
	srv.handleBatchRoute(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("pending entry should answer 202, got %d", rec.Code)
	}

	if err := store.Put(ctx, blobstore.Rejected, "a.xlsx", []byte("bad"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := led.MarkTerminal(ctx, batch.BatchID, "a.xlsx", ledger.OutcomeRejected, "broken"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	rec = httptest.NewRecorder()
	srv.handleBatchRoute(rec, httptest.NewRequest(http.MethodGet, "/batches/"+batch.BatchID+"/a.xlsx/url", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", rec.Code, rec.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["url"] == "" {
		t.Fatal("expected a presigned url")
	}
}

// Package api exposes the HTTP surface: bundle upload and batch visibility.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sheetline/internal/blobstore"
	"sheetline/internal/config"
	"sheetline/internal/intake"
	"sheetline/internal/ledger"
	"sheetline/internal/queue"
)

// Server exposes HTTP endpoints for bundle uploads and batch status.
type Server struct {
	cfg    *config.Config
	store  blobstore.Store
	ledger ledger.Store
	queue  queue.Enqueuer
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, store blobstore.Store, led ledger.Store, enq queue.Enqueuer) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		ledger: led,
		queue:  enq,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/bundles", s.handleBundles)
		mux.HandleFunc("/batches/", s.handleBatchRoute)
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: loggingMiddleware(mux),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	logrus.Infof("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBundles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleUpload(w, r)
}

func (s *Server) handleBatchRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/batches/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1:
		s.handleBatch(w, r, id)
	case len(parts) == 3 && parts[2] == "url":
		s.handleFileURL(w, r, id, parts[1])
	default:
		http.NotFound(w, r)
	}
}

type batchResponse struct {
	*ledger.Batch
	Complete bool               `json:"complete"`
	Entries  []ledger.FileEntry `json:"entries"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, id string) {
	batch, err := s.ledger.Batch(r.Context(), id)
	if err != nil {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	entries, err := s.ledger.Entries(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load entries", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, batchResponse{Batch: batch, Complete: batch.Complete(), Entries: entries})
}

// handleFileURL hands out a presigned link to a terminal object, so a
// rejected file can be pulled back for inspection.
func (s *Server) handleFileURL(w http.ResponseWriter, r *http.Request, id, fileName string) {
	entry, err := s.ledger.Entry(r.Context(), id, fileName)
	if err != nil {
		http.Error(w, "file entry not found", http.StatusNotFound)
		return
	}
	if !entry.Finished {
		http.Error(w, "file still processing", http.StatusAccepted)
		return
	}
	loc := blobstore.Completed
	if entry.Outcome == ledger.OutcomeRejected {
		loc = blobstore.Rejected
	}
	url, err := s.store.Presign(r.Context(), loc, fileName, 15*time.Minute)
	if err != nil {
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBundleSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	fileName, data, notifyEmail, err := readUpload(mr, s.cfg.MaxBundleSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if intake.Classify(fileName) == intake.KindUnsupported {
		http.Error(w, "unsupported bundle type", http.StatusBadRequest)
		return
	}
	if err := s.store.Put(ctx, blobstore.Incoming, fileName, data, "application/octet-stream"); err != nil {
		logrus.WithError(err).Error("store bundle failed")
		http.Error(w, "failed to store bundle", http.StatusInternalServerError)
		return
	}
	payload := queue.IntakePayload{ObjectName: fileName, NotifyEmail: notifyEmail}
	if err := s.queue.EnqueueIntake(ctx, payload); err != nil {
		logrus.WithError(err).Error("enqueue intake failed")
		http.Error(w, "failed to queue bundle", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"bundle": fileName})
}

// readUpload pulls the file part and the optional notify field from the
// multipart stream.
func readUpload(mr *multipart.Reader, maxSize int64) (string, []byte, string, error) {
	var fileName, notifyEmail string
	var data []byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, "", fmt.Errorf("read multipart: %w", err)
		}
		switch {
		case part.FormName() == "notify":
			buf, err := io.ReadAll(io.LimitReader(part, 1024))
			part.Close()
			if err != nil {
				return "", nil, "", fmt.Errorf("read notify field: %w", err)
			}
			notifyEmail = strings.TrimSpace(string(buf))
		case part.FileName() != "":
			buf, err := io.ReadAll(io.LimitReader(part, maxSize+1))
			part.Close()
			if err != nil {
				return "", nil, "", fmt.Errorf("read file part: %w", err)
			}
			if int64(len(buf)) > maxSize {
				return "", nil, "", errors.New("bundle exceeds size limit")
			}
			fileName = filepath.Base(part.FileName())
			data = buf
		default:
			part.Close()
		}
	}
	if fileName == "" || len(data) == 0 {
		return "", nil, "", errors.New("missing file part")
	}
	return fileName, data, notifyEmail, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

// Package server exposes ingestion and retrieval over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/manualrag/cli/internal/app"
	"github.com/manualrag/cli/internal/db"
	"github.com/manualrag/cli/internal/documents"
	"github.com/manualrag/cli/internal/logger"
	"github.com/manualrag/cli/internal/rag"
)

// maxBodyBytes bounds request bodies; manuals arrive as extracted text.
const maxBodyBytes = 32 << 20

// Server serves the API for one App.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

// New registers every route.
func New(a *app.App) *Server {
	s := &Server{app: a, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("POST /documents", s.ingestHandler)
	s.mux.HandleFunc("GET /documents", s.listHandler)
	s.mux.HandleFunc("GET /documents/{id}", s.documentHandler)
	s.mux.HandleFunc("DELETE /documents/{id}", s.deleteHandler)
	s.mux.HandleFunc("GET /search", s.searchHandler)
	s.mux.HandleFunc("GET /context", s.contextHandler)
	s.mux.HandleFunc("POST /dedup/check", s.dedupHandler)
	s.mux.HandleFunc("GET /stats", s.statsHandler)
	s.mux.HandleFunc("POST /cache/optimize", s.optimizeHandler)

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type ingestRequest struct {
	FileName       string   `json:"fileName"`
	Text           string   `json:"text"`
	DocType        string   `json:"docType"`
	Title          string   `json:"title"`
	Tags           []string `json:"tags"`
	SkipDuplicates bool     `json:"skipDuplicates"`
}

type dedupRequest struct {
	FileName string `json:"fileName"`
	Text     string `json:"text"`
}

type contextResponse struct {
	Context  string   `json:"context"`
	ChunkIDs []string `json:"chunkIds"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.app.IngestText(r.Context(), req.FileName, req.Text, app.IngestOptions{
		Title:          req.Title,
		DocType:        req.DocType,
		Tags:           req.Tags,
		SkipDuplicates: req.SkipDuplicates,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := s.app.Store.ListDocuments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []db.StoredDocument{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) documentHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := s.app.Store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found, err := s.app.Store.DeleteDocument(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, rag.ErrDocumentNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request) {
	query, ok := requireQuery(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	hits, err := s.app.Store.Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) contextHandler(w http.ResponseWriter, r *http.Request) {
	query, ok := requireQuery(w, r)
	if !ok {
		return
	}

	hits, err := s.app.Store.ContextHits(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contextResponse{
		Context:  s.app.Store.BuildContext(hits),
		ChunkIDs: rag.ChunkIDs(hits),
	})
}

func (s *Server) dedupHandler(w http.ResponseWriter, r *http.Request) {
	var req dedupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FileName) == "" || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fileName and text are required"})
		return
	}

	res, err := s.app.Dedup.CheckDuplicate(r.Context(), req.FileName, req.Text, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.Store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store": stats,
		"cache": s.app.Cache.Stats(),
	})
}

func (s *Server) optimizeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Cache.Optimize())
}

func requireQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return "", false
	}
	return query, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rag.ErrInvalidInput),
		errors.Is(err, rag.ErrNoChunks),
		errors.Is(err, documents.ErrUnsupportedType):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrDocumentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Warn("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response: %v", err)
	}
}

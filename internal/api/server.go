// Package api serves the HTTP monitoring endpoints of a pillar.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bitrepo/internal/logger"
	"bitrepo/internal/pillar"
	"bitrepo/internal/wire"
)

// Source exposes the pillar state served by the API.
type Source interface {
	Status() (pillar.Status, error)
	Files() ([]wire.FileChecksum, error)
	FileChecksum(fileID string) ([]byte, error)
}

var _ Source = (*pillar.Pillar)(nil)

// Server is the HTTP API server.
type Server struct {
	addr    string       // addr is the HTTP listen address
	source  Source       // source provides pillar state
	started time.Time    // started is the server start time
	server  *http.Server // server is the underlying HTTP server
}

// fileEntry is one file in a listing.
type fileEntry struct {
	FileID   string `json:"id"`
	Checksum string `json:"checksum"`
}

// New creates a new HTTP API server.
func New(addr string, source Source) *Server {
	return &Server{
		addr:   addr,
		source: source,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /files", s.handleFiles)
	mux.HandleFunc("GET /files/{id}", s.handleFile)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.started = time.Now()
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	st, err := s.source.Status()
	if err != nil {
		logger.Warn("status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status failed")
		return
	}

	resp := map[string]any{
		"pillar":     st.ID,
		"collection": st.Collection,
		"files":      st.Files,
		"identifies": st.Identifies,
		"requests":   st.Requests,
	}

	if !s.started.IsZero() {
		resp["uptime"] = time.Since(s.started).Round(time.Second).String()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleFiles handles GET /files requests.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		writeError(w, http.StatusServiceUnavailable, "files not available")
		return
	}

	files, err := s.source.Files()
	if err != nil {
		logger.Warn("file listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}

	entries := make([]fileEntry, len(files))
	for i, f := range files {
		entries[i] = fileEntry{FileID: f.FileID, Checksum: hex.EncodeToString(f.Checksum)}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(entries),
		"files": entries,
	})
}

// handleFile handles GET /files/{id} requests.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		writeError(w, http.StatusServiceUnavailable, "files not available")
		return
	}

	id := r.PathValue("id")

	sum, err := s.source.FileChecksum(id)
	if err != nil {
		logger.Warn("checksum lookup failed", "file", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if sum == nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	writeJSON(w, http.StatusOK, fileEntry{FileID: id, Checksum: hex.EncodeToString(sum)})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

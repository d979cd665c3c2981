package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dgallion1/livedoc/internal/hub"
	"github.com/dgallion1/livedoc/internal/oplog"
	"github.com/dgallion1/livedoc/internal/ot"
	"github.com/dgallion1/livedoc/internal/parser"
)

// handleContent returns the materialized document as JSON.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	doc, err := s.hub.Materialize(r.Context(), docID)
	if err != nil {
		jsonError(w, "failed to load document: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// handleExport renders the document in the requested format: json (default),
// text, or html.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	format := r.URL.Query().Get("format")

	switch format {
	case "", "json":
		s.handleContent(w, r)
	case "text":
		text, version, err := s.hub.PlainText(r.Context(), docID)
		if err != nil {
			jsonError(w, "failed to export document: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Document-Version", strconv.FormatUint(version, 10))
		io.WriteString(w, text)
	case "html":
		markup, version, err := s.hub.HTML(r.Context(), docID)
		if err != nil {
			jsonError(w, "failed to export document: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Document-Version", strconv.FormatUint(version, 10))
		io.WriteString(w, markup)
	default:
		jsonError(w, fmt.Sprintf("unknown format %q", format), http.StatusBadRequest)
	}
}

// handleHistory returns committed operations from the log, paginated by
// from_seq and limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")

	fromSeq := uint64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			jsonError(w, "invalid from", http.StatusBadRequest)
			return
		}
		fromSeq = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ops, err := s.hub.History(r.Context(), docID, fromSeq, limit)
	if err != nil {
		if errors.Is(err, oplog.ErrSequenceGap) || errors.Is(err, oplog.ErrCorrupted) {
			jsonError(w, "operation log damaged: "+err.Error(), http.StatusInternalServerError)
			return
		}
		jsonError(w, "failed to read history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if ops == nil {
		ops = []*ot.Committed{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"operations": ops})
}

// handleImport parses an uploaded file and commits its content into the
// document as one operation.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024) // extra 1MB for form overhead

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	if !parser.IsSupportedExtension(filename) {
		jsonError(w, fmt.Sprintf("unsupported file type: %s", filepath.Ext(filename)), http.StatusBadRequest)
		return
	}

	p, err := parser.ForFile(filename)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	parsed, err := p.Parse(io.LimitReader(file, s.cfg.MaxUploadBytes), filename)
	if err != nil {
		jsonError(w, "failed to parse file: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	ops := parsed.Ops()
	if len(ops) == 0 {
		jsonError(w, "file produced no content", http.StatusUnprocessableEntity)
		return
	}

	op := &ot.Operation{
		ID:     uuid.NewString(),
		Client: "import",
		Base:   0,
		Ops:    ops,
	}
	committed, err := s.hub.SubmitInitial(r.Context(), docID, op)
	if err != nil {
		if errors.Is(err, hub.ErrDocumentNotEmpty) {
			jsonError(w, "document is not empty", http.StatusConflict)
			return
		}
		jsonError(w, "failed to commit import: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"doc_id":  docID,
		"title":   parsed.Title,
		"seq":     committed.Seq,
		"op_id":   committed.ID,
		"blocks":  len(parsed.Blocks),
		"op_size": len(ops),
	})
}

// handleStats reports hub activity counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// errorCode maps domain errors to a stable code for clients to branch on,
// plus an HTTP status for REST responses.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, hub.ErrStaleBaseVersion):
		return "stale_base_version", http.StatusConflict
	case errors.Is(err, oplog.ErrStorageFault):
		return "storage_fault", http.StatusServiceUnavailable
	default:
		var verr *ot.ValidationError
		if errors.As(err, &verr) {
			return "validation_error", http.StatusBadRequest
		}
		return "internal", http.StatusInternalServerError
	}
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	if name == "" || name == "." || name == "/" {
		return "unnamed"
	}
	return name
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgallion1/livedoc/internal/authz"
	"github.com/dgallion1/livedoc/internal/config"
	"github.com/dgallion1/livedoc/internal/hub"
	"github.com/dgallion1/livedoc/internal/oplog"
	"github.com/dgallion1/livedoc/internal/richtext"
)

const testAPIKey = "test-api-key"

// stubVerifier resolves a fixed token table; unknown tokens are invalid.
type stubVerifier struct {
	users map[string]authz.Identity
}

func (v stubVerifier) Verify(ctx context.Context, token string) (authz.Identity, error) {
	if id, ok := v.users[token]; ok {
		return id, nil
	}
	return authz.Identity{}, authz.ErrInvalidToken
}

func newTestServer(t *testing.T) (*Server, *hub.Hub) {
	t.Helper()
	store, err := oplog.Open(oplog.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(store, nil, hub.Config{}, log)
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	cfg := config.Config{
		LivedocAPIKey:  testAPIKey,
		MaxUploadBytes: 10 << 20,
	}
	verifier := stubVerifier{users: map[string]authz.Identity{
		"tok-alice": {UserID: "alice", Email: "alice@example.com"},
		"tok-bob":   {UserID: "bob", Email: "bob@example.com"},
	}}
	return NewServer(h, verifier, log, cfg), h
}

func doAuthed(t *testing.T, s *Server, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func uploadBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no auth: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key: status = %d, want 401", rec.Code)
	}

	rec = doAuthed(t, s, "GET", "/api/stats", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("good key: status = %d, want 200", rec.Code)
	}
	var stats hub.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
}

func TestContent_EmptyDocument(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doAuthed(t, s, "GET", "/api/documents/doc1/content", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var doc richtext.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Version != 0 || len(doc.Blocks) != 0 {
		t.Fatalf("empty document = %+v", doc)
	}
}

func TestImport_MarkdownThenConflict(t *testing.T) {
	s, _ := newTestServer(t)

	body, ct := uploadBody(t, "notes.md", "# Heading\n\nfirst paragraph\n\nsecond **bold** paragraph\n")
	rec := doAuthed(t, s, "POST", "/api/documents/doc1/import", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		DocID  string `json:"doc_id"`
		Title  string `json:"title"`
		Seq    uint64 `json:"seq"`
		Blocks int    `json:"blocks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DocID != "doc1" || resp.Title != "notes" || resp.Seq != 1 || resp.Blocks != 3 {
		t.Fatalf("import response = %+v", resp)
	}

	rec = doAuthed(t, s, "GET", "/api/documents/doc1/content", nil, "")
	var doc richtext.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if doc.Version != 1 || len(doc.Blocks) != 3 {
		t.Fatalf("content after import: version %d, %d blocks", doc.Version, len(doc.Blocks))
	}
	if doc.Blocks[0].Type != richtext.TypeHeading {
		t.Fatalf("first block type = %q, want heading", doc.Blocks[0].Type)
	}

	// Import only targets empty documents.
	body, ct = uploadBody(t, "again.md", "more content\n")
	rec = doAuthed(t, s, "POST", "/api/documents/doc1/import", body, ct)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second import status = %d, want 409", rec.Code)
	}
}

func TestImport_UnsupportedExtension(t *testing.T) {
	s, _ := newTestServer(t)

	body, ct := uploadBody(t, "binary.exe", "MZ")
	rec := doAuthed(t, s, "POST", "/api/documents/doc1/import", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestImport_EmptyFile(t *testing.T) {
	s, _ := newTestServer(t)

	body, ct := uploadBody(t, "empty.txt", "")
	rec := doAuthed(t, s, "POST", "/api/documents/doc1/import", body, ct)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestExport_TextAndHTML(t *testing.T) {
	s, _ := newTestServer(t)

	body, ct := uploadBody(t, "doc.md", "hello world\n")
	if rec := doAuthed(t, s, "POST", "/api/documents/doc1/import", body, ct); rec.Code != http.StatusOK {
		t.Fatalf("import: %d %s", rec.Code, rec.Body.String())
	}

	rec := doAuthed(t, s, "GET", "/api/documents/doc1/export?format=text", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("text export status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "hello world" {
		t.Fatalf("text export = %q", got)
	}
	if v := rec.Header().Get("X-Document-Version"); v != "1" {
		t.Fatalf("version header = %q, want 1", v)
	}

	rec = doAuthed(t, s, "GET", "/api/documents/doc1/export?format=html", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("html export status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "<p>hello world</p>" {
		t.Fatalf("html export = %q", got)
	}

	rec = doAuthed(t, s, "GET", "/api/documents/doc1/export?format=pdf", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown format status = %d, want 400", rec.Code)
	}
}

func TestHistory_PaginationAndValidation(t *testing.T) {
	s, _ := newTestServer(t)

	body, ct := uploadBody(t, "doc.md", "content\n")
	if rec := doAuthed(t, s, "POST", "/api/documents/doc1/import", body, ct); rec.Code != http.StatusOK {
		t.Fatalf("import: %d", rec.Code)
	}

	rec := doAuthed(t, s, "GET", "/api/documents/doc1/history", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var resp struct {
		Operations []json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Operations) != 1 {
		t.Fatalf("history length = %d, want 1", len(resp.Operations))
	}

	// An empty log still yields an array, never null.
	rec = doAuthed(t, s, "GET", "/api/documents/empty-doc/history", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty history status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"operations":[]`) {
		t.Fatalf("empty history body = %s", rec.Body.String())
	}

	rec = doAuthed(t, s, "GET", "/api/documents/doc1/history?limit=0", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("limit 0 status = %d, want 400", rec.Code)
	}
	rec = doAuthed(t, s, "GET", "/api/documents/doc1/history?from=abc", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad from status = %d, want 400", rec.Code)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"notes.md":           "notes.md",
		"../../etc/passwd":   "passwd",
		"dir/sub/file.txt":   "file.txt",
		"..":                 "unnamed",
		"":                   "unnamed",
		"weird..name.md":     "weirdname.md",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

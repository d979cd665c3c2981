package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var (
	_ http.Hijacker = (*statusWriter)(nil)
	_ http.Flusher  = (*statusWriter)(nil)
)

func TestStatusWriter_HijackWithoutSupport(t *testing.T) {
	// httptest.ResponseRecorder cannot hijack; the wrapper must report that
	// instead of panicking.
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatal("expected error when the underlying writer cannot hijack")
	}
}

func TestStatusWriter_RecordsStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: 200}
	sw.WriteHeader(http.StatusTeapot)
	if sw.status != http.StatusTeapot || rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d (recorded %d), want 418", sw.status, rec.Code)
	}
}

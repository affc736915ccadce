package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSPAHandlerFallsBackToIndex(t *testing.T) {
	h := SPAHandler()

	for _, path := range []string{"/", "/chat", "/form/step"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
		if !strings.Contains(w.Body.String(), "Projektassistent") {
			t.Fatalf("%s: index.html not served", path)
		}
	}
}

func TestSPAHandlerDoesNotShadowAPI(t *testing.T) {
	w := httptest.NewRecorder()
	SPAHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func preflight(t *testing.T, origins []string, origin string) *httptest.ResponseRecorder {
	t.Helper()
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSExplicitOrigin(t *testing.T) {
	rec := preflight(t, []string{"http://localhost:5173"}, "http://localhost:5173")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("expected origin to be allowed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials for explicit origin, got %q", got)
	}
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	rec := preflight(t, []string{"*"}, "http://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("expected no credentials for wildcard, got %q", got)
	}
}

func TestCORSUnknownOrigin(t *testing.T) {
	rec := preflight(t, []string{"http://localhost:5173"}, "http://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected origin to be rejected, got %q", got)
	}
}

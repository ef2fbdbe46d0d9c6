package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/video/12345/", nil))

	got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/api/video/:id", "418"))
	if got != 1 {
		t.Fatalf("expected one request sample, got %v", got)
	}
}

func TestHTTPMiddlewarePrefersRoutePattern(t *testing.T) {
	recorder := New()
	route := func(*http.Request) string { return "/api/video/{id}/{resolution}/index.m3u8" }
	handler := HTTPMiddleware(recorder, route, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\n")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/video/9/480p/index.m3u8", nil))

	got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/api/video/{id}/{resolution}/index.m3u8", "200"))
	if got != 1 {
		t.Fatalf("expected route pattern label, got %v", got)
	}
}

func TestResponseRecorderTracksStatusAndBytes(t *testing.T) {
	rec := NewResponseRecorder(httptest.NewRecorder())
	if rec.Status() != http.StatusOK {
		t.Fatalf("default status = %d", rec.Status())
	}
	rec.WriteHeader(http.StatusCreated)
	rec.WriteHeader(http.StatusInternalServerError)
	if _, err := rec.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := rec.ReadFrom(strings.NewReader("!!")); err != nil {
		t.Fatalf("read from: %v", err)
	}
	if rec.Status() != http.StatusCreated {
		t.Fatalf("expected first status to stick, got %d", rec.Status())
	}
	if rec.BytesWritten() != 7 {
		t.Fatalf("expected 7 bytes, got %d", rec.BytesWritten())
	}
}

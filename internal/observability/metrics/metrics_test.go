package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	testCases := map[string]string{
		"":                             "/",
		"/":                            "/",
		"/api/video/42/":               "/api/video/:id",
		"/api/video/{id}/":             "/api/video/{id}/",
		"/healthz":                     "/healthz",
		"/api/video/42/720p/seg.ts":    "/api/video/:id/720p/seg.ts",
		"/api/video/42/720p/longer.ts": "/api/video/:id/720p/:id",
	}
	for input, want := range testCases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestJobLifecycle(t *testing.T) {
	recorder := New()
	recorder.JobStarted()
	recorder.JobStarted()
	if got := testutil.ToFloat64(recorder.activeJobs); got != 2 {
		t.Fatalf("expected 2 active jobs, got %v", got)
	}
	recorder.JobFinished("transcode", JobSucceeded, 3*time.Second)
	recorder.JobFinished("HLS", JobFailed, time.Second)

	if got := testutil.ToFloat64(recorder.activeJobs); got != 0 {
		t.Fatalf("expected no active jobs, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.jobs.WithLabelValues("transcode", JobSucceeded)); got != 1 {
		t.Fatalf("transcode succeeded = %v", got)
	}
	if got := testutil.ToFloat64(recorder.jobs.WithLabelValues("hls", JobFailed)); got != 1 {
		t.Fatalf("hls failed = %v", got)
	}
}

func TestDispatchAndCleanupCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveDispatch("transcode", 3)
	recorder.ObserveDispatch("thumbnail", 0)
	recorder.ObserveCleanup(4, 1, 0)
	recorder.SetQueueDepth(6)

	if got := testutil.ToFloat64(recorder.dispatched.WithLabelValues("transcode")); got != 3 {
		t.Fatalf("dispatched transcode = %v", got)
	}
	if got := testutil.ToFloat64(recorder.cleanupFiles.WithLabelValues("removed")); got != 4 {
		t.Fatalf("cleanup removed = %v", got)
	}
	if got := testutil.ToFloat64(recorder.queueDepth); got != 6 {
		t.Fatalf("queue depth = %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/healthz", http.StatusOK, 10*time.Millisecond)

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	expected := `videoflix_http_requests_total{method="GET",path="/healthz",status="200"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected exposition to contain %q, got %q", expected, body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go runtime collector output")
	}
}

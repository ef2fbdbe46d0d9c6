package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"videoflix/internal/api"
	"videoflix/internal/auth"
	"videoflix/internal/catalog"
	"videoflix/internal/jobs"
	"videoflix/internal/media"
	"videoflix/internal/models"
	"videoflix/internal/observability/logging"
	"videoflix/internal/observability/metrics"
	"videoflix/internal/playback"
	"videoflix/internal/storage"
	"videoflix/internal/testsupport"
)

type testEnv struct {
	handler  *api.Handler
	resolver *media.Resolver
	sessions *auth.SessionManager
	token    string
	recorder *metrics.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	resolver, err := media.NewResolver(t.TempDir())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	store := storage.NewMemoryRepository()
	queue := jobs.NewMemoryQueue(64)
	t.Cleanup(func() { _ = queue.Close() })
	recorder := metrics.New()

	dispatcher, err := jobs.NewDispatcher(jobs.DispatcherConfig{Queue: queue, Logger: logging.Discard(), Metrics: recorder})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	catalogService, err := catalog.NewService(catalog.Config{Store: store, Resolver: resolver, Publisher: dispatcher, Logger: logging.Discard(), Metrics: recorder})
	if err != nil {
		t.Fatalf("catalog.NewService: %v", err)
	}
	playbackService, err := playback.NewService(resolver)
	if err != nil {
		t.Fatalf("playback.NewService: %v", err)
	}
	handler := api.NewHandler(catalogService, playbackService)
	handler.Logger = logging.Discard()
	handler.Metrics = recorder
	handler.Store = store
	handler.Queue = queue

	sessions := auth.NewSessionManager(time.Hour)
	token, _, err := sessions.Create(context.Background(), "viewer-1")
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return &testEnv{handler: handler, resolver: resolver, sessions: sessions, token: token, recorder: recorder}
}

func (e *testEnv) newServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewSessionAuthenticator(e.sessions, logging.Discard())
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = e.recorder
	}
	srv, err := New(e.handler, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+e.token)
	return req
}

func uploadRequest(t *testing.T, title string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("title", title)
	part, err := writer.CreateFormFile("video_file", "movie.mp4")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = io.WriteString(part, "source")
	_ = writer.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/video/", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestNewRequiresAuthenticator(t *testing.T) {
	env := newTestEnv(t)
	if _, err := New(env.handler, Config{}); err == nil {
		t.Fatalf("expected error without authenticator")
	}
	if _, err := New(nil, Config{Authenticator: auth.AllowAll()}); err == nil {
		t.Fatalf("expected error without handler")
	}
	if _, err := New(env.handler, Config{Authenticator: auth.AllowAll(), CORS: CORSConfig{AllowedOrigins: []string{"nope"}}}); err == nil {
		t.Fatalf("expected error for invalid CORS origin")
	}
}

func TestVideoRoutesRequireAuthentication(t *testing.T) {
	env := newTestEnv(t)
	srv := env.newServer(t, Config{})

	playlist := env.resolver.HLSFile(1, models.Resolution480p, media.PlaylistName)
	if err := media.Prepare(playlist); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(playlist.Abs, []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}

	for _, target := range []string{"/api/video/", "/api/video/1/", "/api/video/1/480p/index.m3u8"} {
		rec := serve(srv, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "authentication required") {
			t.Fatalf("%s: unexpected body %s", target, rec.Body.String())
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Fatalf("%s: missing WWW-Authenticate", target)
		}
	}

	bad := httptest.NewRequest(http.MethodGet, "/api/video/", nil)
	bad.Header.Set("Authorization", "Bearer not-a-session")
	if rec := serve(srv, bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token: expected 401, got %d", rec.Code)
	}

	ok := serve(srv, env.authed(httptest.NewRequest(http.MethodGet, "/api/video/1/480p/index.m3u8", nil)))
	if ok.Code != http.StatusOK || ok.Body.String() != "#EXTM3U\n" {
		t.Fatalf("authenticated playlist: %d %q", ok.Code, ok.Body.String())
	}

	cookie := httptest.NewRequest(http.MethodGet, "/api/video/", nil)
	cookie.AddCookie(&http.Cookie{Name: auth.AccessTokenCookie, Value: env.token})
	if rec := serve(srv, cookie); rec.Code != http.StatusOK {
		t.Fatalf("cookie auth: expected 200, got %d", rec.Code)
	}
}

func TestSessionStoreStates(t *testing.T) {
	env := newTestEnv(t)
	store := testsupport.NewSessionStoreStub()
	store.Seed("live-token", "viewer-2", time.Now().Add(time.Hour))
	store.Seed("stale-token", "viewer-3", time.Now().Add(-time.Minute))
	sessions := auth.NewSessionManager(time.Hour, auth.WithStore(store))
	srv := env.newServer(t, Config{Authenticator: auth.NewSessionAuthenticator(sessions, logging.Discard())})

	request := func(token string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/video/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return req
	}

	if rec := serve(srv, request("live-token")); rec.Code != http.StatusOK {
		t.Fatalf("seeded session: expected 200, got %d", rec.Code)
	}
	if rec := serve(srv, request("stale-token")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired session: expected 401, got %d", rec.Code)
	}
	if _, ok := store.Record("stale-token"); ok {
		t.Fatalf("expected expired session to be deleted")
	}

	store.Fail(true)
	if rec := serve(srv, request("live-token")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unavailable store: expected 401, got %d", rec.Code)
	}
}

func TestPublicRoutes(t *testing.T) {
	env := newTestEnv(t)
	srv := env.newServer(t, Config{})

	health := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("healthz: %d %s", health.Code, health.Body.String())
	}
	assertDefaultSecurityHeaders(t, health.Result())
	if health.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}

	serve(srv, env.authed(httptest.NewRequest(http.MethodGet, "/api/video/7/", nil)))
	exposition := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if exposition.Code != http.StatusOK {
		t.Fatalf("metrics: %d", exposition.Code)
	}
	body := exposition.Body.String()
	if !strings.Contains(body, `videoflix_http_requests_total{method="GET",path="/api/video/{id}",status="404"} 1`) {
		t.Fatalf("expected route pattern label in metrics:\n%s", body)
	}

	missing := serve(srv, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if missing.Code != http.StatusNotFound || !strings.Contains(missing.Body.String(), `"error"`) {
		t.Fatalf("unknown route: %d %s", missing.Code, missing.Body.String())
	}
}

func TestUploadRateLimit(t *testing.T) {
	env := newTestEnv(t)
	srv := env.newServer(t, Config{RateLimit: RateLimitConfig{UploadLimit: 1, UploadWindow: time.Hour}})

	first := serve(srv, env.authed(uploadRequest(t, "One")))
	if first.Code != http.StatusCreated {
		t.Fatalf("first upload: %d %s", first.Code, first.Body.String())
	}
	second := serve(srv, env.authed(uploadRequest(t, "Two")))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload: expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if rec := serve(srv, env.authed(httptest.NewRequest(http.MethodGet, "/api/video/", nil))); rec.Code != http.StatusOK {
		t.Fatalf("reads are not upload limited, got %d", rec.Code)
	}
}

func TestAuditLogsMutations(t *testing.T) {
	env := newTestEnv(t)
	var audit bytes.Buffer
	srv := env.newServer(t, Config{AuditLogger: slog.New(slog.NewJSONHandler(&audit, nil))})

	created := serve(srv, env.authed(uploadRequest(t, "Movie")))
	if created.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", created.Code, created.Body.String())
	}
	serve(srv, env.authed(httptest.NewRequest(http.MethodGet, "/api/video/", nil)))

	lines := strings.Split(strings.TrimSpace(audit.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one audit line, got %d: %s", len(lines), audit.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if entry["subject"] != "viewer-1" || entry["method"] != http.MethodPost || entry["status"] != float64(http.StatusCreated) {
		t.Fatalf("unexpected audit entry %v", entry)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	handler := recoverMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(logs.String(), "boom") {
		t.Fatalf("panic not logged: %s", logs.String())
	}
}

func TestExtractClientIP(t *testing.T) {
	testCases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, remote: "10.0.0.1:1234", want: "203.0.113.7"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": " 198.51.100.2 "}, remote: "10.0.0.1:1234", want: "198.51.100.2"},
		{name: "remote addr", remote: "192.0.2.9:5555", want: "192.0.2.9"},
		{name: "bare remote", remote: "192.0.2.9", want: "192.0.2.9"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for key, value := range tc.headers {
				req.Header.Set(key, value)
			}
			if got := extractClientIP(req); got != tc.want {
				t.Fatalf("extractClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestServerRunServesUntilCancelled(t *testing.T) {
	env := newTestEnv(t)
	srv := env.newServer(t, Config{Addr: "127.0.0.1:0", Authenticator: auth.AllowAll()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, func(addr net.Addr) { ready <- addr })
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("server stopped early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/api/video/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("AllowAll should admit requests, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

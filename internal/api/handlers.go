package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"videoflix/internal/auth"
	"videoflix/internal/catalog"
	"videoflix/internal/jobs"
	"videoflix/internal/observability/logging"
	"videoflix/internal/observability/metrics"
	"videoflix/internal/playback"
)

// DefaultMaxUploadBytes caps a single multipart upload.
const DefaultMaxUploadBytes int64 = 4 << 30

// Pinger is implemented by dependencies that report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Catalog  *catalog.Service
	Playback *playback.Service
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	// Health dependencies. Nil entries are left out of /healthz.
	Store    Pinger
	Queue    jobs.Queue
	Sessions Pinger

	MaxUploadBytes int64
}

func NewHandler(catalogService *catalog.Service, playbackService *playback.Service) *Handler {
	return &Handler{
		Catalog:        catalogService,
		Playback:       playbackService,
		Logger:         slog.Default(),
		MaxUploadBytes: DefaultMaxUploadBytes,
	}
}

// VideoRoutes returns the router mounted at /api/video. Trailing slashes are
// optional on every route.
func (h *Handler) VideoRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/", h.ListVideos)
	r.Post("/", h.CreateVideo)
	r.Get("/{id}", h.GetVideo)
	r.Delete("/{id}", h.DeleteVideo)
	r.Put("/{id}/source", h.ReplaceVideoSource)
	r.Get("/{id}/{resolution}/index.m3u8", h.Playlist)
	r.Get("/{id}/{resolution}/{segment}", h.Segment)
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"services": components,
	})
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(r.Context(), base)
}

// subject names the caller for log lines; empty when auth is disabled.
func subject(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		return principal.Subject
	}
	return ""
}

func assetIDParam(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("video %q not found", raw)
	}
	return id, nil
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Errorf("%s not found", r.URL.Path))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"videoflix/internal/api"
	"videoflix/internal/auth"
	"videoflix/internal/observability/logging"
	"videoflix/internal/observability/metrics"
	"videoflix/internal/serverutil"
)

type TLSConfig = serverutil.TLSConfig

// TimeoutConfig bounds connection phases. Uploads and segment downloads are
// large, so read and write default to minutes rather than seconds.
type TimeoutConfig struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
	Shutdown   time.Duration
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	Timeouts  TimeoutConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	// Authenticator gates /api/video. Required; auth.AllowAll disables the
	// check for local development.
	Authenticator auth.Authenticator
	Logger        *slog.Logger
	AuditLogger   *slog.Logger
	Metrics       *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl := newRateLimiter(cfg.RateLimit)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(recorder, routePattern, next)
	})
	router.Use(func(next http.Handler) http.Handler {
		return recoverMiddleware(logger, next)
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	router.Get("/healthz", handler.Health)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	router.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return authMiddleware(cfg.Authenticator, logger, next)
		})
		r.Use(func(next http.Handler) http.Handler {
			return auditMiddleware(cfg.AuditLogger, next)
		})
		r.Use(func(next http.Handler) http.Handler {
			return uploadRateLimitMiddleware(rl, logger, next)
		})
		r.Mount("/api/video", handler.VideoRoutes())
	})

	handlerChain := http.Handler(router)
	handlerChain = rateLimitMiddleware(rl, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
		DisableRemoteAddr: true,
	})(handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	timeouts := cfg.Timeouts.withDefaults()
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: timeouts.ReadHeader,
		ReadTimeout:       timeouts.Read,
		WriteTimeout:      timeouts.Write,
		IdleTimeout:       timeouts.Idle,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:      httpServer,
		logger:          logger,
		rateLimiter:     rl,
		tls:             TLSConfig{CertFile: strings.TrimSpace(cfg.TLS.CertFile), KeyFile: strings.TrimSpace(cfg.TLS.KeyFile)},
		shutdownTimeout: timeouts.Shutdown,
	}
	if srv.tls.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

func (t TimeoutConfig) withDefaults() TimeoutConfig {
	if t.ReadHeader <= 0 {
		t.ReadHeader = 5 * time.Second
	}
	if t.Read <= 0 {
		t.Read = 15 * time.Minute
	}
	if t.Write <= 0 {
		t.Write = 15 * time.Minute
	}
	if t.Idle <= 0 {
		t.Idle = 60 * time.Second
	}
	if t.Shutdown <= 0 {
		t.Shutdown = serverutil.DefaultShutdownTimeout
	}
	return t
}

// Handler exposes the assembled middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled and then drains in-flight requests.
func (s *Server) Run(ctx context.Context, onReady func(net.Addr)) error {
	defer func() {
		if err := s.rateLimiter.Close(); err != nil {
			s.logger.Warn("failed to close rate limiter store", "error", err)
		}
	}()
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Name:            "api",
		Logger:          s.logger,
		OnReady:         onReady,
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// recoverMiddleware turns a handler panic into a logged 500.
func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			loggingWithRequest(logger, r).Error("handler panic",
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			writeMiddlewareError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// uploadRateLimitMiddleware spends the per-client upload budget on requests
// that carry a source file.
func uploadRateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter, err := rl.AllowUpload(r.Context(), extractClientIP(r))
		if err != nil {
			loggingWithRequest(logger, r).Error("rate limiter failure", "error", err)
			writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
			return
		}
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "too many uploads")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects unauthenticated callers before any handler reads
// storage or the media root.
func authMiddleware(authenticator auth.Authenticator, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := authenticator.Authenticate(r)
		if !ok {
			if auth.ExtractToken(r) != "" {
				loggingWithRequest(logger, r).Info("rejected credentials")
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="videoflix"`)
			writeMiddlewareError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
			ctx = logging.ContextWithLogger(ctx, ctxLogger.With("subject", principal.Subject))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			return
		}
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r),
		}
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			fields = append(fields, "subject", principal.Subject, "auth_method", principal.Method)
		}
		if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
			fields = append(fields, "request_id", requestID)
		}
		logger.Info("audit", fields...)
	})
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

package server

import (
	"log/slog"
	"net/http"

	"videoflix/internal/observability/logging"
)

// loggingWithRequest returns the request scoped logger, falling back to base,
// annotated with the path and the resolved client address.
func loggingWithRequest(base *slog.Logger, r *http.Request) *slog.Logger {
	if r == nil {
		return base
	}
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		if base == nil {
			base = slog.Default()
		}
		logger = logging.WithContext(r.Context(), base)
	}
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", extractClientIP(r),
	)
}

package server

import (
	"net/http"
	"strconv"
)

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultContentTypeOptions    = "nosniff"
	// Players on other origins fetch playlists and segments directly.
	defaultResourcePolicy = "cross-origin"
)

// SecurityConfig sets the hardening headers attached to every response.
// Zero-valued fields fall back to defaults suited to a JSON and media API.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	ResourcePolicy        string
	// HSTSMaxAge enables Strict-Transport-Security on TLS requests when
	// positive. Value in seconds.
	HSTSMaxAge int
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	if cfg.ResourcePolicy == "" {
		cfg.ResourcePolicy = defaultResourcePolicy
	}
	return cfg
}

func (cfg SecurityConfig) headers() map[string]string {
	return map[string]string{
		"Content-Security-Policy":      cfg.ContentSecurityPolicy,
		"X-Frame-Options":              cfg.FrameOptions,
		"Referrer-Policy":              cfg.ReferrerPolicy,
		"X-Content-Type-Options":       cfg.ContentTypeOptions,
		"Cross-Origin-Resource-Policy": cfg.ResourcePolicy,
	}
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	headers := effective.headers()
	hsts := ""
	if effective.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(effective.HSTSMaxAge) + "; includeSubDomains"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for name, value := range headers {
			w.Header().Set(name, value)
		}
		if hsts != "" && r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

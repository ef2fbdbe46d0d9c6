// Package auth decides who may read the catalogue and stream media. It
// validates credentials minted elsewhere; it never issues user logins.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// AccessTokenCookie carries the session token for browser clients.
const AccessTokenCookie = "access_token"

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	// Method names the authenticator that accepted the request.
	Method string
}

type principalContextKey struct{}

// ContextWithPrincipal stores the authenticated caller on ctx.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext returns the caller stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}

// Authenticator inspects a request and reports the caller, if any.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, bool)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (Principal, bool)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Principal, bool) {
	return f(r)
}

// Chain tries each authenticator in order; the first match wins.
func Chain(authenticators ...Authenticator) Authenticator {
	list := make([]Authenticator, 0, len(authenticators))
	for _, a := range authenticators {
		if a != nil {
			list = append(list, a)
		}
	}
	return AuthenticatorFunc(func(r *http.Request) (Principal, bool) {
		for _, a := range list {
			if principal, ok := a.Authenticate(r); ok {
				return principal, true
			}
		}
		return Principal{}, false
	})
}

// AllowAll admits every request as an anonymous developer. Local use only.
func AllowAll() Authenticator {
	return AuthenticatorFunc(func(*http.Request) (Principal, bool) {
		return Principal{Subject: "anonymous", Method: "allow_all"}, true
	})
}

// ExtractToken returns the bearer token from the Authorization header, or the
// access_token cookie when no header is present.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// SessionAuthenticator accepts requests carrying a live session token.
type SessionAuthenticator struct {
	sessions *SessionManager
	logger   *slog.Logger
}

func NewSessionAuthenticator(sessions *SessionManager, logger *slog.Logger) *SessionAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionAuthenticator{sessions: sessions, logger: logger}
}

func (a *SessionAuthenticator) Authenticate(r *http.Request) (Principal, bool) {
	token := ExtractToken(r)
	if token == "" {
		return Principal{}, false
	}
	userID, _, ok, err := a.sessions.Validate(r.Context(), token)
	if err != nil {
		a.logger.Warn("session lookup failed", "error", err)
		return Principal{}, false
	}
	if !ok {
		return Principal{}, false
	}
	return Principal{Subject: userID, Method: "session"}, true
}

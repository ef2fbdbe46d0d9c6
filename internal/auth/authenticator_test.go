package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"videoflix/internal/observability/logging"
)

func TestExtractToken(t *testing.T) {
	testCases := []struct {
		name   string
		header string
		cookie string
		want   string
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "bearer case insensitive", header: "bearer  abc ", want: "abc"},
		{name: "cookie fallback", cookie: "from-cookie", want: "from-cookie"},
		{name: "header wins", header: "Bearer header", cookie: "cookie", want: "header"},
		{name: "other scheme ignored", header: "Basic dXNlcg==", want: ""},
		{name: "none", want: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/video/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: tc.cookie})
			}
			if got := ExtractToken(req); got != tc.want {
				t.Fatalf("ExtractToken = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSessionAuthenticator(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	token, _, err := manager.Create(context.Background(), "viewer-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	authenticator := NewSessionAuthenticator(manager, logging.Discard())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: token})
	principal, ok := authenticator.Authenticate(req)
	if !ok || principal.Subject != "viewer-1" || principal.Method != "session" {
		t.Fatalf("unexpected principal %+v ok=%v", principal, ok)
	}

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.Header.Set("Authorization", "Bearer nope")
	if _, ok := authenticator.Authenticate(bad); ok {
		t.Fatalf("unknown token must be rejected")
	}
}

func TestChain(t *testing.T) {
	deny := AuthenticatorFunc(func(*http.Request) (Principal, bool) { return Principal{}, false })
	grant := AuthenticatorFunc(func(*http.Request) (Principal, bool) { return Principal{Subject: "second"}, true })
	never := AuthenticatorFunc(func(*http.Request) (Principal, bool) {
		t.Fatalf("chain must stop at the first match")
		return Principal{}, false
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	principal, ok := Chain(deny, nil, grant, never).Authenticate(req)
	if !ok || principal.Subject != "second" {
		t.Fatalf("unexpected chain result %+v %v", principal, ok)
	}
	if _, ok := Chain().Authenticate(req); ok {
		t.Fatalf("empty chain must deny")
	}
	if _, ok := AllowAll().Authenticate(req); !ok {
		t.Fatalf("AllowAll must admit")
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("empty context must not carry a principal")
	}
	ctx := ContextWithPrincipal(context.Background(), Principal{Subject: "user-1", Method: "session"})
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal.Subject != "user-1" {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	encoded, err := HashServiceToken("edge-secret", 1000)
	if err != nil {
		t.Fatalf("HashServiceToken: %v", err)
	}
	if !strings.HasPrefix(encoded, "pbkdf2$sha256$1000$") || strings.Contains(encoded, "edge-secret") {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	authenticator, err := NewServiceTokenAuthenticator("", encoded)
	if err != nil {
		t.Fatalf("NewServiceTokenAuthenticator: %v", err)
	}

	viaHeader := httptest.NewRequest(http.MethodGet, "/", nil)
	viaHeader.Header.Set(ServiceTokenHeader, "edge-secret")
	if principal, ok := authenticator.Authenticate(viaHeader); !ok || principal.Method != "service_token" {
		t.Fatalf("expected header token to authenticate, got %+v %v", principal, ok)
	}

	viaBearer := httptest.NewRequest(http.MethodGet, "/", nil)
	viaBearer.Header.Set("Authorization", "Bearer edge-secret")
	if _, ok := authenticator.Authenticate(viaBearer); !ok {
		t.Fatalf("expected bearer token to authenticate")
	}

	wrong := httptest.NewRequest(http.MethodGet, "/", nil)
	wrong.Header.Set(ServiceTokenHeader, "edge-secret2")
	if _, ok := authenticator.Authenticate(wrong); ok {
		t.Fatalf("wrong token must be rejected")
	}
}

func TestServiceTokenHashValidation(t *testing.T) {
	testCases := []string{
		"plain",
		"pbkdf2$sha1$1000$c2FsdA$a2V5",
		"pbkdf2$sha256$0$c2FsdA$a2V5",
		"pbkdf2$sha256$1000$!!$a2V5",
		"pbkdf2$sha256$1000$c2FsdA$",
	}
	for _, encoded := range testCases {
		if _, err := NewServiceTokenAuthenticator(encoded); !errors.Is(err, ErrInvalidServiceTokenHash) {
			t.Fatalf("%q: expected ErrInvalidServiceTokenHash, got %v", encoded, err)
		}
	}
	if _, err := NewServiceTokenAuthenticator(); err == nil {
		t.Fatalf("expected error without hashes")
	}
}

func TestNewServiceToken(t *testing.T) {
	first, err := NewServiceToken()
	if err != nil {
		t.Fatalf("NewServiceToken: %v", err)
	}
	second, err := NewServiceToken()
	if err != nil {
		t.Fatalf("NewServiceToken: %v", err)
	}
	if len(first) != 64 || first == second {
		t.Fatalf("expected distinct 64 character tokens, got %q and %q", first, second)
	}
}

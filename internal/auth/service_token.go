package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ServiceTokenHeader carries operator and edge credentials.
const ServiceTokenHeader = "X-Service-Token"

const (
	serviceTokenScheme     = "pbkdf2"
	serviceTokenDigest     = "sha256"
	serviceTokenKeyLength  = 32
	serviceTokenSaltLength = 16
	// DefaultServiceTokenIterations is used by HashServiceToken when no
	// iteration count is given.
	DefaultServiceTokenIterations = 210000
)

var ErrInvalidServiceTokenHash = errors.New("invalid service token hash")

type serviceTokenHash struct {
	iterations int
	salt       []byte
	key        []byte
}

// HashServiceToken derives the stored form pbkdf2$sha256$iter$salt$key.
func HashServiceToken(token string, iterations int) (string, error) {
	if token == "" {
		return "", errors.New("service token required")
	}
	if iterations <= 0 {
		iterations = DefaultServiceTokenIterations
	}
	salt := make([]byte, serviceTokenSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := pbkdf2.Key([]byte(token), salt, iterations, serviceTokenKeyLength, sha256.New)
	return strings.Join([]string{
		serviceTokenScheme,
		serviceTokenDigest,
		strconv.Itoa(iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	}, "$"), nil
}

// NewServiceToken returns a random hex token suitable for HashServiceToken.
func NewServiceToken() (string, error) {
	return generateToken(32)
}

func parseServiceTokenHash(encoded string) (serviceTokenHash, error) {
	parts := strings.Split(strings.TrimSpace(encoded), "$")
	if len(parts) != 5 || parts[0] != serviceTokenScheme || parts[1] != serviceTokenDigest {
		return serviceTokenHash{}, ErrInvalidServiceTokenHash
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return serviceTokenHash{}, fmt.Errorf("%w: iterations", ErrInvalidServiceTokenHash)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(salt) == 0 {
		return serviceTokenHash{}, fmt.Errorf("%w: salt", ErrInvalidServiceTokenHash)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return serviceTokenHash{}, fmt.Errorf("%w: key", ErrInvalidServiceTokenHash)
	}
	return serviceTokenHash{iterations: iterations, salt: salt, key: key}, nil
}

func (h serviceTokenHash) matches(token string) bool {
	derived := pbkdf2.Key([]byte(token), h.salt, h.iterations, len(h.key), sha256.New)
	return subtle.ConstantTimeCompare(derived, h.key) == 1
}

// ServiceTokenAuthenticator accepts requests presenting a token whose pbkdf2
// hash is configured. The token is read from X-Service-Token, then from the
// bearer header.
type ServiceTokenAuthenticator struct {
	hashes []serviceTokenHash
}

func NewServiceTokenAuthenticator(encoded ...string) (*ServiceTokenAuthenticator, error) {
	hashes := make([]serviceTokenHash, 0, len(encoded))
	for _, value := range encoded {
		if strings.TrimSpace(value) == "" {
			continue
		}
		parsed, err := parseServiceTokenHash(value)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, parsed)
	}
	if len(hashes) == 0 {
		return nil, fmt.Errorf("at least one service token hash is required")
	}
	return &ServiceTokenAuthenticator{hashes: hashes}, nil
}

func (a *ServiceTokenAuthenticator) Authenticate(r *http.Request) (Principal, bool) {
	token := strings.TrimSpace(r.Header.Get(ServiceTokenHeader))
	if token == "" {
		token = ExtractToken(r)
	}
	if token == "" {
		return Principal{}, false
	}
	for _, hash := range a.hashes {
		if hash.matches(token) {
			return Principal{Subject: "service", Method: "service_token"}, true
		}
	}
	return Principal{}, false
}

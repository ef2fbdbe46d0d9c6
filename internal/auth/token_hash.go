package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var errSessionTokenRequired = errors.New("session token required")

// hashSessionToken maps an operator's bearer token to the key of its
// auth_sessions row. Only the hex SHA-256 digest reaches Postgres; the raw
// token exists in the issue-credentials output and the client alone.
func hashSessionToken(token string) (string, error) {
	if token == "" {
		return "", errSessionTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:]), nil
}

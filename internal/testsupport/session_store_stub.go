// Package testsupport holds fakes shared by package tests.
package testsupport

import (
	"context"
	"errors"
	"sync"
	"time"

	"videoflix/internal/auth"
)

// ErrStoreUnavailable is returned by SessionStoreStub while Fail is set.
var ErrStoreUnavailable = errors.New("session store unavailable")

// SessionStoreStub is an in-memory auth.SessionStore for tests. It can seed
// records with arbitrary expirations and simulate an unreachable backend.
type SessionStoreStub struct {
	mu       sync.RWMutex
	sessions map[string]auth.SessionRecord
	fail     bool
}

func NewSessionStoreStub() *SessionStoreStub {
	return &SessionStoreStub{sessions: make(map[string]auth.SessionRecord)}
}

func (s *SessionStoreStub) Save(_ context.Context, token, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrStoreUnavailable
	}
	s.sessions[token] = auth.SessionRecord{Token: token, UserID: userID, ExpiresAt: expiresAt.UTC()}
	return nil
}

func (s *SessionStoreStub) Get(_ context.Context, token string) (auth.SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail {
		return auth.SessionRecord{}, false, ErrStoreUnavailable
	}
	record, ok := s.sessions[token]
	return record, ok, nil
}

func (s *SessionStoreStub) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrStoreUnavailable
	}
	delete(s.sessions, token)
	return nil
}

func (s *SessionStoreStub) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, ErrStoreUnavailable
	}
	var purged int64
	for token, record := range s.sessions {
		if !now.Before(record.ExpiresAt) {
			delete(s.sessions, token)
			purged++
		}
	}
	return purged, nil
}

// Seed inserts a session record, overriding any existing entry.
func (s *SessionStoreStub) Seed(token, userID string, expiresAt time.Time) {
	s.mu.Lock()
	s.sessions[token] = auth.SessionRecord{Token: token, UserID: userID, ExpiresAt: expiresAt.UTC()}
	s.mu.Unlock()
}

// Record looks up a token and returns the stored SessionRecord when present.
func (s *SessionStoreStub) Record(token string) (auth.SessionRecord, bool) {
	s.mu.RLock()
	record, ok := s.sessions[token]
	s.mu.RUnlock()
	return record, ok
}

// Fail toggles simulated backend failures for every operation.
func (s *SessionStoreStub) Fail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *SessionStoreStub) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail {
		return ErrStoreUnavailable
	}
	return nil
}

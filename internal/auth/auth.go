// Package auth guards the dashboard with a single operator password and
// in-memory session tokens.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadPassword is returned by Login for a wrong password.
	ErrBadPassword = errors.New("auth: invalid password")
	// ErrInvalidSession is returned for a missing, unknown or expired token.
	ErrInvalidSession = errors.New("auth: invalid or expired session")
)

// DefaultSessionTTL is used when NewService is given a non-positive TTL.
const DefaultSessionTTL = 24 * time.Hour

// Session is an issued login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service checks the operator password and tracks sessions.
type Service struct {
	hash   []byte
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time // token hash -> expiry
}

// NewService creates a Service for a bcrypt password hash. An empty hash
// disables authentication.
func NewService(passwordHash string, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Service{
		hash:     []byte(passwordHash),
		ttl:      ttl,
		logger:   logger.With().Str("component", "auth").Logger(),
		now:      time.Now,
		sessions: make(map[string]time.Time),
	}
}

// Enabled reports whether a password is configured.
func (s *Service) Enabled() bool { return len(s.hash) > 0 }

// HashPassword returns the bcrypt hash stored in server.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("auth: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// Login verifies password and issues a session.
func (s *Service) Login(password string) (Session, error) {
	if !s.Enabled() {
		return Session{}, fmt.Errorf("auth: no password configured")
	}
	if bcrypt.CompareHashAndPassword(s.hash, []byte(password)) != nil {
		s.logger.Warn().Msg("login rejected")
		return Session{}, ErrBadPassword
	}

	token := uuid.NewString()
	now := s.now()
	expires := now.Add(s.ttl)

	s.mu.Lock()
	s.pruneLocked(now)
	s.sessions[hashToken(token)] = expires
	s.mu.Unlock()

	s.logger.Info().Time("expires", expires).Msg("operator login")
	return Session{Token: token, ExpiresAt: expires}, nil
}

// Authenticate validates a session token. It always succeeds when
// authentication is disabled.
func (s *Service) Authenticate(token string) error {
	if !s.Enabled() {
		return nil
	}
	if token == "" {
		return ErrInvalidSession
	}
	key := hashToken(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.sessions[key]
	if !ok {
		return ErrInvalidSession
	}
	if !s.now().Before(expires) {
		delete(s.sessions, key)
		return ErrInvalidSession
	}
	return nil
}

// Logout forgets a session token.
func (s *Service) Logout(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	delete(s.sessions, hashToken(token))
	s.mu.Unlock()
}

// Sessions returns the number of live sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.sessions)
}

func (s *Service) pruneLocked(now time.Time) {
	for k, exp := range s.sessions {
		if !now.Before(exp) {
			delete(s.sessions, k)
		}
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

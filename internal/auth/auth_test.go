package auth

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testService(t *testing.T, password string) (*Service, *time.Time) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	s := NewService(string(hash), time.Hour, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestLoginAuthenticate(t *testing.T) {
	s, now := testService(t, "hunter2")
	require.True(t, s.Enabled())

	sess, err := s.Login("hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, now.Add(time.Hour), sess.ExpiresAt)
	assert.NoError(t, s.Authenticate(sess.Token))
	assert.Equal(t, 1, s.Sessions())

	assert.ErrorIs(t, s.Authenticate(""), ErrInvalidSession)
	assert.ErrorIs(t, s.Authenticate("nope"), ErrInvalidSession)
}

func TestLogin_BadPassword(t *testing.T) {
	s, _ := testService(t, "hunter2")
	_, err := s.Login("hunter3")
	assert.ErrorIs(t, err, ErrBadPassword)
	assert.Zero(t, s.Sessions())
}

func TestSessionExpires(t *testing.T) {
	s, now := testService(t, "hunter2")
	sess, err := s.Login("hunter2")
	require.NoError(t, err)

	*now = now.Add(59 * time.Minute)
	assert.NoError(t, s.Authenticate(sess.Token))

	*now = now.Add(time.Minute)
	assert.ErrorIs(t, s.Authenticate(sess.Token), ErrInvalidSession)
	assert.Zero(t, s.Sessions())
}

func TestLogout(t *testing.T) {
	s, _ := testService(t, "hunter2")
	sess, err := s.Login("hunter2")
	require.NoError(t, err)

	s.Logout(sess.Token)
	assert.ErrorIs(t, s.Authenticate(sess.Token), ErrInvalidSession)
	s.Logout("")
}

func TestDisabled(t *testing.T) {
	s := NewService("", 0, zerolog.Nop())
	assert.False(t, s.Enabled())
	assert.Equal(t, DefaultSessionTTL, s.ttl)
	assert.NoError(t, s.Authenticate(""))
	_, err := s.Login("anything")
	assert.Error(t, err)
}

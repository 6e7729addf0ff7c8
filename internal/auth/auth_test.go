package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Password = "hunter2"
	cfg.JWTSecret = "test-secret"
	return cfg
}

func TestAuthenticate(t *testing.T) {
	a, err := NewAuthenticator(enabledConfig())
	require.NoError(t, err)
	require.True(t, a.IsEnabled())

	token, expires, err := a.Authenticate("admin", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Greater(t, expires, time.Now().Unix())

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "vigil", claims.Issuer)

	_, _, err = a.Authenticate("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("root", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateWithHashedPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	cfg := enabledConfig()
	cfg.Password = hash
	a, err := NewAuthenticator(cfg)
	require.NoError(t, err)

	_, _, err = a.Authenticate("admin", "hunter2")
	assert.NoError(t, err)
}

func TestDisabled(t *testing.T) {
	a, err := NewAuthenticator(DefaultConfig())
	require.NoError(t, err)
	assert.False(t, a.IsEnabled())

	_, _, err = a.Authenticate("admin", "anything")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Username = ""
	cfg.TokenExpiry = 0

	_, err := NewAuthenticator(cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "username")
	assert.ErrorContains(t, err, "password")
	assert.ErrorContains(t, err, "token_expiry")
}

func TestValidateTokenRejects(t *testing.T) {
	s, err := newSigner("secret-a", time.Hour)
	require.NoError(t, err)
	token, _, err := s.issue("admin")
	require.NoError(t, err)

	claims, err := s.verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.NotEmpty(t, claims.ID)

	other, err := newSigner("secret-b", time.Hour)
	require.NoError(t, err)
	_, err = other.verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := newSigner("secret-a", time.Minute)
	require.NoError(t, err)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, err := expired.issue("admin")
	require.NoError(t, err)
	_, err = s.verify(old)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRandomSecretTokensAreDistinct(t *testing.T) {
	a, err := newSigner("", time.Hour)
	require.NoError(t, err)
	b, err := newSigner("", time.Hour)
	require.NoError(t, err)

	token, _, err := a.issue("admin")
	require.NoError(t, err)
	_, err = a.verify(token)
	assert.NoError(t, err)
	_, err = b.verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

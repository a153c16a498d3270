package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	a := NewAuthenticator("secret", []string{"alice"}, "issueagent", time.Hour)
	token, err := a.IssueToken("alice")
	require.NoError(t, err)

	subject, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)
}

func TestIssueTokenRejectsNonAdmin(t *testing.T) {
	a := NewAuthenticator("secret", []string{"alice"}, "issueagent", time.Hour)
	_, err := a.IssueToken("bob")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestValidateTokenFailures(t *testing.T) {
	a := NewAuthenticator("secret", nil, "issueagent", time.Hour)

	wrongKey := NewAuthenticator("other", nil, "issueagent", time.Hour)
	token, err := wrongKey.IssueToken("alice")
	require.NoError(t, err)
	_, err = a.ValidateToken(token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	expired := NewAuthenticator("secret", nil, "issueagent", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err = expired.IssueToken("alice")
	require.NoError(t, err)
	_, err = a.ValidateToken(token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "alice",
		"type": "refresh",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := refresh.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = a.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrUnauthorized)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice", "type": "admin"})
	signed, err = none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNoSecretRejectsEverything(t *testing.T) {
	a := NewAuthenticator("", nil, "issueagent", time.Hour)
	_, err := a.IssueToken("alice")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = a.ValidateToken("anything")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken(time.Hour)
	require.NoError(t, err)
	assert.Len(t, jt.Token, 64)
	assert.True(t, jt.ExpiresAt.After(jt.CreatedAt))

	assert.NoError(t, tm.ValidateToken(jt.Token))
	assert.Error(t, tm.ValidateToken("no-such-token"))
}

func TestExpiredTokenRejected(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken(-time.Second)
	require.NoError(t, err)

	err = tm.ValidateToken(jt.Token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestRevokeToken(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken(time.Hour)
	require.NoError(t, err)
	require.NoError(t, tm.ValidateToken(jt.Token))

	tm.RevokeToken(jt.Token)
	assert.Error(t, tm.ValidateToken(jt.Token))
}

func TestCleanupExpiredTokens(t *testing.T) {
	tm := NewTokenManager()

	live, err := tm.GenerateToken(time.Hour)
	require.NoError(t, err)
	_, err = tm.GenerateToken(-time.Second)
	require.NoError(t, err)
	require.Len(t, tm.ListTokens(), 2)

	tm.CleanupExpiredTokens()

	tokens := tm.ListTokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, live.Token, tokens[0].Token)
}

func TestTokensAreUnique(t *testing.T) {
	tm := NewTokenManager()
	a, err := tm.GenerateToken(time.Hour)
	require.NoError(t, err)
	b, err := tm.GenerateToken(time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)
}

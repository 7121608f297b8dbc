package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/meridian/internal/config"
)

func testManager(t *testing.T, ttl time.Duration) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(config.AuthConfig{
		JWTSecret: "test-secret",
		TokenTTL:  ttl,
	})
	require.NoError(t, err)
	return m
}

func TestTokenManager_RoundTrip(t *testing.T) {
	m := testManager(t, time.Hour)

	token, err := m.Generate("alex", RoleOperator)
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alex", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "meridian", claims.Issuer)
}

func TestTokenManager_RejectsExpiredTokens(t *testing.T) {
	m := testManager(t, time.Hour)
	m.ttl = -time.Minute

	token, err := m.Generate("alex", RoleOperator)
	require.NoError(t, err)

	_, err = m.Validate(token)
	require.Error(t, err)
}

func TestTokenManager_RejectsForeignSecrets(t *testing.T) {
	m := testManager(t, time.Hour)

	other, err := NewTokenManager(config.AuthConfig{JWTSecret: "other-secret"})
	require.NoError(t, err)

	token, err := other.Generate("alex", RoleOperator)
	require.NoError(t, err)

	_, err = m.Validate(token)
	require.Error(t, err)
}

func TestTokenManager_RejectsGarbage(t *testing.T) {
	m := testManager(t, time.Hour)

	_, err := m.Validate("not.a.token")
	require.Error(t, err)
}

func TestTokenManager_OperatorRole(t *testing.T) {
	m := testManager(t, time.Hour)

	t.Run("accepts operators", func(t *testing.T) {
		token, err := m.Generate("alex", RoleOperator)
		require.NoError(t, err)

		claims, err := m.ValidateOperator(token)
		require.NoError(t, err)
		assert.Equal(t, RoleOperator, claims.Role)
	})

	t.Run("rejects other roles", func(t *testing.T) {
		token, err := m.Generate("alex", "viewer")
		require.NoError(t, err)

		_, err = m.ValidateOperator(token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "viewer")
	})
}

func TestNewTokenManager_RequiresSecret(t *testing.T) {
	_, err := NewTokenManager(config.AuthConfig{})
	require.Error(t, err)
}

func TestAPIKeys(t *testing.T) {
	hash, err := HashAPIKey("reporter-key-1")
	require.NoError(t, err)

	assert.True(t, VerifyAPIKey(hash, "reporter-key-1"))
	assert.False(t, VerifyAPIKey(hash, "reporter-key-2"))
	assert.False(t, VerifyAPIKey("not-a-hash", "reporter-key-1"))
}

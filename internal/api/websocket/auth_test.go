package websocket

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	secret := "auth-test-secret"

	t.Run("Round trips superadmin and admin roles", func(t *testing.T) {
		for _, role := range []string{RoleSuperadmin, RoleAdmin} {
			token, err := GenerateToken(secret, "ops", role, time.Hour)
			require.NoError(t, err)

			claims, err := ValidateToken(secret, token)
			require.NoError(t, err)
			assert.Equal(t, role, claims.Role)
			assert.Equal(t, "ops", claims.Subject)
		}
	})

	t.Run("Rejects empty token", func(t *testing.T) {
		_, err := ValidateToken(secret, "")
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("Rejects empty secret", func(t *testing.T) {
		token, err := GenerateToken(secret, "ops", RoleAdmin, time.Hour)
		require.NoError(t, err)

		_, err = ValidateToken("", token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Rejects expired token", func(t *testing.T) {
		token, err := GenerateToken(secret, "ops", RoleAdmin, -time.Minute)
		require.NoError(t, err)

		_, err = ValidateToken(secret, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Rejects unknown role", func(t *testing.T) {
		token, err := GenerateToken(secret, "ops", "intern", time.Hour)
		require.NoError(t, err)

		_, err = ValidateToken(secret, token)
		assert.ErrorIs(t, err, ErrInsufficientRole)
	})

	t.Run("Rejects garbage", func(t *testing.T) {
		_, err := ValidateToken(secret, "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestBearerToken(t *testing.T) {
	t.Run("Prefers Authorization header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
		r.Header.Set("Authorization", "Bearer from-header")
		assert.Equal(t, "from-header", bearerToken(r))
	})

	t.Run("Accepts raw header value", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "raw-token")
		assert.Equal(t, "raw-token", bearerToken(r))
	})

	t.Run("Falls back to query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
		assert.Equal(t, "from-query", bearerToken(r))
	})

	t.Run("Empty when absent", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		assert.Equal(t, "", bearerToken(r))
	})
}

package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/auth"
)

const secret = "test-secret-0123456789"

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager(secret, "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("svc-writer", "writers")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "writers", claims.Team)
	assert.Equal(t, "svc-writer", claims.Subject)
}

func TestNewJWTManager_RequiresSecret(t *testing.T) {
	_, err := auth.NewJWTManager("", "", time.Hour)
	assert.Error(t, err)
}

func TestIssueToken_RequiresTeam(t *testing.T) {
	mgr, err := auth.NewJWTManager(secret, "", time.Hour)
	require.NoError(t, err)
	_, _, err = mgr.IssueToken("svc", " ")
	assert.Error(t, err)
}

// forgeToken signs claims with key using HS256.
func forgeToken(t *testing.T, key string, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func validClaims() *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc",
			Issuer:    "scriptorium",
			Audience:  jwt.ClaimStrings{"scriptorium"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		Team: "reviewers",
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	mgr, err := auth.NewJWTManager(secret, "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *auth.Claims)
		key    string
		method jwt.SigningMethod
	}{
		{"wrong issuer", func(c *auth.Claims) { c.Issuer = "someone-else" }, secret, jwt.SigningMethodHS256},
		{"wrong audience", func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"other"} }, secret, jwt.SigningMethodHS256},
		{"expired", func(c *auth.Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }, secret, jwt.SigningMethodHS256},
		{"missing team", func(c *auth.Claims) { c.Team = "" }, secret, jwt.SigningMethodHS256},
		{"wrong key", func(*auth.Claims) {}, "another-secret", jwt.SigningMethodHS256},
		{"other hmac size", func(*auth.Claims) {}, secret, jwt.SigningMethodHS512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaims()
			tt.mutate(c)
			_, err := mgr.ValidateToken(forgeToken(t, tt.key, tt.method, c))
			assert.Error(t, err)
		})
	}

	t.Run("unmodified claims pass", func(t *testing.T) {
		claims, err := mgr.ValidateToken(forgeToken(t, secret, jwt.SigningMethodHS256, validClaims()))
		require.NoError(t, err)
		assert.Equal(t, "reviewers", claims.Team)
	})
}

func TestValidateToken_Garbage(t *testing.T) {
	mgr, err := auth.NewJWTManager(secret, "", time.Hour)
	require.NoError(t, err)
	_, err = mgr.ValidateToken("not.a.jwt")
	assert.Error(t, err)
}

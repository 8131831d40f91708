// Package auth provides JWT authentication for Scriptorium.
//
// Tokens are HS256-signed with a shared secret and carry the caller's team
// in a "team" claim. The pipeline enforces that claim against the team bound
// to each step.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "scriptorium"

// Claims extends jwt.RegisteredClaims with the caller team.
type Claims struct {
	jwt.RegisteredClaims
	Team string `json:"team"`
}

// JWTManager issues and validates HS256 tokens.
type JWTManager struct {
	secret     []byte
	audience   string
	expiration time.Duration
}

// NewJWTManager creates a JWTManager. The secret must be non-empty; callers
// that run without auth simply do not construct one.
func NewJWTManager(secret, audience string, expiration time.Duration) (*JWTManager, error) {
	if secret == "" {
		return nil, errors.New("auth: empty JWT secret")
	}
	if audience == "" {
		audience = issuer
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &JWTManager{secret: []byte(secret), audience: audience, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for subject acting as team.
func (m *JWTManager) IssueToken(subject, team string) (string, time.Time, error) {
	if strings.TrimSpace(team) == "" {
		return "", time.Time{}, errors.New("auth: team is required")
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Team: team,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(m.audience),
		jwt.WithIssuer(issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if strings.TrimSpace(claims.Team) == "" {
		return nil, fmt.Errorf("auth: token has no team claim")
	}
	return claims, nil
}

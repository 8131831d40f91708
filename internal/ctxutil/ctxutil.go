// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read the caller
// identity that server's auth middleware populates. Both packages import
// ctxutil instead of each other.
package ctxutil

import (
	"context"
	"strings"

	"github.com/ashita-ai/scriptorium/internal/auth"
	"github.com/ashita-ai/scriptorium/internal/model"
)

type contextKey string

const (
	keyClaims     contextKey = "claims"
	keyCallerTeam contextKey = "caller_team"
	keyRequestID  contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims. The claims'
// team becomes the caller team.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	return WithCallerTeam(ctx, claims.Team)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithCallerTeam records the team the caller acts as.
func WithCallerTeam(ctx context.Context, team string) context.Context {
	return context.WithValue(ctx, keyCallerTeam, team)
}

// CallerTeam returns the caller team, or "" when the caller did not
// identify one.
func CallerTeam(ctx context.Context) string {
	if v, ok := ctx.Value(keyCallerTeam).(string); ok {
		return v
	}
	return ""
}

// Authenticated reports whether the caller team comes from a verified token.
func Authenticated(ctx context.Context) bool {
	return ClaimsFromContext(ctx) != nil
}

// ResolveTeam picks the team a request acts as. A verified token always
// wins, and a requested team that contradicts it is a policy violation.
// Otherwise the requested team is used, falling back to the context team.
func ResolveTeam(ctx context.Context, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if Authenticated(ctx) {
		team := CallerTeam(ctx)
		if requested != "" && requested != team {
			return "", model.PolicyViolation("ctxutil.resolve_team",
				"requested team %q does not match the authenticated team %q", requested, team)
		}
		return team, nil
	}
	if requested != "" {
		return requested, nil
	}
	return CallerTeam(ctx), nil
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request id from the context.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token of an Authorization: Bearer header.
func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// If apiKey matches, it authenticates as admin with scope "*".
func Authenticate(presented string, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, apiKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{"*": {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

// Scope names accepted in token configuration.
const (
	ScopeRead      = "ro"
	ScopeWrite     = "rw"
	ScopeJobRead   = "job:ro"
	ScopeJobWrite  = "job:rw"
	ScopeCodeWrite = "code:rw"
	ScopeAdmin     = "admin"
)

// implied lists the scopes each broad scope grants.
var implied = map[string][]string{
	ScopeAdmin:    {"*"},
	ScopeWrite:    {ScopeRead, ScopeJobRead, ScopeJobWrite, ScopeCodeWrite},
	ScopeRead:     {ScopeJobRead},
	ScopeJobWrite: {ScopeJobRead},
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	var add func(s string)
	add = func(s string) {
		if _, ok := out[s]; ok {
			return
		}
		out[s] = struct{}{}
		for _, sub := range implied[s] {
			add(sub)
		}
	}
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			add(s)
		}
	}
	return out
}

// HasAnyScope reports whether p holds one of required, or the wildcard.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes["*"]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

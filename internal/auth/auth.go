// Package auth decides what an API caller may do to the engine: which
// resources it may read or change, and which workspaces it may remediate.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
)

// Scopes understood by the API. A ":rw" scope implies its ":ro" scope.
const (
	ScopeAll           = "*"
	ScopeRemediationRW = "remediation:rw"
	ScopeRemediationRO = "remediation:ro"
	ScopeLearningRO    = "learning:ro"
	ScopeEventsRO      = "events:ro"
)

var resources = []string{"remediation", "learning", "events"}

// ErrUnauthenticated is returned when no configured token matches.
var ErrUnauthenticated = errors.New("unauthenticated")

// KnownScopes lists every scope a token may hold.
func KnownScopes() []string {
	out := []string{ScopeAll}
	for _, r := range resources {
		out = append(out, r+":rw", r+":ro")
	}
	return out
}

// Token is a configured bearer credential.
type Token struct {
	// Name identifies the caller in logs; it is never the secret.
	Name       string
	Secret     string
	Scopes     []string
	// Workspaces restricts remediation to these roots. Empty allows any.
	Workspaces []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name       string
	scopes     map[string]struct{}
	workspaces []string
}

// Allows reports whether p holds any of required. "*" allows everything.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

// MayRemediate reports whether ws is inside one of p's workspace roots.
func (p Principal) MayRemediate(ws string) bool {
	if len(p.workspaces) == 0 {
		return true
	}
	target := resolve(ws)
	for _, root := range p.workspaces {
		rel, err := filepath.Rel(resolve(root), target)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// resolve follows symlinks through the longest existing prefix of path, so a
// link inside an allowed root cannot point the engine somewhere else.
func resolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	cur, missing := abs, ""
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, missing)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs
		}
		missing = filepath.Join(filepath.Base(cur), missing)
		cur = parent
	}
}

// Authenticator resolves bearer tokens to principals.
type Authenticator struct {
	tokens []Token
}

// NewAuthenticator validates tokens. apiKey, when set, is a full-access
// token named "api_key".
func NewAuthenticator(apiKey string, tokens []Token) (*Authenticator, error) {
	a := &Authenticator{}
	if apiKey != "" {
		a.tokens = append(a.tokens, Token{Name: "api_key", Secret: apiKey, Scopes: []string{ScopeAll}})
	}
	known := KnownScopes()
	for i, t := range tokens {
		if t.Secret == "" {
			return nil, fmt.Errorf("token %d has no secret", i)
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("token[%d]", i)
		}
		for _, s := range t.Scopes {
			if !slices.Contains(known, strings.TrimSpace(s)) {
				return nil, fmt.Errorf("token %s: unknown scope %q", t.Name, s)
			}
		}
		for _, ws := range t.Workspaces {
			if !filepath.IsAbs(ws) {
				return nil, fmt.Errorf("token %s: workspace %q is not absolute", t.Name, ws)
			}
		}
		a.tokens = append(a.tokens, t)
	}
	return a, nil
}

// Authenticate resolves the request's bearer token.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	presented, err := bearerToken(r)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	// Compare against every token so timing does not reveal the match index.
	match := -1
	for i, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(t.Secret)) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, fmt.Errorf("%w: invalid API key", ErrUnauthenticated)
	}
	t := a.tokens[match]
	return Principal{Name: t.Name, scopes: expandScopes(t.Scopes), workspaces: t.Workspaces}, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		out[s] = struct{}{}
		if res, ok := strings.CutSuffix(s, ":rw"); ok {
			out[res+":ro"] = struct{}{}
		}
	}
	return out
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is the caller identified by a verified bearer token
type Principal struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the token granted scope
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier checks bearer tokens against a JWKS
type Verifier struct {
	keys     jwk.Set
	audience string
}

// NewVerifier registers jwksURL with an auto-refreshing cache and fetches it
// once so a bad URL fails at startup. Keys are refreshed at most every 5 minutes.
func NewVerifier(ctx context.Context, jwksURL, audience string) (*Verifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return NewWithKeySet(jwk.NewCachedSet(cache, jwksURL), audience), nil
}

// NewWithKeySet verifies against a fixed key set
func NewWithKeySet(keys jwk.Set, audience string) *Verifier {
	return &Verifier{keys: keys, audience: audience}
}

// FromRequest parses and validates the Authorization bearer token
func (v *Verifier) FromRequest(r *http.Request) (*Principal, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, errors.New("token missing subject")
	}

	p := &Principal{Subject: token.Subject()}
	if raw, ok := token.Get("scope"); ok {
		if s, ok := raw.(string); ok {
			p.Scopes = strings.Fields(s)
		}
	}
	return p, nil
}

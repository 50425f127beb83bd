package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKeys struct {
	private jwk.Key
	set     jwk.Set
}

func newTestKeys(t *testing.T) testKeys {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return testKeys{private: priv, set: set}
}

func (k testKeys) sign(t *testing.T, sub, aud string, exp time.Time, scope string) string {
	t.Helper()
	b := jwt.NewBuilder().Subject(sub).Audience([]string{aud}).IssuedAt(time.Now()).Expiration(exp)
	if scope != "" {
		b = b.Claim("scope", scope)
	}
	tok, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, k.private))
	require.NoError(t, err)
	return string(signed)
}

func TestFromRequest(t *testing.T) {
	keys := newTestKeys(t)
	v := NewWithKeySet(keys.set, "inbox-ledger")
	hour := time.Now().Add(time.Hour)

	tests := []struct {
		name    string
		header  string
		wantSub string
		wantErr bool
	}{
		{name: "valid", header: "Bearer " + keys.sign(t, "svc-scheduler", "inbox-ledger", hour, "sync:write"), wantSub: "svc-scheduler"},
		{name: "wrong audience", header: "Bearer " + keys.sign(t, "svc", "someone-else", hour, ""), wantErr: true},
		{name: "expired", header: "Bearer " + keys.sign(t, "svc", "inbox-ledger", time.Now().Add(-time.Hour), ""), wantErr: true},
		{name: "missing subject", header: "Bearer " + keys.sign(t, "", "inbox-ledger", hour, ""), wantErr: true},
		{name: "signed by another key", header: "Bearer " + newTestKeys(t).sign(t, "svc", "inbox-ledger", hour, ""), wantErr: true},
		{name: "no header", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/tasks/sync", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			p, err := v.FromRequest(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, p.Subject)
			assert.True(t, p.HasScope("sync:write"))
			assert.False(t, p.HasScope("admin"))
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	keys := newTestKeys(t)
	v := NewWithKeySet(keys.set, "inbox-ledger")

	r := gin.New()
	r.GET("/whoami", v.Middleware(), func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, p.Subject)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+keys.sign(t, "svc-api", "inbox-ledger", time.Now().Add(time.Minute), ""))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "svc-api", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

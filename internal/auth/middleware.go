package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const principalKey = "principal"

// Middleware rejects requests without a valid bearer token
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := v.FromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by Middleware
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

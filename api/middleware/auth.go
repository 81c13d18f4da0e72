package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/apsgrid/otaserver/config"

	"github.com/gin-gonic/gin"
)

// usernameKey is the context key handlers read the operator name from
const usernameKey = "operator"

// BasicAuth guards operator endpoints with the configured credential
// pair. Device-facing endpoints are intentionally unauthenticated.
func BasicAuth(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.Password)) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="ota-server"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(usernameKey, user)
		c.Next()
	}
}

// Operator returns the authenticated operator name, if any
func Operator(c *gin.Context) string {
	if v, ok := c.Get(usernameKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

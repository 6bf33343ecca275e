// Package auth implements the daemon's only authentication mechanism: a
// static bearer token configured via config.toml's daemon.token. There is
// no user/role/session model — per-client identity and RBAC are explicitly
// out of scope.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/procwatch/procwatch/internal/errs"
)

// Gate checks a bearer token against a single configured value. An empty
// token disables the gate entirely (local development default).
type Gate struct {
	token string
}

func NewGate(token string) *Gate {
	return &Gate{token: token}
}

func (g *Gate) Enabled() bool { return g.token != "" }

// Check validates an "Authorization: Bearer <token>" header value.
func (g *Gate) Check(header string) error {
	if !g.Enabled() {
		return nil
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return errs.New(errs.Unauthorized, "missing bearer token")
	}
	got := strings.TrimPrefix(header, prefix)
	if subtle.ConstantTimeCompare([]byte(got), []byte(g.token)) != 1 {
		return errs.New(errs.Unauthorized, "invalid bearer token")
	}
	return nil
}

// GinMiddleware returns a gin.HandlerFunc enforcing the gate, reporting
// failures through the {"error":{"kind":...,"message":...}} envelope used
// across the whole Command Surface.
func (g *Gate) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := g.Check(c.GetHeader("Authorization")); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"kind":    errs.Unauthorized,
				"message": err.Error(),
			}})
			c.Abort()
			return
		}
		c.Next()
	}
}

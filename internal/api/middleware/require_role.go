package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/demoforge/internal/models"
	"github.com/yoockh/demoforge/internal/utils"
)

// RequireRole must run after JWTAuth.
func RequireRole(allowed ...models.UserRole) gin.HandlerFunc {
	allow := map[models.UserRole]struct{}{}
	for _, a := range allowed {
		if a = models.UserRole(strings.ToLower(strings.TrimSpace(string(a)))); a != "" {
			allow[a] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
			return
		}
		if _, ok := allow[p.Role]; !ok {
			abort(c, http.StatusForbidden, utils.CodeForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
			return
		}
		if !p.IsAdmin() {
			abort(c, http.StatusForbidden, utils.CodeForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

package middlewares

import (
	"net/http"
	"strings"

	"github.com/crbnos/accounting_sync/config"
	"github.com/crbnos/accounting_sync/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the caller's identity into the request context.
// Two schemes are accepted: a JWT bearer token, or an opaque session token
// looked up in Redis. Requests without credentials pass through; handlers
// that need an identity reject them later.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth := c.Request.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw := strings.TrimPrefix(auth, "Bearer ")
			validated, err := utils.JwtValidate(raw)
			if err != nil || !validated.Valid {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				c.Abort()
				return
			}
			claim, _ := validated.Claims.(*utils.JwtCustomClaim)

			ctx := utils.SetTokenInContext(c.Request.Context(), raw)
			ctx = utils.SetUsernameInContext(ctx, claim.Username)
			ctx = utils.SetIsAdminInContext(ctx, claim.Role == "admin")
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

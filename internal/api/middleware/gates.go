package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"eventcert/internal/auth"
)

// RequirePasswordChangeCompleted blocks operators still on their initial
// password. It trusts the access token claim instead of querying the
// database.
func RequirePasswordChangeCompleted() gin.HandlerFunc {
	return func(c *gin.Context) {
		if mustChange, ok := c.Get(MustChangePasswordKey); ok {
			if v, ok := mustChange.(bool); ok && v {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "password change required"})
				return
			}
		}
		c.Next()
	}
}

// RequirePermission lets only operators holding perm through.
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		granted, _ := c.Get(PermissionsKey)
		perms, _ := granted.([]string)
		if !auth.HasPermission(perms, perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing permission " + perm})
			return
		}
		c.Next()
	}
}

package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
)

// PermissionSuperAdmin grants every permission.
const PermissionSuperAdmin = "platform:admin"

// PermissionCreditsAdmin allows granting credits to any account.
const PermissionCreditsAdmin = "credits:admin"

// RequirePermission returns middleware that checks the caller's token
// carries permission.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(string(ctxKeyPermissions))
		if !exists {
			abortForbidden(c, "no permissions in context")
			return
		}
		permList, ok := perms.([]string)
		if !ok {
			abortForbidden(c, "invalid permissions type")
			return
		}

		if slices.Contains(permList, PermissionSuperAdmin) || slices.Contains(permList, permission) {
			c.Next()
			return
		}
		abortForbidden(c, "insufficient permissions")
	}
}

func abortForbidden(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"code": apperrors.CodeForbidden, "message": msg,
	})
}

package rbac

import (
	"net/http"

	"expertcall-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireUserType allows access if the caller is one of the given user types.
// Admin bypasses all checks; everything an expert or user can do, platform
// staff can do on their behalf.
func RequireUserType(allowed ...auth.UserType) gin.HandlerFunc {
	allowedSet := make(map[auth.UserType]struct{}, len(allowed))
	for _, t := range allowed {
		allowedSet[t] = struct{}{}
	}

	return func(c *gin.Context) {
		ut, err := auth.UserTypeFrom(c.Request.Context())
		if err != nil || ut == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_type required"})
			return
		}

		if IsAdmin(ut) {
			c.Next()
			return
		}

		if _, ok := allowedSet[ut]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

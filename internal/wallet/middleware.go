package wallet

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"expertcall-platform/internal/auth"
	"expertcall-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

const headerEstimatedCostTokens = "X-Estimated-Cost-Tokens"

// BalanceService is the minimal wallet service interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, ownerUserID string) (Balance, error)
}

// RequireSufficientBalance fast-fails a request when the caller's balance is
// below the client's own cost estimate in X-Estimated-Cost-Tokens.
//
// This is an advisory gate only: the authoritative minimum-balance check
// happens inside call initiation, where the expert's rate is known
// server-side. Requests without the header pass through untouched.
//
// Admin bypasses (support tooling acts on behalf of users).
func RequireSufficientBalance(svc BalanceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ut, _ := auth.UserTypeFrom(c.Request.Context())
		if rbac.IsAdmin(ut) {
			c.Next()
			return
		}

		estStr := strings.TrimSpace(c.GetHeader(headerEstimatedCostTokens))
		if estStr == "" {
			c.Next()
			return
		}
		est, err := strconv.ParseInt(estStr, 10, 64)
		if err != nil || est <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "estimated cost invalid"})
			return
		}

		userID, err := auth.UserID(c.Request.Context())
		if err != nil || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if bal.BalanceTokens < est {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
			return
		}
		c.Next()
	}
}

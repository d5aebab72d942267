package httpapi

import (
	"errors"
	"net/http"
	"time"

	"expertcall-platform/internal/auth"
	"expertcall-platform/internal/presence"
	"expertcall-platform/internal/reporting"
	"expertcall-platform/internal/wallet"
	"expertcall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth     *auth.Manager
	Wallet   *wallet.Service
	Reports  *reporting.Service
	Presence *presence.Registry
}

// --- Auth ---

type loginRequest struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ut := auth.UserType(req.UserType)
	if req.UserID == "" || !auth.IsValidUserType(ut) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and user_type required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, ut)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	ut, _ := auth.UserTypeFrom(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "user_type": ut})
}

// --- Wallet ---

// GetWalletBalance returns the authenticated user's own balance. A missing
// wallet reads as zero rather than an error; users exist before first top-up.
func (h Handlers) GetWalletBalance(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			c.JSON(http.StatusOK, wallet.Balance{OwnerUserID: uid})
			return
		}
		logger.FromGin(c).Error("balance lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

type topUpRequest struct {
	AmountTokens   int64  `json:"amount_tokens"`
	IdempotencyKey string `json:"idempotency_key"`
	PaymentRef     string `json:"payment_ref"`
}

// TopUp credits the authenticated user's wallet.
//
// NOTE: Payment capture is out of band; PaymentRef ties the credit back to
// the payment processor record.
func (h Handlers) TopUp(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	_, bal, err := h.Wallet.Credit(c.Request.Context(), uid, wallet.CreditRequest{
		AmountTokens:   req.AmountTokens,
		ExternalRef:    req.PaymentRef,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("top-up failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "top-up failed"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

type adminCreditRequest struct {
	OwnerUserID    string `json:"owner_user_id"`
	AmountTokens   int64  `json:"amount_tokens"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AdminCredit performs an admin-only wallet adjustment for any owner.
func (h Handlers) AdminCredit(c *gin.Context) {
	var req adminCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OwnerUserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "owner_user_id required"})
		return
	}
	_, bal, err := h.Wallet.Credit(c.Request.Context(), req.OwnerUserID, wallet.CreditRequest{
		AmountTokens:   req.AmountTokens,
		ExternalRef:    "admin_adjust",
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Reason,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("admin credit failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "credit failed"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

// --- Presence ---

// ExpertPresence returns the authoritative presence entry for one expert.
// Clients use it to seed their advisory cache at session start.
func (h Handlers) ExpertPresence(c *gin.Context) {
	expertID := c.Param("id")
	if expertID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "expert id required"})
		return
	}
	entry, err := h.Presence.Status(c.Request.Context(), expertID)
	if err != nil {
		logger.FromGin(c).Error("presence lookup failed", "expert_id", expertID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// --- Reporting ---

// CallsSummary aggregates the caller's own calls; admins may query any
// party via ?party_id=.
func (h Handlers) CallsSummary(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	ut, _ := auth.UserTypeFrom(c.Request.Context())

	party := uid
	if requested := c.Query("party_id"); requested != "" && ut == auth.UserTypeAdmin {
		party = requested
	}

	tr, ok := parseRange(c)
	if !ok {
		return
	}

	req := reporting.CallsSummaryRequest{Range: tr}
	if ut == auth.UserTypeExpert {
		req.ExpertID = party
	} else {
		req.UserID = party
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("calls summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) SpendSummary(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	ut, _ := auth.UserTypeFrom(c.Request.Context())

	owner := uid
	if requested := c.Query("owner_id"); requested != "" && ut == auth.UserTypeAdmin {
		owner = requested
	}

	tr, ok := parseRange(c)
	if !ok {
		return
	}

	out, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{
		OwnerUserID: owner,
		Range:       tr,
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("spend summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func parseRange(c *gin.Context) (reporting.TimeRange, bool) {
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339 timestamps"})
		return reporting.TimeRange{}, false
	}
	return reporting.TimeRange{From: from, To: to}, true
}

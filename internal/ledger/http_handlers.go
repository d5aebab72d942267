package ledger

import (
	"errors"
	"net/http"

	"expertcall-platform/internal/auth"
	"expertcall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the call lifecycle over REST. Authentication and
// user-type checks run in middleware; handlers only translate between HTTP
// and the service. Transition conflicts return 409 with the current row so
// clients can converge on the authoritative state.
type Handlers struct {
	Service *Service
}

type initiateRequest struct {
	ExpertID string `json:"expert_id" binding:"required"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type endRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) Initiate(c *gin.Context) {
	log := logger.FromGin(c)

	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "expert_id is required"})
		return
	}

	call, err := h.Service.Initiate(c.Request.Context(), userID, req.ExpertID)
	if err != nil {
		switch {
		case errors.Is(err, ErrExpertUnavailable):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "expert unavailable"})
		case errors.Is(err, ErrInsufficientBalance):
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
		default:
			log.Error("call initiate failed", "expert_id", req.ExpertID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not start call"})
		}
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) Accept(c *gin.Context) {
	h.transition(c, func(ctx *gin.Context, callID, actor string) (Call, error) {
		return h.Service.Accept(ctx.Request.Context(), callID, actor)
	})
}

func (h Handlers) Reject(c *gin.Context) {
	var req rejectRequest
	_ = c.ShouldBindJSON(&req)
	h.transition(c, func(ctx *gin.Context, callID, actor string) (Call, error) {
		return h.Service.Reject(ctx.Request.Context(), callID, actor, req.Reason)
	})
}

func (h Handlers) Connect(c *gin.Context) {
	h.transition(c, func(ctx *gin.Context, callID, actor string) (Call, error) {
		return h.Service.Connect(ctx.Request.Context(), callID, actor)
	})
}

func (h Handlers) End(c *gin.Context) {
	var req endRequest
	_ = c.ShouldBindJSON(&req)
	h.transition(c, func(ctx *gin.Context, callID, actor string) (Call, error) {
		return h.Service.End(ctx.Request.Context(), EndRequest{CallID: callID, EndedBy: actor, Reason: req.Reason})
	})
}

func (h Handlers) Heartbeat(c *gin.Context) {
	h.transition(c, func(ctx *gin.Context, callID, actor string) (Call, error) {
		return h.Service.Heartbeat(ctx.Request.Context(), callID, actor)
	})
}

func (h Handlers) Get(c *gin.Context) {
	h.transition(c, func(ctx *gin.Context, callID, actor string) (Call, error) {
		return h.Service.Get(ctx.Request.Context(), callID, actor)
	})
}

func (h Handlers) Active(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	calls, err := h.Service.Active(c.Request.Context(), userID)
	if err != nil {
		logger.FromGin(c).Error("active calls lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if calls == nil {
		calls = []Call{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

func (h Handlers) transition(c *gin.Context, op func(*gin.Context, string, string) (Call, error)) {
	log := logger.FromGin(c)

	actor, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	callID := c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return
	}

	call, err := op(c, callID, actor)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, call)
	case errors.Is(err, ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a participant"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, call)
	default:
		log.Error("call transition failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
	}
}

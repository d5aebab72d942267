package main

import (
	"log/slog"

	"expertcall-platform/internal/auth"
	"expertcall-platform/internal/httpapi"
	"expertcall-platform/internal/ledger"
	"expertcall-platform/internal/presence"
	"expertcall-platform/internal/rbac"
	"expertcall-platform/internal/reporting"
	"expertcall-platform/internal/signaling"
	"expertcall-platform/internal/wallet"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	Auth     *auth.Manager
	Hub      *signaling.Hub
	Calls    *ledger.Service
	Wallet   *wallet.Service
	Reports  *reporting.Service
	Registry *presence.Registry
	Log      *slog.Logger
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	h := httpapi.Handlers{
		Auth:     deps.Auth,
		Wallet:   deps.Wallet,
		Reports:  deps.Reports,
		Presence: deps.Registry,
	}
	callsH := ledger.Handlers{Service: deps.Calls}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.POST("/v1/auth/login", h.Login)

	authMW := auth.RequireAccessToken(deps.Auth)

	// The websocket carries signaling for calls and presence broadcasts.
	// Browsers cannot set Authorization on websocket upgrades, so the auth
	// middleware also accepts ?token=.
	r.GET("/v1/ws", authMW, signaling.ServeWS(deps.Hub, deps.Log))

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", h.Me)

		// WALLET routes
		wallets := v1.Group("/wallet")
		{
			wallets.GET("/balance", h.GetWalletBalance)
			wallets.POST("/topup", rbac.RequireUserType(auth.UserTypeUser), h.TopUp)
		}

		// CALL routes. Initiation is user-only and carries the advisory
		// balance gate; accept/reject are expert-only. Connect and end are
		// open to both participants.
		calls := v1.Group("/calls")
		{
			calls.POST("",
				rbac.RequireUserType(auth.UserTypeUser),
				wallet.RequireSufficientBalance(deps.Wallet),
				callsH.Initiate)
			calls.GET("/active", callsH.Active)
			calls.GET("/:id", callsH.Get)
			calls.PUT("/:id/accept", rbac.RequireUserType(auth.UserTypeExpert), callsH.Accept)
			calls.PUT("/:id/reject", rbac.RequireUserType(auth.UserTypeExpert), callsH.Reject)
			calls.PUT("/:id/connect", callsH.Connect)
			calls.PUT("/:id/end", callsH.End)
			calls.PUT("/:id/heartbeat", callsH.Heartbeat)
		}

		// PRESENCE routes
		v1.GET("/experts/:id/presence", h.ExpertPresence)

		// REPORTING routes
		reports := v1.Group("/reports")
		{
			reports.GET("/calls", h.CallsSummary)
			reports.GET("/spend", h.SpendSummary)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireUserType(auth.UserTypeAdmin))
		{
			admin.GET("/ping", func(c *gin.Context) {
				c.JSON(200, gin.H{"status": "ok"})
			})
			admin.POST("/wallets/credit", h.AdminCredit)
		}
	}
}

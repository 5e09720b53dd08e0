package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/vulnsync/internal/middleware"
	"github.com/huangang/vulnsync/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	// Rate limiter for the inbound webhook
	webhookLimiter := middleware.NewRateLimiter(10, 20)

	// Health check
	r.GET("/health", svc.healthHandler.CheckHealth)

	// API routes
	api := r.Group("/api")
	{
		// Inbound JIRA webhook (public, secret-checked, rate limited)
		api.POST("/webhook/jira", webhookLimiter.Middleware(), svc.webhookHandler.Handle)

		// JIRA instances
		api.GET("/jira-instances", svc.instanceHandler.List)
		api.GET("/jira-instances/:id", svc.instanceHandler.Get)
		api.POST("/jira-instances", svc.instanceHandler.Create)
		api.PUT("/jira-instances/:id", svc.instanceHandler.Update)
		api.DELETE("/jira-instances/:id", svc.instanceHandler.Delete)
		api.POST("/jira-instances/:id/test", svc.instanceHandler.TestConnection)

		// JIRA project configs
		api.GET("/jira-projects", svc.projectHandler.List)
		api.POST("/jira-projects", svc.projectHandler.Create)
		api.PUT("/jira-projects/:id", svc.projectHandler.Update)
		api.DELETE("/jira-projects/:id", svc.projectHandler.Delete)

		// Sync actions
		api.POST("/findings/:id/push", svc.syncHandler.PushFinding)
		api.POST("/findings/:id/jira-link", svc.syncHandler.LinkFinding)
		api.DELETE("/findings/:id/jira-link", svc.syncHandler.UnlinkFinding)
		api.GET("/findings/:id/jira", svc.syncHandler.FindingIssue)
		api.POST("/finding-groups/:id/push", svc.syncHandler.PushGroup)
		api.POST("/engagements/:id/epic", svc.syncHandler.PushEpic)
		api.POST("/engagements/:id/epic/close", svc.syncHandler.CloseEpic)
		api.POST("/notes/:id/push", svc.syncHandler.PushNote)

		// Alerts
		api.GET("/alerts", svc.syncHandler.Alerts)

		// Sync policy settings
		api.GET("/system-config", svc.systemConfigHandler.GetSyncSettings)
		api.PUT("/system-config", svc.systemConfigHandler.UpdateSyncSettings)
	}
}

package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/internal/services"
)

// HealthHandler provides enhanced health check endpoints.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"

	// Database check
	dbStatus := "ok"
	sqlDB, err := models.GetDB().DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.Ping(); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	// Queue mode
	taskQueue := services.GetTaskQueue()
	queueMode := "sync"
	if taskQueue != nil && taskQueue.IsAsync() {
		queueMode = "async (Redis)"
	}

	var linkCount int64
	models.GetDB().Model(&models.JIRAIssue{}).Count(&linkCount)

	var instanceCount int64
	models.GetDB().Model(&models.JIRAInstance{}).Count(&instanceCount)

	c.JSON(200, gin.H{
		"status":  overall,
		"service": "vulnsync",
		"components": gin.H{
			"database":       dbStatus,
			"queue_mode":     queueMode,
			"jira_instances": instanceCount,
			"issue_links":    linkCount,
		},
	})
}

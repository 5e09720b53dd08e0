package main

import (
	"github.com/huangang/vulnsync/internal/config"
	"github.com/huangang/vulnsync/internal/handlers"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/internal/services"
	"github.com/huangang/vulnsync/pkg/logger"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	jiraService         *services.JiraService
	notificationService *services.NotificationService
	statusPoller        *services.StatusPoller
	taskQueue           services.TaskQueue
	worker              *services.Worker

	healthHandler       *handlers.HealthHandler
	instanceHandler     *handlers.JiraInstanceHandler
	projectHandler      *handlers.JiraProjectHandler
	syncHandler         *handlers.SyncHandler
	webhookHandler      *handlers.WebhookHandler
	systemConfigHandler *handlers.SystemConfigHandler
}

// bootstrap initializes all application dependencies: database, services, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Seed default data
	if err := models.SeedDefaultData(); err != nil {
		logger.Warnf("Failed to seed default data: %v", err)
	}

	db := models.GetDB()
	notificationService := services.NewNotificationService(db, cfg.Jira.AlertWebhook)
	jiraService := services.NewJiraService(db, &cfg.Jira, notificationService)

	// Initialize task queue (uses Redis if enabled, otherwise sync mode)
	taskQueue := services.InitTaskQueue(cfg)
	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(jiraService.ProcessSyncTask)
	}

	// Start async worker if Redis is enabled
	var worker *services.Worker
	if cfg.Redis.Enabled {
		worker = services.InitWorker(&cfg.Redis)
		if worker != nil {
			worker.SetProcessor(jiraService.ProcessSyncTask)
			worker.Start()
		}
	}

	// Start the status poller for instances that sync on a schedule
	var statusPoller *services.StatusPoller
	if cfg.Sync.PollEnabled {
		statusPoller = services.NewStatusPoller(db, jiraService, &cfg.Sync)
		if err := statusPoller.Start(); err != nil {
			logger.Warnf("Failed to start status poller: %v", err)
		}
	}

	return &appServices{
		jiraService:         jiraService,
		notificationService: notificationService,
		statusPoller:        statusPoller,
		taskQueue:           taskQueue,
		worker:              worker,
		healthHandler:       handlers.NewHealthHandler(),
		instanceHandler:     handlers.NewJiraInstanceHandler(db, jiraService),
		projectHandler:      handlers.NewJiraProjectHandler(db, jiraService),
		syncHandler:         handlers.NewSyncHandler(db, jiraService, notificationService),
		webhookHandler:      handlers.NewWebhookHandler(db, jiraService),
		systemConfigHandler: handlers.NewSystemConfigHandler(db),
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	if s.statusPoller != nil {
		s.statusPoller.Stop()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
	logger.Infof("All services stopped")
}

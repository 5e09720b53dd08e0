package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
	"gorm.io/gorm"
)

// NotificationService is the notify sink of the sync core. Alerts are
// persisted and optionally forwarded to a generic webhook.
type NotificationService struct {
	db         *gorm.DB
	webhookURL string
	httpClient *http.Client
}

func NewNotificationService(db *gorm.DB, webhookURL string) *NotificationService {
	return &NotificationService{
		db:         db,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GenericAlert records an alert not tied to a specific entity, such as a
// connection failure.
func (s *NotificationService) GenericAlert(title, description string) {
	s.store(&models.Alert{
		Event:       "jira_update",
		Title:       title,
		Description: description,
		Source:      "JIRA",
	})
}

// EntityAlert records a push failure for one tracked entity.
func (s *NotificationService) EntityAlert(entity models.TrackedEntity, message string) {
	id := entity.RecordID()
	s.store(&models.Alert{
		Event:       "jira_update",
		Title:       "Error pushing to JIRA",
		Description: entity.Describe() + ", " + message,
		Source:      "Push to JIRA",
		EntityKind:  string(entity.Kind),
		EntityID:    &id,
	})
}

// IneligibleAlert records why an entity could not be pushed.
func (s *NotificationService) IneligibleAlert(entity models.TrackedEntity, reason string) {
	id := entity.RecordID()
	s.store(&models.Alert{
		Event:       "jira_update",
		Title:       "Error pushing to JIRA",
		Description: string(entity.Kind) + ": " + reason,
		Source:      "Push to JIRA",
		EntityKind:  string(entity.Kind),
		EntityID:    &id,
	})
}

func (s *NotificationService) store(alert *models.Alert) {
	if err := s.db.Create(alert).Error; err != nil {
		logger.Errorf("[Notification] Failed to persist alert %q: %v", alert.Title, err)
	}
	if s.webhookURL != "" {
		if err := s.postWebhook(alert); err != nil {
			logger.Warnf("[Notification] Failed to forward alert to webhook: %v", err)
		}
	}
}

func (s *NotificationService) postWebhook(alert *models.Alert) error {
	payload := map[string]interface{}{
		"event":       alert.Event,
		"title":       alert.Title,
		"description": alert.Description,
		"source":      alert.Source,
		"entity_kind": alert.EntityKind,
		"entity_id":   alert.EntityID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Post(s.webhookURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// RecentAlerts returns the latest alerts for display, newest first.
func (s *NotificationService) RecentAlerts(limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	var alerts []models.Alert
	err := s.db.Order("created_at DESC").Limit(limit).Find(&alerts).Error
	return alerts, err
}

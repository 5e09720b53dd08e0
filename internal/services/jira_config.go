package services

import (
	"errors"
	"time"

	"github.com/huangang/vulnsync/internal/config"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
	"gorm.io/gorm"
)

// JiraService implements the push/pull reconciliation core: eligibility,
// field derivation, create/update dispatch, status reconciliation and link
// management. One instance serves the whole process.
type JiraService struct {
	db       *gorm.DB
	settings *SystemConfigService
	alerts   *NotificationService

	// Identity recorded on finding mutations driven by inbound JIRA events.
	syncActor string
	mediaRoot string
	timeout   time.Duration

	// connect opens a tracker handle for an instance. Tests swap this for a
	// fake; production uses the REST client.
	connect func(*models.JIRAInstance) (TrackerClient, error)
}

func NewJiraService(db *gorm.DB, cfg *config.JiraConfig, alerts *NotificationService) *JiraService {
	s := &JiraService{
		db:        db,
		settings:  NewSystemConfigService(db),
		alerts:    alerts,
		syncActor: cfg.SyncActor,
		mediaRoot: cfg.MediaRoot,
		timeout:   time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}
	s.connect = s.openConnection
	return s
}

// GetJiraProject resolves the authoritative JIRAProject config for an entity.
// The walk is: the entity's existing link's own project config, else the
// owning engagement's direct config, else (with inheritance) the product's
// config. No config found yields nil, never an error.
func (s *JiraService) GetJiraProject(entity models.TrackedEntity, useInheritance bool) *models.JIRAProject {
	if !s.settings.JiraEnabled() {
		return nil
	}

	if link := s.FindByEntity(entity); link != nil && link.JIRAProjectID != nil {
		if project := s.loadProject(*link.JIRAProjectID); project != nil {
			return project
		}
	}

	testID := entity.TestID()
	if entity.Kind == models.KindEngagement {
		return s.projectForEngagement(entity.Engagement.ID, useInheritance)
	}
	if testID == 0 {
		return nil
	}

	var test models.Test
	if err := s.db.First(&test, testID).Error; err != nil {
		logger.Debugf("[Jira] no owning test %d for %s", testID, entity.Describe())
		return nil
	}
	return s.projectForEngagement(test.EngagementID, useInheritance)
}

func (s *JiraService) projectForEngagement(engagementID uint, useInheritance bool) *models.JIRAProject {
	var project models.JIRAProject
	err := s.db.Preload("JIRAInstance").
		Where("engagement_id = ?", engagementID).
		First(&project).Error
	if err == nil {
		return &project
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Errorf("[Jira] project config lookup failed for engagement %d: %v", engagementID, err)
		return nil
	}

	if !useInheritance {
		return nil
	}

	var engagement models.Engagement
	if err := s.db.First(&engagement, engagementID).Error; err != nil {
		return nil
	}
	err = s.db.Preload("JIRAInstance").
		Where("product_id = ?", engagement.ProductID).
		First(&project).Error
	if err != nil {
		return nil
	}
	return &project
}

func (s *JiraService) loadProject(id uint) *models.JIRAProject {
	var project models.JIRAProject
	if err := s.db.Preload("JIRAInstance").First(&project, id).Error; err != nil {
		return nil
	}
	return &project
}

// GetJiraInstance resolves the server binding behind the entity's project config.
func (s *JiraService) GetJiraInstance(entity models.TrackedEntity) *models.JIRAInstance {
	project := s.GetJiraProject(entity, true)
	if project == nil {
		return nil
	}
	return s.instanceOf(project)
}

func (s *JiraService) instanceOf(project *models.JIRAProject) *models.JIRAInstance {
	if project.JIRAInstance != nil {
		return project.JIRAInstance
	}
	var instance models.JIRAInstance
	if err := s.db.First(&instance, project.JIRAInstanceID).Error; err != nil {
		return nil
	}
	return &instance
}

// IsConfiguredAndEnabled reports whether an entity has an enabled project config.
func (s *JiraService) IsConfiguredAndEnabled(entity models.TrackedEntity) bool {
	project := s.GetJiraProject(entity, true)
	return project != nil && project.Enabled
}

// IsPushAllIssues reports whether the entity's project pushes every issue
// automatically on save.
func (s *JiraService) IsPushAllIssues(entity models.TrackedEntity) bool {
	project := s.GetJiraProject(entity, true)
	return project != nil && project.Enabled && project.PushAllIssues
}

// openConnection opens and verifies a REST handle for a JIRA instance.
// Auth (401/403) and transport failures both emit a generic alert before the
// error propagates; retrying is the caller's business.
func (s *JiraService) openConnection(instance *models.JIRAInstance) (TrackerClient, error) {
	client := NewJiraClient(instance.URL, instance.Username, instance.Password, s.timeout)
	if err := client.Verify(); err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) && connErr.AuthFailure() {
			s.alerts.GenericAlert("JIRA Authentication Error", connErr.Error())
		} else {
			s.alerts.GenericAlert("Unknown JIRA Connection Error", err.Error())
		}
		logger.Errorf("[Jira] connection to %s failed: %v", instance.URL, err)
		if !errors.As(err, &connErr) {
			err = &ConnectionError{URL: instance.URL, Err: err}
		}
		return nil, err
	}
	logger.Debugf("[Jira] logged in to %s successfully", instance.URL)
	return client, nil
}

// VerifyInstance checks that an instance's URL and credentials work.
func (s *JiraService) VerifyInstance(instance *models.JIRAInstance) error {
	_, err := s.connect(instance)
	return err
}

// Connection resolves the instance behind an entity and opens a handle.
func (s *JiraService) Connection(entity models.TrackedEntity) (TrackerClient, *models.JIRAInstance, error) {
	instance := s.GetJiraInstance(entity)
	if instance == nil {
		return nil, nil, &ConfigurationError{Reason: "no jira instance configured for " + entity.Describe()}
	}
	client, err := s.connect(instance)
	if err != nil {
		return nil, instance, err
	}
	return client, instance, nil
}

// ValidateProject verifies a project config by connecting and fetching the
// issue type metadata. Used by the config handlers before storing.
func (s *JiraService) ValidateProject(project *models.JIRAProject) bool {
	instance := s.instanceOf(project)
	if instance == nil {
		return false
	}
	client, err := s.connect(instance)
	if err != nil {
		return false
	}
	if _, err := client.GetIssueTypeFields(project.ProjectKey, instance.DefaultIssueType); err != nil {
		logger.Debugf("[Jira] invalid project config, can't retrieve metadata for %s: %v", project.ProjectKey, err)
		return false
	}
	return true
}

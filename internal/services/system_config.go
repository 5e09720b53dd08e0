package services

import (
	"strconv"

	"github.com/huangang/vulnsync/internal/models"
	"gorm.io/gorm"
)

type SystemConfigService struct {
	db *gorm.DB
}

func NewSystemConfigService(db *gorm.DB) *SystemConfigService {
	return &SystemConfigService{db: db}
}

func (s *SystemConfigService) Get(key string) (string, error) {
	var cfg models.SystemConfig
	if err := s.db.Where("`key` = ?", key).First(&cfg).Error; err != nil {
		return "", err
	}
	return cfg.Value, nil
}

func (s *SystemConfigService) GetWithDefault(key, defaultValue string) string {
	value, err := s.Get(key)
	if err != nil {
		return defaultValue
	}
	return value
}

func (s *SystemConfigService) GetBool(key string, defaultValue bool) bool {
	value, err := s.Get(key)
	if err != nil || value == "" {
		return defaultValue
	}
	return value == "true"
}

func (s *SystemConfigService) GetInt(key string, defaultValue int) int {
	value, err := s.Get(key)
	if err != nil {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func (s *SystemConfigService) Set(key, value string) error {
	var cfg models.SystemConfig
	err := s.db.Where("`key` = ?", key).First(&cfg).Error
	if err == gorm.ErrRecordNotFound {
		cfg = models.SystemConfig{
			Key:   key,
			Value: value,
		}
		return s.db.Create(&cfg).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&cfg).Update("value", value).Error
}

func (s *SystemConfigService) GetByGroup(group string) ([]models.SystemConfig, error) {
	var configs []models.SystemConfig
	if err := s.db.Where("`group` = ?", group).Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

// --- typed accessors for the JIRA sync policy flags ---

// JiraEnabled reports whether the JIRA integration is globally switched on.
func (s *SystemConfigService) JiraEnabled() bool {
	return s.GetBool("enable_jira", true)
}

// EnforceVerified reports whether findings must be verified before a push.
// Either the global flag or the JIRA-specific flag enforces it.
func (s *SystemConfigService) EnforceVerified() bool {
	return s.GetBool("enforce_verified_status", true) || s.GetBool("enforce_verified_status_jira", true)
}

// JiraMinimumSeverity returns the global minimum push severity, "" when unset.
func (s *SystemConfigService) JiraMinimumSeverity() string {
	return s.GetWithDefault("jira_minimum_severity", "")
}

// JiraLabels returns the raw whitespace-separated global label setting.
func (s *SystemConfigService) JiraLabels() string {
	return s.GetWithDefault("jira_labels", "")
}

// AddVulnerabilityIDToLabel reports the global id-as-label flag.
func (s *SystemConfigService) AddVulnerabilityIDToLabel() bool {
	return s.GetBool("add_vulnerability_id_to_jira_label", false)
}

// FindingSLAEnabled reports whether issues get an SLA-derived due date.
func (s *SystemConfigService) FindingSLAEnabled() bool {
	return s.GetBool("enable_finding_sla", true)
}

// SLABusinessDays reports whether SLA deadlines skip weekends and holidays.
func (s *SystemConfigService) SLABusinessDays() bool {
	return s.GetBool("sla_business_days", false)
}

// SLADays returns the SLA window in days for a severity, 0 when none applies.
func (s *SystemConfigService) SLADays(severity string) int {
	switch severity {
	case models.SeverityCritical:
		return s.GetInt("sla_critical", 7)
	case models.SeverityHigh:
		return s.GetInt("sla_high", 30)
	case models.SeverityMedium:
		return s.GetInt("sla_medium", 90)
	case models.SeverityLow:
		return s.GetInt("sla_low", 120)
	}
	return 0
}

// AllowFindingGroupReopen reports whether inbound unresolved events may
// reopen findings that belong to a group.
func (s *SystemConfigService) AllowFindingGroupReopen() bool {
	return s.GetBool("jira_webhook_allow_finding_group_reopen", false)
}

// WebhookSecret returns the shared secret for the inbound JIRA webhook.
func (s *SystemConfigService) WebhookSecret() string {
	return s.GetWithDefault("jira_webhook_secret", "")
}

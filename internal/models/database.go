package models

import (
	"fmt"

	"github.com/huangang/vulnsync/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB(cfg *config.DatabaseConfig) error {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	DB = db
	return nil
}

func AutoMigrate() error {
	return DB.AutoMigrate(
		&Product{},
		&Engagement{},
		&Test{},
		&Finding{},
		&StubFinding{},
		&FindingGroup{},
		&Endpoint{},
		&Note{},
		&VulnerabilityID{},
		&FindingAttachment{},
		&RiskAcceptance{},
		&JIRAInstance{},
		&JIRAProject{},
		&JIRAIssue{},
		&SystemConfig{},
		&Alert{},
	)
}

func GetDB() *gorm.DB {
	return DB
}

// SeedDefaultData creates the default system configs if not present.
func SeedDefaultData() error {
	defaultConfigs := []SystemConfig{
		{Key: "enable_jira", Value: "true", Type: "bool", Group: "jira", Label: "Enable JIRA Integration"},
		{Key: "enforce_verified_status", Value: "true", Type: "bool", Group: "jira", Label: "Require Verified Status Everywhere"},
		{Key: "enforce_verified_status_jira", Value: "true", Type: "bool", Group: "jira", Label: "Require Verified Status For JIRA Push"},
		{Key: "jira_minimum_severity", Value: "", Type: "string", Group: "jira", Label: "Global Minimum Severity For JIRA Push"},
		{Key: "jira_labels", Value: "", Type: "string", Group: "jira", Label: "Labels Added To Every JIRA Issue"},
		{Key: "add_vulnerability_id_to_jira_label", Value: "false", Type: "bool", Group: "jira", Label: "Add Vulnerability IDs As JIRA Labels"},
		{Key: "jira_webhook_allow_finding_group_reopen", Value: "false", Type: "bool", Group: "webhook", Label: "Allow Group-Driven Reopen From Webhook"},
		{Key: "jira_webhook_secret", Value: "", Type: "string", Group: "webhook", Label: "Inbound JIRA Webhook Secret"},
		{Key: "enable_finding_sla", Value: "true", Type: "bool", Group: "sla", Label: "Enable Finding SLA Tracking"},
		{Key: "sla_business_days", Value: "false", Type: "bool", Group: "sla", Label: "Count SLA In Business Days"},
		{Key: "sla_critical", Value: "7", Type: "int", Group: "sla", Label: "SLA Days For Critical Findings"},
		{Key: "sla_high", Value: "30", Type: "int", Group: "sla", Label: "SLA Days For High Findings"},
		{Key: "sla_medium", Value: "90", Type: "int", Group: "sla", Label: "SLA Days For Medium Findings"},
		{Key: "sla_low", Value: "120", Type: "int", Group: "sla", Label: "SLA Days For Low Findings"},
	}

	for _, cfg := range defaultConfigs {
		var count int64
		DB.Model(&SystemConfig{}).Where("`key` = ?", cfg.Key).Count(&count)
		if count == 0 {
			if err := DB.Create(&cfg).Error; err != nil {
				return err
			}
		}
	}

	return nil
}

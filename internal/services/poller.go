package services

import (
	"github.com/google/uuid"
	"github.com/huangang/vulnsync/internal/config"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// StatusPoller periodically reconciles linked findings against their remote
// issues, for instances that enable sync. It is the pull-side complement of
// the inbound webhook: deployments that cannot receive webhooks still
// converge.
type StatusPoller struct {
	db            *gorm.DB
	jiraService   *JiraService
	cronScheduler *cron.Cron
	spec          string
}

func NewStatusPoller(db *gorm.DB, jiraService *JiraService, cfg *config.SyncConfig) *StatusPoller {
	spec := cfg.PollCron
	if spec == "" {
		spec = "@every 10m"
	}
	return &StatusPoller{
		db:          db,
		jiraService: jiraService,
		spec:        spec,
	}
}

func (p *StatusPoller) Start() error {
	p.cronScheduler = cron.New()
	if _, err := p.cronScheduler.AddFunc(p.spec, p.RunOnce); err != nil {
		return err
	}
	p.cronScheduler.Start()
	logger.Infof("[Poller] Status poller started (%s)", p.spec)
	return nil
}

func (p *StatusPoller) Stop() {
	if p.cronScheduler != nil {
		p.cronScheduler.Stop()
	}
}

// RunOnce sweeps every finding and group link whose instance has sync
// enabled and applies the remote resolution state.
func (p *StatusPoller) RunOnce() {
	runID := uuid.NewString()

	var links []models.JIRAIssue
	err := p.db.
		Joins("JOIN jira_projects ON jira_projects.id = jira_issues.jira_project_id").
		Joins("JOIN jira_instances ON jira_instances.id = jira_projects.jira_instance_id").
		Where("jira_instances.finding_jira_sync = ?", true).
		Where("jira_issues.engagement_id IS NULL").
		Find(&links).Error
	if err != nil {
		logger.Errorf("[Poller] run %s: link sweep failed: %v", runID, err)
		return
	}

	logger.Infof("[Poller] run %s: reconciling %d links", runID, len(links))
	changed := 0
	for i := range links {
		didChange, err := p.jiraService.ApplyRemoteResolution(&links[i])
		if err != nil {
			logger.Warnf("[Poller] run %s: link %s: %v", runID, links[i].JiraKey, err)
			continue
		}
		if didChange {
			changed++
		}
	}
	logger.Infof("[Poller] run %s: done, %d records changed", runID, changed)
}

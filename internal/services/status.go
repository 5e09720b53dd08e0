package services

import (
	"time"

	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
)

// Status vocabularies driving outbound reconciliation. RESOLVED is checked
// first: an inactive-but-verified finding closes the remote issue, it never
// reopens it.
var (
	resolvedStatuses = []string{"Inactive", "Mitigated", "False Positive", "Out of Scope", "Duplicate"}
	openStatuses     = []string{"Active", "Verified"}
)

// Named transitions used when the configured transition id does not exist on
// the issue. Some trackers renumber transition ids across projects.
const (
	resolveTransitionName = "Resolve Issue"
	reopenTransitionName  = "Reopen Issue"
)

// PushStatus pushes the entity's lifecycle outward: closes the remote issue
// when the entity carries any resolved label and the issue is still active,
// reopens it when the entity is open and the issue is resolved.
func (s *JiraService) PushStatus(entity models.TrackedEntity, client TrackerClient, instance *models.JIRAInstance, link *models.JIRAIssue, remote *RemoteIssue) error {
	status := entity.StatusList()

	if anyStatus(status, resolvedStatuses) {
		if !remote.IsActive() {
			return nil
		}
		logger.Debugf("[Jira] closing %s for resolved %s", link.JiraKey, entity.Describe())
		return s.transition(client, link, instance.CloseStatusKey, resolveTransitionName)
	}

	if anyStatus(status, openStatuses) && !remote.IsActive() {
		logger.Debugf("[Jira] reopening %s for open %s", link.JiraKey, entity.Describe())
		return s.transition(client, link, instance.OpenStatusKey, reopenTransitionName)
	}
	return nil
}

// transition applies a workflow transition, falling back to a lookup by the
// conventional transition name when the configured id is not offered on the
// issue.
func (s *JiraService) transition(client TrackerClient, link *models.JIRAIssue, configuredID, fallbackName string) error {
	transitions, err := client.ListTransitions(link.JiraID)
	if err != nil {
		return err
	}

	id := ""
	for _, t := range transitions {
		if configuredID != "" && t.ID == configuredID {
			id = t.ID
			break
		}
	}
	if id == "" {
		for _, t := range transitions {
			if t.Name == fallbackName {
				id = t.ID
				break
			}
		}
	}
	if id == "" {
		return &RemoteWriteError{Op: "transition", IssueKey: link.JiraKey,
			Err: &ConfigurationError{Reason: "no usable transition (configured id " + configuredID + ", name " + fallbackName + ")"}}
	}
	return client.TransitionIssue(link.JiraID, id)
}

// ProcessResolution applies an inbound tracker resolution to a finding. A
// present resolution id means the issue was resolved; the resolution name
// selects risk acceptance, false positive, or plain mitigation. An absent id
// means the issue was reopened. The link's change timestamp is always
// bumped; the finding is only persisted, and true only returned, when its
// status actually changed.
func (s *JiraService) ProcessResolution(finding *models.Finding, link *models.JIRAIssue, instance *models.JIRAInstance, resolutionID, resolutionName string, eventTime time.Time) (bool, error) {
	changed := false
	entity := models.EntityFromFinding(finding)

	if resolutionID != "" || resolutionName != "" {
		switch {
		case containsStatus(instance.AcceptedResolutionNames(), resolutionName) && s.riskAcceptanceEnabled(entity):
			changed = s.applyRiskAcceptance(finding, entity, resolutionName)
		case containsStatus(instance.FalsePositiveResolutionNames(), resolutionName):
			changed = s.applyFalsePositive(finding)
		default:
			changed = s.applyMitigated(finding, eventTime)
		}
	} else if !finding.Active {
		if finding.FindingGroupID == nil || s.settings.AllowFindingGroupReopen() {
			changed = s.applyReopen(finding)
		} else {
			logger.Debugf("[Jira] skipping reopen of grouped finding %d from %s", finding.ID, link.JiraKey)
		}
	}

	s.TouchLink(link, eventTime)

	if !changed {
		return false, nil
	}
	if err := s.db.Save(finding).Error; err != nil {
		return false, err
	}
	logger.Infof("[Jira] %s updated from inbound resolution %q on %s", entity.Describe(), resolutionName, link.JiraKey)
	return true, nil
}

func (s *JiraService) riskAcceptanceEnabled(entity models.TrackedEntity) bool {
	if product := s.productOf(entity); product != nil &&
		(product.EnableSimpleRiskAcceptance || product.EnableFullRiskAcceptance) {
		return true
	}
	engagement := s.engagementOf(entity)
	return engagement != nil && engagement.EnableFullRiskAcceptance
}

func (s *JiraService) applyRiskAcceptance(finding *models.Finding, entity models.TrackedEntity, resolutionName string) bool {
	if finding.RiskAccepted {
		return false
	}
	finding.RiskAccepted = true
	finding.Active = false
	finding.IsMitigated = false
	finding.Mitigated = nil
	finding.MitigatedBy = ""

	if s.fullRiskAcceptanceEnabled(entity) {
		engagement := s.engagementOf(entity)
		if engagement != nil {
			acceptance := models.RiskAcceptance{
				Name:            "Risk accepted by " + s.syncActor,
				AcceptedBy:      s.syncActor,
				Owner:           s.syncActor,
				DecisionDetails: "Resolved in the external tracker as " + resolutionName,
				EngagementID:    engagement.ID,
				Findings:        []models.Finding{*finding},
			}
			if err := s.db.Create(&acceptance).Error; err != nil {
				logger.Errorf("[Jira] could not record risk acceptance for finding %d: %v", finding.ID, err)
			}
		}
	}
	return true
}

func (s *JiraService) fullRiskAcceptanceEnabled(entity models.TrackedEntity) bool {
	if product := s.productOf(entity); product != nil && product.EnableFullRiskAcceptance {
		return true
	}
	engagement := s.engagementOf(entity)
	return engagement != nil && engagement.EnableFullRiskAcceptance
}

func (s *JiraService) applyFalsePositive(finding *models.Finding) bool {
	if finding.FalseP && !finding.Active && !finding.Verified && !finding.RiskAccepted {
		return false
	}
	finding.FalseP = true
	finding.Active = false
	finding.Verified = false
	finding.IsMitigated = false
	finding.Mitigated = nil
	finding.MitigatedBy = ""
	s.unacceptRisk(finding)
	return true
}

func (s *JiraService) applyMitigated(finding *models.Finding, eventTime time.Time) bool {
	if finding.IsMitigated && !finding.Active {
		return false
	}
	when := eventTime
	if when.IsZero() {
		when = time.Now()
	}
	finding.Active = false
	finding.IsMitigated = true
	finding.Mitigated = &when
	finding.MitigatedBy = s.syncActor
	finding.FalseP = false
	s.unacceptRisk(finding)
	// Mitigated findings no longer expose the affected endpoints.
	if err := s.db.Where("finding_id = ?", finding.ID).Delete(&models.Endpoint{}).Error; err != nil {
		logger.Errorf("[Jira] could not clear endpoints of finding %d: %v", finding.ID, err)
	}
	finding.Endpoints = nil
	return true
}

func (s *JiraService) applyReopen(finding *models.Finding) bool {
	finding.Active = true
	finding.IsMitigated = false
	finding.Mitigated = nil
	finding.MitigatedBy = ""
	finding.FalseP = false
	s.unacceptRisk(finding)
	return true
}

// unacceptRisk reverses a prior risk acceptance, detaching the finding from
// any acceptance records.
func (s *JiraService) unacceptRisk(finding *models.Finding) {
	if !finding.RiskAccepted {
		return
	}
	finding.RiskAccepted = false
	if err := s.db.Exec("DELETE FROM risk_acceptance_findings WHERE finding_id = ?", finding.ID).Error; err != nil {
		logger.Errorf("[Jira] could not detach finding %d from risk acceptances: %v", finding.ID, err)
	}
}

// ApplyInboundEvent reconciles the linked finding, or every member of a
// linked group, against resolution state delivered by a webhook. No remote
// fetch happens; the payload is trusted as the current issue state.
func (s *JiraService) ApplyInboundEvent(link *models.JIRAIssue, resolutionID, resolutionName string, eventTime time.Time) (bool, error) {
	instance, err := s.instanceOfLink(link)
	if err != nil {
		return false, err
	}

	findings, err := s.linkedFindings(link)
	if err != nil {
		return false, err
	}

	anyChanged := false
	for i := range findings {
		changed, err := s.ProcessResolution(&findings[i], link, instance, resolutionID, resolutionName, eventTime)
		if err != nil {
			return anyChanged, err
		}
		anyChanged = anyChanged || changed
	}
	return anyChanged, nil
}

func (s *JiraService) linkedFindings(link *models.JIRAIssue) ([]models.Finding, error) {
	switch {
	case link.FindingID != nil:
		var f models.Finding
		if err := s.db.First(&f, *link.FindingID).Error; err != nil {
			return nil, err
		}
		return []models.Finding{f}, nil
	case link.FindingGroupID != nil:
		var findings []models.Finding
		if err := s.db.Where("finding_group_id = ?", *link.FindingGroupID).Find(&findings).Error; err != nil {
			return nil, err
		}
		return findings, nil
	}
	return nil, nil
}

// ApplyRemoteResolution fetches the linked remote issue and reconciles the
// finding, or every member of a linked group, against its resolution state.
// Used by the webhook handler and the status poller.
func (s *JiraService) ApplyRemoteResolution(link *models.JIRAIssue) (bool, error) {
	instance, err := s.instanceOfLink(link)
	if err != nil {
		return false, err
	}
	client, err := s.connect(instance)
	if err != nil {
		return false, err
	}
	remote, err := client.GetIssue(link.JiraID)
	if err != nil {
		return false, err
	}

	eventTime := remote.Updated
	if eventTime.IsZero() {
		eventTime = time.Now()
	}

	findings, err := s.linkedFindings(link)
	if err != nil {
		return false, err
	}

	anyChanged := false
	for i := range findings {
		changed, err := s.ProcessResolution(&findings[i], link, instance, remote.ResolutionID, remote.Resolution, eventTime)
		if err != nil {
			return anyChanged, err
		}
		anyChanged = anyChanged || changed
	}
	return anyChanged, nil
}

func (s *JiraService) instanceOfLink(link *models.JIRAIssue) (*models.JIRAInstance, error) {
	if link.JIRAProjectID != nil {
		if project := s.loadProject(*link.JIRAProjectID); project != nil {
			if instance := s.instanceOf(project); instance != nil {
				return instance, nil
			}
		}
	}
	return nil, &ConfigurationError{Reason: "no jira instance behind link " + link.JiraKey}
}

func anyStatus(status, vocabulary []string) bool {
	for _, v := range vocabulary {
		if containsStatus(status, v) {
			return true
		}
	}
	return false
}

package services

import (
	"time"

	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
)

// PushEpic mirrors an engagement as an epic, creating or updating as needed.
// Returns nil when engagement epic mapping is disabled on the project
// config, so callers can tell "skipped" from "failed". epicName and
// epicPriority are optional overrides.
func (s *JiraService) PushEpic(engagement *models.Engagement, epicName, epicPriority string) *bool {
	entity := models.EntityFromEngagement(engagement)
	if s.FindByEntity(entity) != nil {
		return s.UpdateEpic(engagement, epicName, epicPriority)
	}
	return s.AddEpic(engagement, epicName, epicPriority)
}

// AddEpic creates the epic issue for an engagement and links it.
func (s *JiraService) AddEpic(engagement *models.Engagement, epicName, epicPriority string) *bool {
	entity := models.EntityFromEngagement(engagement)
	project := s.GetJiraProject(entity, true)
	if project == nil || !project.EnableEngagementEpicMapping {
		logger.Debugf("[Jira] epic mapping not enabled for engagement %d, skipping", engagement.ID)
		return nil
	}

	client, instance, err := s.Connection(entity)
	if err != nil {
		return boolPtr(false)
	}

	if epicName == "" {
		epicName = engagement.Name
	}
	fields, err := s.epicFields(client, project, instance, epicName, epicPriority)
	if err != nil {
		s.alerts.EntityAlert(entity, err.Error())
		logger.Errorf("[Jira] epic metadata for engagement %d failed: %v", engagement.ID, err)
		return boolPtr(false)
	}

	created, err := client.CreateIssue(fields)
	if err != nil {
		s.alerts.EntityAlert(entity, err.Error())
		logger.Errorf("[Jira] epic creation for engagement %d failed: %v", engagement.ID, err)
		return boolPtr(false)
	}

	now := time.Now()
	if _, err := s.Link(entity, project, *created, now, now); err != nil {
		s.alerts.EntityAlert(entity, "epic "+created.Key+" created but link could not be stored: "+err.Error())
		return boolPtr(false)
	}
	logger.Infof("[Jira] created epic %s for engagement %d", created.Key, engagement.ID)
	return boolPtr(true)
}

// UpdateEpic pushes a new summary (and optionally priority) to an existing epic.
func (s *JiraService) UpdateEpic(engagement *models.Engagement, epicName, epicPriority string) *bool {
	entity := models.EntityFromEngagement(engagement)
	project := s.GetJiraProject(entity, true)
	if project == nil || !project.EnableEngagementEpicMapping {
		return nil
	}
	link := s.FindByEntity(entity)
	if link == nil {
		return s.AddEpic(engagement, epicName, epicPriority)
	}

	client, _, err := s.Connection(entity)
	if err != nil {
		return boolPtr(false)
	}

	if epicName == "" {
		epicName = engagement.Name
	}
	fields := FieldMap{"summary": JiraSummary(epicName)}
	if epicPriority != "" {
		fields["priority"] = map[string]string{"name": epicPriority}
	}

	if err := client.UpdateIssue(link.JiraID, fields); err != nil {
		s.alerts.EntityAlert(entity, err.Error())
		logger.Errorf("[Jira] epic update for engagement %d failed: %v", engagement.ID, err)
		return boolPtr(false)
	}
	s.TouchLink(link, time.Now())
	return boolPtr(true)
}

// CloseEpic transitions the engagement's epic to the configured close state.
// Nil when epic mapping is disabled, when the caller did not ask for a push,
// or when no epic exists.
func (s *JiraService) CloseEpic(engagement *models.Engagement, push bool) *bool {
	entity := models.EntityFromEngagement(engagement)
	project := s.GetJiraProject(entity, true)
	if project == nil || !project.EnableEngagementEpicMapping || !push {
		return nil
	}
	link := s.FindByEntity(entity)
	if link == nil {
		logger.Debugf("[Jira] engagement %d has no epic to close", engagement.ID)
		return nil
	}

	client, instance, err := s.Connection(entity)
	if err != nil {
		return boolPtr(false)
	}

	if err := s.transition(client, link, instance.CloseStatusKey, resolveTransitionName); err != nil {
		s.alerts.EntityAlert(entity, "could not close epic "+link.JiraKey+": "+err.Error())
		logger.Errorf("[Jira] closing epic %s failed: %v", link.JiraKey, err)
		return boolPtr(false)
	}
	s.TouchLink(link, time.Now())
	logger.Infof("[Jira] closed epic %s for engagement %d", link.JiraKey, engagement.ID)
	return boolPtr(true)
}

// epicFields builds the create payload for an epic. The epic-name custom
// field is set only when the instance has one configured and the epic issue
// type actually carries it.
func (s *JiraService) epicFields(client TrackerClient, project *models.JIRAProject, instance *models.JIRAInstance, epicName, epicPriority string) (FieldMap, error) {
	fields := FieldMap{
		"project":   map[string]string{"key": project.ProjectKey},
		"issuetype": map[string]string{"name": project.EpicIssueTypeName},
		"summary":   JiraSummary(epicName),
	}

	if fieldID := instance.EpicNameFieldName(); fieldID != "" {
		allowed, err := client.GetIssueTypeFields(project.ProjectKey, project.EpicIssueTypeName)
		if err != nil {
			return nil, err
		}
		if allowed[fieldID] {
			fields[fieldID] = epicName
		}
	}

	if epicPriority != "" {
		fields["priority"] = map[string]string{"name": epicPriority}
	}
	return fields, nil
}

func boolPtr(b bool) *bool { return &b }

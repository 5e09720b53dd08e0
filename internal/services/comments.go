package services

import (
	"time"

	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
)

// AddComment mirrors a finding note to the linked issue. Nil means skipped:
// the note is private, or the project does not push notes, and the caller
// did not force the push.
func (s *JiraService) AddComment(entity models.TrackedEntity, note *models.Note, forcePush bool) *bool {
	if note.Private && !forcePush {
		return nil
	}
	project := s.GetJiraProject(entity, true)
	if project == nil {
		return nil
	}
	if !project.PushNotes && !forcePush {
		return nil
	}

	link := s.linkWithGroupFallback(entity)
	if link == nil {
		logger.Debugf("[Jira] no issue to comment on for %s", entity.Describe())
		return boolPtr(false)
	}

	client, _, err := s.Connection(entity)
	if err != nil {
		return boolPtr(false)
	}

	body := "(" + note.AuthorDisplay() + "): " + note.Entry
	if err := client.AddComment(link.JiraID, body); err != nil {
		s.alerts.EntityAlert(entity, "could not push comment: "+err.Error())
		logger.Errorf("[Jira] comment on %s failed: %v", link.JiraKey, err)
		return boolPtr(false)
	}
	s.TouchLink(link, time.Now())
	return boolPtr(true)
}

// SaveAndPush decides whether a just-saved finding should go to JIRA and
// pushes it. Grouped findings redirect the push to their group so the shared
// issue is the one updated. Nil means no push was attempted.
func (s *JiraService) SaveAndPush(finding *models.Finding, pushRequested bool) *bool {
	entity := models.EntityFromFinding(finding)

	if finding.FindingGroupID != nil {
		var group models.FindingGroup
		if err := s.db.Preload("Findings").First(&group, *finding.FindingGroupID).Error; err == nil {
			entity = models.EntityFromGroup(&group)
		}
	}

	if !pushRequested && !s.IsPushAllIssues(entity) && !s.syncOnSave(entity) {
		return nil
	}
	return boolPtr(s.Push(entity))
}

// syncOnSave reports whether the entity's instance mirrors linked issues on
// every save.
func (s *JiraService) syncOnSave(entity models.TrackedEntity) bool {
	if s.FindByEntity(entity) == nil {
		return false
	}
	instance := s.GetJiraInstance(entity)
	return instance != nil && instance.FindingJiraSync
}

// linkWithGroupFallback returns the entity's own link, else the link of the
// finding's group when it belongs to one.
func (s *JiraService) linkWithGroupFallback(entity models.TrackedEntity) *models.JIRAIssue {
	if link := s.FindByEntity(entity); link != nil {
		return link
	}
	if entity.Kind == models.KindFinding && entity.Finding.FindingGroupID != nil {
		var link models.JIRAIssue
		if err := s.db.Where("finding_group_id = ?", *entity.Finding.FindingGroupID).First(&link).Error; err == nil {
			return &link
		}
	}
	return nil
}

// Read helpers over the remote issue. An entity without a link, directly or
// through its group, yields no data rather than an error.

// GetJiraUpdated returns the remote issue's last-updated time.
func (s *JiraService) GetJiraUpdated(entity models.TrackedEntity) *time.Time {
	remote := s.remoteIssueFor(entity)
	if remote == nil || remote.Updated.IsZero() {
		return nil
	}
	t := remote.Updated
	return &t
}

// GetJiraStatus returns the remote issue's status name, "" when unknown.
func (s *JiraService) GetJiraStatus(entity models.TrackedEntity) string {
	remote := s.remoteIssueFor(entity)
	if remote == nil {
		return ""
	}
	return remote.Status
}

// GetJiraComments returns the remote issue's comments.
func (s *JiraService) GetJiraComments(entity models.TrackedEntity) []IssueComment {
	remote := s.remoteIssueFor(entity)
	if remote == nil {
		return nil
	}
	return remote.Comments
}

func (s *JiraService) remoteIssueFor(entity models.TrackedEntity) *RemoteIssue {
	link := s.linkWithGroupFallback(entity)
	if link == nil {
		return nil
	}
	client, _, err := s.Connection(entity)
	if err != nil {
		return nil
	}
	remote, err := client.GetIssue(link.JiraID)
	if err != nil {
		logger.Debugf("[Jira] could not fetch %s: %v", link.JiraKey, err)
		return nil
	}
	return remote
}

// JiraIssueURL renders the browse URL of a linked issue.
func (s *JiraService) JiraIssueURL(link *models.JIRAIssue, instance *models.JIRAInstance) string {
	if link == nil || instance == nil {
		return ""
	}
	return instance.URL + "/browse/" + link.JiraKey
}

// JiraProjectURL renders the browse URL of a configured project.
func (s *JiraService) JiraProjectURL(project *models.JIRAProject, instance *models.JIRAInstance) string {
	if project == nil || instance == nil {
		return ""
	}
	return instance.URL + "/browse/" + project.ProjectKey
}

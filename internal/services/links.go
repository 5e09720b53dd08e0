package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
	"gorm.io/gorm"
)

// FindByEntity returns the entity's JIRA link, nil when none exists. Absent
// links are the normal unlinked state, not an error.
func (s *JiraService) FindByEntity(entity models.TrackedEntity) *models.JIRAIssue {
	column := linkColumn(entity)
	if column == "" || entity.RecordID() == 0 {
		return nil
	}
	var link models.JIRAIssue
	err := s.db.Where(column+" = ?", entity.RecordID()).First(&link).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Errorf("[Jira] link lookup failed for %s: %v", entity.Describe(), err)
		}
		return nil
	}
	return &link
}

// HasLink reports whether the entity is already mirrored in JIRA.
func (s *JiraService) HasLink(entity models.TrackedEntity) bool {
	return s.FindByEntity(entity) != nil
}

// Link records a new entity/issue binding. The link for an existing entity is
// updated in place so repeated pushes stay idempotent.
func (s *JiraService) Link(entity models.TrackedEntity, project *models.JIRAProject, issue CreatedIssue, created, changed time.Time) (*models.JIRAIssue, error) {
	link := s.FindByEntity(entity)
	if link == nil {
		link = &models.JIRAIssue{}
		switch entity.Kind {
		case models.KindFinding:
			id := entity.Finding.ID
			link.FindingID = &id
		case models.KindFindingGroup:
			id := entity.Group.ID
			link.FindingGroupID = &id
		case models.KindEngagement:
			id := entity.Engagement.ID
			link.EngagementID = &id
		default:
			return nil, fmt.Errorf("cannot link %s to a jira issue", entity.Describe())
		}
	}

	link.JiraID = issue.ID
	link.JiraKey = issue.Key
	link.JiraCreation = created
	link.JiraChange = changed
	if project != nil {
		id := project.ID
		link.JIRAProjectID = &id
	}

	if err := s.db.Save(link).Error; err != nil {
		return nil, err
	}
	return link, nil
}

// LinkExisting binds an entity to an already existing JIRA issue by key.
// The issue is fetched so the stored timestamps reflect the remote state.
// A key already held by another record in the same project scope is refused.
func (s *JiraService) LinkExisting(entity models.TrackedEntity, jiraKey string) (*models.JIRAIssue, error) {
	project := s.GetJiraProject(entity, true)
	if project == nil {
		return nil, &ConfigurationError{Reason: "no jira project configuration for " + entity.Describe()}
	}

	var ownLinkID uint
	if own := s.FindByEntity(entity); own != nil {
		ownLinkID = own.ID
	}
	if holder := s.linkHolder(jiraKey, project.ID, ownLinkID); holder != nil {
		return nil, &LinkConflictError{JiraKey: jiraKey, Holder: holder}
	}

	client, _, err := s.Connection(entity)
	if err != nil {
		return nil, err
	}
	remote, err := client.GetIssue(jiraKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	created := remote.Created
	if created.IsZero() {
		created = now
	}
	changed := remote.Updated
	if changed.IsZero() {
		changed = now
	}
	return s.Link(entity, project, CreatedIssue{ID: remote.ID, Key: remote.Key}, created, changed)
}

// Unlink removes the entity's JIRA binding. The remote issue is left alone.
func (s *JiraService) Unlink(entity models.TrackedEntity) error {
	link := s.FindByEntity(entity)
	if link == nil {
		return ErrNotFound
	}
	logger.Infof("[Jira] unlinking %s from %s", entity.Describe(), link.JiraKey)
	// Hard delete: a soft-deleted row would still occupy the unique index
	// on the entity column and block a later relink.
	return s.db.Unscoped().Delete(link).Error
}

// FindByJiraID returns the link holding a remote issue id, nil when none.
func (s *JiraService) FindByJiraID(jiraID string) *models.JIRAIssue {
	var link models.JIRAIssue
	if err := s.db.Where("jira_id = ?", jiraID).First(&link).Error; err != nil {
		return nil
	}
	return &link
}

// InstanceForLink resolves the server binding behind a stored link.
func (s *JiraService) InstanceForLink(link *models.JIRAIssue) (*models.JIRAInstance, error) {
	return s.instanceOfLink(link)
}

// linkHolder returns the link already claiming a jira key within a project
// scope, nil when the key is free. Engagement epics never conflict with
// finding-level links, and the entity's own existing link is not a holder.
func (s *JiraService) linkHolder(jiraKey string, projectID, excludeLinkID uint) *models.JIRAIssue {
	var link models.JIRAIssue
	query := s.db.Where("jira_key = ? AND jira_project_id = ? AND engagement_id IS NULL",
		jiraKey, projectID)
	if excludeLinkID != 0 {
		query = query.Where("id <> ?", excludeLinkID)
	}
	if err := query.First(&link).Error; err != nil {
		return nil
	}
	return &link
}

// TouchLink bumps the stored change timestamp after a successful remote write.
func (s *JiraService) TouchLink(link *models.JIRAIssue, changed time.Time) {
	link.JiraChange = changed
	if err := s.db.Save(link).Error; err != nil {
		logger.Errorf("[Jira] failed to update link %s: %v", link.JiraKey, err)
	}
}

func linkColumn(entity models.TrackedEntity) string {
	switch entity.Kind {
	case models.KindFinding:
		return "finding_id"
	case models.KindFindingGroup:
		return "finding_group_id"
	case models.KindEngagement:
		return "engagement_id"
	}
	return ""
}

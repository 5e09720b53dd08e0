package services

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
)

// Error marker JIRA returns when classic epic linking is attempted against a
// next-gen project. The fallback sets the parent field on the child instead.
const nextGenIssueMarker = "The request contains a next-gen issue."

// PushOutcome classifies how a push finished.
type PushOutcome int

const (
	PushSuccess PushOutcome = iota
	PushSoftFailure
	PushFatalFailure
)

// PushResult accumulates the per-step outcomes of one push. Soft failures
// are recorded and alerted but do not flip the overall result; any fatal
// failure does.
type PushResult struct {
	SoftFailures  []string
	FatalFailures []string
}

func (r *PushResult) Soft(msg string)  { r.SoftFailures = append(r.SoftFailures, msg) }
func (r *PushResult) Fatal(msg string) { r.FatalFailures = append(r.FatalFailures, msg) }

// OK reports whether the push succeeded, soft failures included.
func (r *PushResult) OK() bool { return len(r.FatalFailures) == 0 }

// Outcome reduces the accumulated step results to a single classification.
func (r *PushResult) Outcome() PushOutcome {
	if len(r.FatalFailures) > 0 {
		return PushFatalFailure
	}
	if len(r.SoftFailures) > 0 {
		return PushSoftFailure
	}
	return PushSuccess
}

// Push mirrors an entity to JIRA, creating the issue on first push and
// updating it afterwards. Returns whether the push succeeded.
func (s *JiraService) Push(entity models.TrackedEntity) bool {
	return s.PushWithResult(entity).OK()
}

// PushWithResult is Push with the full step accumulator exposed.
func (s *JiraService) PushWithResult(entity models.TrackedEntity) *PushResult {
	result := &PushResult{}

	ok, _, msg := s.CanBePushed(entity, nil)
	if !ok {
		// Duplicate inactive findings are the common benign case; keep it
		// distinguishable in the logs from real misconfiguration.
		if entity.Kind == models.KindFinding && entity.Finding.Duplicate && !entity.Finding.Active {
			logger.Debugf("[Jira] pushing duplicate inactive %s rejected: %s", entity.Describe(), msg)
		} else {
			logger.Warnf("[Jira] push rejected: %s", msg)
		}
		s.alerts.IneligibleAlert(entity, msg)
		result.Fatal(msg)
		return result
	}

	if link := s.FindByEntity(entity); link != nil {
		s.updateIssue(entity, link, result)
	} else {
		s.createIssue(entity, result)
	}
	return result
}

func (s *JiraService) createIssue(entity models.TrackedEntity, result *PushResult) {
	project := s.GetJiraProject(entity, true)
	client, instance, err := s.Connection(entity)
	if err != nil {
		result.Fatal(err.Error())
		return
	}

	allowed, err := client.GetIssueTypeFields(project.ProjectKey, instance.DefaultIssueType)
	if err != nil {
		s.fatal(entity, result, err.Error())
		return
	}

	fields, err := s.PrepareIssueFields(entity, project, instance, allowed, false)
	if err != nil {
		s.fatal(entity, result, err.Error())
		return
	}

	created, err := client.CreateIssue(fields)
	if err != nil {
		s.fatal(entity, result, err.Error())
		return
	}
	logger.Infof("[Jira] created issue %s for %s", created.Key, entity.Describe())

	now := time.Now()
	link, err := s.Link(entity, project, *created, now, now)
	if err != nil {
		s.fatal(entity, result, "issue "+created.Key+" created but link could not be stored: "+err.Error())
		return
	}

	s.pushDefaultAssignee(entity, client, project, created.Key, result)
	s.pushAttachments(entity, client, link, nil, result)
	s.replayNotes(entity, client, link, result)
	s.pushEpicLink(entity, client, project, link, result)
}

func (s *JiraService) updateIssue(entity models.TrackedEntity, link *models.JIRAIssue, result *PushResult) {
	project := s.GetJiraProject(entity, true)
	if project == nil || !project.Enabled {
		s.fatal(entity, result, "jira project configuration missing or disabled")
		return
	}
	client, instance, err := s.Connection(entity)
	if err != nil {
		result.Fatal(err.Error())
		return
	}

	allowed, err := client.GetIssueTypeFields(project.ProjectKey, instance.DefaultIssueType)
	if err != nil {
		s.fatal(entity, result, err.Error())
		return
	}

	remote, err := client.GetIssue(link.JiraID)
	if err != nil {
		s.fatal(entity, result, "cannot fetch issue "+link.JiraKey+": "+err.Error())
		return
	}

	fields, err := s.PrepareIssueFields(entity, project, instance, allowed, true)
	if err != nil {
		s.fatal(entity, result, err.Error())
		return
	}

	// Remote-side triage wins for components; labels added in JIRA are
	// never dropped.
	if len(remote.Components) > 0 {
		delete(fields, "components")
	}
	if derived, ok := fields["labels"].([]string); ok {
		fields["labels"] = unionLabels(derived, remote.Labels)
	} else if len(remote.Labels) > 0 && allowed["labels"] {
		fields["labels"] = remote.Labels
	}

	if err := client.UpdateIssue(link.JiraID, fields); err != nil {
		s.fatal(entity, result, err.Error())
		return
	}
	logger.Infof("[Jira] updated issue %s for %s", link.JiraKey, entity.Describe())
	s.TouchLink(link, time.Now())

	if err := s.PushStatus(entity, client, instance, link, remote); err != nil {
		s.fatal(entity, result, "status push for "+link.JiraKey+" failed: "+err.Error())
		return
	}

	s.pushAttachments(entity, client, link, remote.AttachmentNames, result)
	s.pushEpicLink(entity, client, project, link, result)
}

func (s *JiraService) fatal(entity models.TrackedEntity, result *PushResult, msg string) {
	logger.Errorf("[Jira] push of %s failed: %s", entity.Describe(), msg)
	s.alerts.EntityAlert(entity, msg)
	result.Fatal(msg)
}

func (s *JiraService) soft(entity models.TrackedEntity, result *PushResult, msg string) {
	logger.Warnf("[Jira] push of %s: %s", entity.Describe(), msg)
	s.alerts.EntityAlert(entity, msg)
	result.Soft(msg)
}

func (s *JiraService) pushDefaultAssignee(entity models.TrackedEntity, client TrackerClient, project *models.JIRAProject, issueKey string, result *PushResult) {
	if project.DefaultAssignee == "" {
		return
	}
	if err := client.AssignIssue(issueKey, project.DefaultAssignee); err != nil {
		s.soft(entity, result, "could not assign default assignee: "+err.Error())
	}
}

// pushAttachments uploads local finding attachments the remote issue does
// not already carry, matched by filename. A missing local file is logged and
// skipped; an upload failure is a soft failure.
func (s *JiraService) pushAttachments(entity models.TrackedEntity, client TrackerClient, link *models.JIRAIssue, remoteNames []string, result *PushResult) {
	existing := make(map[string]bool, len(remoteNames))
	for _, name := range remoteNames {
		existing[name] = true
	}

	for _, att := range s.entityAttachments(entity) {
		filename := filepath.Base(att.FilePath)
		if existing[filename] {
			continue
		}
		file, err := os.Open(filepath.Join(s.mediaRoot, att.FilePath))
		if err != nil {
			logger.Warnf("[Jira] attachment %s for %s not found locally, skipping", att.FilePath, entity.Describe())
			continue
		}
		err = client.AddAttachment(link.JiraID, filename, file)
		file.Close()
		if err != nil {
			s.soft(entity, result, "could not upload attachment "+filename+": "+err.Error())
		}
	}
}

func (s *JiraService) entityAttachments(entity models.TrackedEntity) []models.FindingAttachment {
	var ids []uint
	switch entity.Kind {
	case models.KindFinding:
		ids = []uint{entity.Finding.ID}
	case models.KindFindingGroup:
		s.loadGroupFindings(entity.Group)
		for i := range entity.Group.Findings {
			ids = append(ids, entity.Group.Findings[i].ID)
		}
	default:
		return nil
	}
	var attachments []models.FindingAttachment
	s.db.Where("finding_id IN ?", ids).Find(&attachments)
	return attachments
}

// replayNotes mirrors existing non-private notes as comments on a freshly
// created issue. Runs on the create path only so a re-dispatched push never
// duplicates comments.
func (s *JiraService) replayNotes(entity models.TrackedEntity, client TrackerClient, link *models.JIRAIssue, result *PushResult) {
	var ids []uint
	switch entity.Kind {
	case models.KindFinding:
		ids = []uint{entity.Finding.ID}
	case models.KindFindingGroup:
		s.loadGroupFindings(entity.Group)
		for i := range entity.Group.Findings {
			ids = append(ids, entity.Group.Findings[i].ID)
		}
	default:
		return
	}

	var notes []models.Note
	s.db.Where("finding_id IN ? AND private = ?", ids, false).Order("created_at ASC").Find(&notes)
	for i := range notes {
		body := "(" + notes[i].AuthorDisplay() + "): " + notes[i].Entry
		if err := client.AddComment(link.JiraID, body); err != nil {
			s.soft(entity, result, "could not replay note: "+err.Error())
		}
	}
}

// pushEpicLink attaches the issue to its engagement's epic when epic mapping
// is enabled. No epic yet is fine; a failing link call is fatal. Classic
// epic linking rejected by a next-gen project falls back to setting the
// parent on the child issue.
func (s *JiraService) pushEpicLink(entity models.TrackedEntity, client TrackerClient, project *models.JIRAProject, link *models.JIRAIssue, result *PushResult) {
	if !project.EnableEngagementEpicMapping || entity.Kind == models.KindEngagement {
		return
	}
	engagement := s.engagementOf(entity)
	if engagement == nil {
		return
	}
	epicLink := s.FindByEntity(models.EntityFromEngagement(engagement))
	if epicLink == nil {
		logger.Debugf("[Jira] no epic for engagement %d, skipping epic link for %s", engagement.ID, link.JiraKey)
		return
	}

	err := client.AddIssueToEpic(epicLink.JiraID, link.JiraID)
	if err != nil && strings.Contains(err.Error(), nextGenIssueMarker) {
		err = client.UpdateIssue(link.JiraID, FieldMap{"parent": map[string]string{"id": epicLink.JiraID}})
	}
	if err != nil {
		s.fatal(entity, result, "could not link issue "+link.JiraKey+" to epic "+epicLink.JiraKey+": "+err.Error())
	}
}

func unionLabels(derived, remote []string) []string {
	seen := make(map[string]bool, len(derived))
	out := make([]string, 0, len(derived)+len(remote))
	for _, l := range derived {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	for _, l := range remote {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

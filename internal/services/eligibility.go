package services

import (
	"fmt"

	"github.com/huangang/vulnsync/internal/models"
)

// ReasonCode identifies why an entity cannot be pushed to JIRA.
type ReasonCode string

const (
	ReasonNone                ReasonCode = ""
	ReasonNoProjectConfig     ReasonCode = "NO_PROJECT_CONFIG"
	ReasonProjectDisabled     ReasonCode = "PROJECT_DISABLED"
	ReasonUnsupportedType     ReasonCode = "UNSUPPORTED_TYPE"
	ReasonNotActiveOrVerified ReasonCode = "NOT_ACTIVE_OR_VERIFIED"
	ReasonBelowThreshold      ReasonCode = "BELOW_MINIMUM_THRESHOLD"
	ReasonEmptyGroup          ReasonCode = "EMPTY_GROUP"
	ReasonInactiveGroup       ReasonCode = "INACTIVE_GROUP"
)

// PendingEdits overlays unsaved form values onto a finding during an
// eligibility check, so "save and push" decisions see the new state.
type PendingEdits struct {
	Active   *bool
	Verified *bool
	Severity *string
}

// CanBePushed decides push eligibility for an entity. Rules are evaluated in
// order, first match wins. An entity that already has a JIRA issue can always
// be pushed again, regardless of status, so updates keep flowing.
func (s *JiraService) CanBePushed(entity models.TrackedEntity, edits *PendingEdits) (bool, ReasonCode, string) {
	project := s.GetJiraProject(entity, true)
	if project == nil {
		return false, ReasonNoProjectConfig,
			fmt.Sprintf("%s cannot be pushed to jira as there is no jira project configuration for this product", entity.Describe())
	}

	if !project.Enabled {
		return false, ReasonProjectDisabled,
			fmt.Sprintf("%s cannot be pushed to jira as the jira project is not enabled", entity.Describe())
	}

	switch entity.Kind {
	case models.KindFinding, models.KindStubFinding, models.KindFindingGroup, models.KindEngagement:
	default:
		return false, ReasonUnsupportedType,
			fmt.Sprintf("%s cannot be pushed to jira as it is of unsupported type", entity.Describe())
	}

	// Stub findings carry no lifecycle state and can always be pushed.
	if entity.Kind == models.KindStubFinding {
		return true, ReasonNone, ""
	}

	if s.FindByEntity(entity) != nil {
		return true, ReasonNone, ""
	}

	switch entity.Kind {
	case models.KindFinding:
		return s.findingCanBePushed(entity, edits)
	case models.KindFindingGroup:
		group := entity.Group
		if len(group.Findings) == 0 {
			return false, ReasonEmptyGroup,
				fmt.Sprintf("%s cannot be pushed to jira as it is empty", entity.Describe())
		}
		if !containsStatus(group.StatusList(), "Active") {
			return false, ReasonInactiveGroup,
				fmt.Sprintf("%s cannot be pushed to jira as it is not active", entity.Describe())
		}
	}

	return true, ReasonNone, ""
}

func (s *JiraService) findingCanBePushed(entity models.TrackedEntity, edits *PendingEdits) (bool, ReasonCode, string) {
	finding := entity.Finding
	active := finding.Active
	verified := finding.Verified
	severity := finding.Severity
	if edits != nil {
		if edits.Active != nil {
			active = *edits.Active
		}
		if edits.Verified != nil {
			verified = *edits.Verified
		}
		if edits.Severity != nil {
			severity = *edits.Severity
		}
	}

	if !active || (!verified && s.settings.EnforceVerified()) {
		return false, ReasonNotActiveOrVerified,
			"findings must be active and verified, if enforced by system settings, to be pushed to jira"
	}

	if threshold := s.minimumSeverity(entity); threshold != "" {
		if models.SeverityRank(severity) < models.SeverityRank(threshold) {
			return false, ReasonBelowThreshold,
				fmt.Sprintf("finding below the minimum jira severity threshold (%s)", threshold)
		}
	}

	return true, ReasonNone, ""
}

// minimumSeverity returns the effective push threshold: the instance-level
// setting wins over the global one.
func (s *JiraService) minimumSeverity(entity models.TrackedEntity) string {
	if instance := s.GetJiraInstance(entity); instance != nil && instance.MinimumSeverity != "" {
		return instance.MinimumSeverity
	}
	return s.settings.JiraMinimumSeverity()
}

func containsStatus(list []string, status string) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

package models

import (
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// JIRAInstance is a JIRA server binding shared by many project configs.
type JIRAInstance struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Name         string `gorm:"size:200;not null" json:"name"`
	URL          string `gorm:"size:500;not null" json:"url"`
	Username     string `gorm:"size:200" json:"username"`
	Password     string `gorm:"size:500" json:"-"`
	PasswordMask string `gorm:"-" json:"password_mask"`

	DefaultIssueType string `gorm:"size:100;default:Bug" json:"default_issue_type"`
	// Numeric id of the "Epic Name" custom field, without the customfield_ prefix.
	EpicNameID uint `gorm:"default:0" json:"epic_name_id"`

	// Transition ids used to close/reopen issues when pushing status.
	CloseStatusKey string `gorm:"size:50" json:"close_status_key"`
	OpenStatusKey  string `gorm:"size:50" json:"open_status_key"`

	// Resolution names that map inbound resolutions to risk acceptance or
	// false positive, comma-separated.
	AcceptedResolutions      string `gorm:"size:1000" json:"accepted_resolutions"`
	FalsePositiveResolutions string `gorm:"size:1000" json:"false_positive_resolutions"`

	// Findings below this severity are never pushed. Empty disables the gate.
	MinimumSeverity string `gorm:"size:20" json:"minimum_severity"`

	// Push status changes to JIRA whenever a linked finding is saved.
	FindingJiraSync bool `gorm:"default:false" json:"finding_jira_sync"`

	// Extra text appended to every issue description rendered for this instance.
	FindingText string `gorm:"type:text" json:"finding_text"`

	// Severity -> JIRA priority name, comma-separated "Severity=Priority" pairs.
	PriorityMap string `gorm:"size:500" json:"priority_map"`

	IssueTemplateDir string `gorm:"size:500" json:"issue_template_dir"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// EpicNameFieldName returns the full custom field id for the epic name, empty
// when the instance has none configured.
func (i *JIRAInstance) EpicNameFieldName() string {
	if i.EpicNameID == 0 {
		return ""
	}
	return "customfield_" + strconv.FormatUint(uint64(i.EpicNameID), 10)
}

// Priority maps an internal severity to the instance's JIRA priority name.
// Unmapped severities fall back to the severity name itself, which matches
// the default priority scheme of a stock JIRA install.
func (i *JIRAInstance) Priority(severity string) string {
	for _, pair := range strings.Split(i.PriorityMap, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.TrimSpace(k) == severity {
			return strings.TrimSpace(v)
		}
	}
	return severity
}

// AcceptedResolutionNames splits the configured accepted resolutions.
func (i *JIRAInstance) AcceptedResolutionNames() []string {
	return splitCSV(i.AcceptedResolutions)
}

// FalsePositiveResolutionNames splits the configured false positive resolutions.
func (i *JIRAInstance) FalsePositiveResolutionNames() []string {
	return splitCSV(i.FalsePositiveResolutions)
}

// MaskPassword returns a masked credential for display.
func (i *JIRAInstance) MaskPassword() string {
	if i.Password == "" {
		return ""
	}
	return "****"
}

// JIRAProject binds a product or engagement to a JIRA project.
// Exactly one of ProductID/EngagementID is set.
type JIRAProject struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	JIRAInstanceID uint          `gorm:"index;not null" json:"jira_instance_id"`
	JIRAInstance   *JIRAInstance `gorm:"foreignKey:JIRAInstanceID" json:"jira_instance,omitempty"`
	ProductID      *uint         `gorm:"index" json:"product_id"`
	EngagementID   *uint         `gorm:"index" json:"engagement_id"`

	ProjectKey string `gorm:"size:100;not null" json:"project_key"`
	Enabled    bool   `json:"enabled"`
	Component  string `gorm:"size:200" json:"component"`
	// Extra JIRA fields set verbatim on create, JSON object.
	CustomFields string `gorm:"type:text" json:"custom_fields"`
	// Whitespace-separated labels added to every issue of this project.
	Labels          string `gorm:"size:1000" json:"jira_labels"`
	DefaultAssignee string `gorm:"size:200" json:"default_assignee"`

	PushAllIssues               bool   `gorm:"default:false" json:"push_all_issues"`
	PushNotes                   bool   `gorm:"default:false" json:"push_notes"`
	EnableEngagementEpicMapping bool   `gorm:"default:false" json:"enable_engagement_epic_mapping"`
	EpicIssueTypeName           string `gorm:"size:100;default:Epic" json:"epic_issue_type_name"`
	AddVulnerabilityIDToLabel   bool   `gorm:"default:false" json:"add_vulnerability_id_to_jira_label"`
	IssueTemplateDir            string `gorm:"size:500" json:"issue_template_dir"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// LabelList splits the whitespace-separated project labels.
func (p *JIRAProject) LabelList() []string {
	return strings.Fields(p.Labels)
}

// JIRAIssue links one tracked entity to one JIRA issue. Exactly one of
// FindingID/FindingGroupID/EngagementID is set; engagement links are epics.
type JIRAIssue struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	JiraID  string `gorm:"size:50;index;not null" json:"jira_id"`
	JiraKey string `gorm:"size:100;index;not null" json:"jira_key"`

	JiraCreation time.Time `json:"jira_creation"`
	JiraChange   time.Time `json:"jira_change"`

	FindingID      *uint `gorm:"uniqueIndex" json:"finding_id"`
	FindingGroupID *uint `gorm:"uniqueIndex" json:"finding_group_id"`
	EngagementID   *uint `gorm:"uniqueIndex" json:"engagement_id"`

	JIRAProjectID *uint        `gorm:"index" json:"jira_project_id"`
	JIRAProject   *JIRAProject `gorm:"foreignKey:JIRAProjectID" json:"jira_project,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsEpic reports whether the link points at an engagement-level epic.
func (j *JIRAIssue) IsEpic() bool {
	return j.EngagementID != nil
}

func (JIRAInstance) TableName() string { return "jira_instances" }
func (JIRAProject) TableName() string  { return "jira_projects" }
func (JIRAIssue) TableName() string    { return "jira_issues" }

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

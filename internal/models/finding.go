package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Severity levels, ordered from least to most severe.
const (
	SeverityInfo     = "Info"
	SeverityLow      = "Low"
	SeverityMedium   = "Medium"
	SeverityHigh     = "High"
	SeverityCritical = "Critical"
)

var severityRanks = map[string]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank returns the numeric rank of a severity name, 0 for unknown.
func SeverityRank(severity string) int {
	return severityRanks[severity]
}

// Finding is a single vulnerability record. The lifecycle flags carry no
// gorm default tags: with a default tag gorm omits zero values on insert,
// so a false flag could not be persisted.
type Finding struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Title          string     `gorm:"size:511;not null" json:"title"`
	Description    string     `gorm:"type:text" json:"description"`
	Severity       string     `gorm:"size:20;default:Info" json:"severity"`
	Mitigation     string     `gorm:"type:text" json:"mitigation"`
	Impact         string     `gorm:"type:text" json:"impact"`
	Date           time.Time  `json:"date"`
	Active         bool       `json:"active"`
	Verified       bool       `json:"verified"`
	Duplicate      bool       `json:"duplicate"`
	FalseP         bool       `json:"false_p"`
	OutOfScope     bool       `json:"out_of_scope"`
	RiskAccepted   bool       `json:"risk_accepted"`
	IsMitigated    bool       `json:"is_mitigated"`
	Mitigated      *time.Time `json:"mitigated"`
	MitigatedBy    string     `gorm:"size:200" json:"mitigated_by"`
	Reporter       string     `gorm:"size:200" json:"reporter"`
	TestID         uint       `gorm:"index;not null" json:"test_id"`
	Test           *Test      `gorm:"foreignKey:TestID" json:"test,omitempty"`
	FindingGroupID *uint      `gorm:"index" json:"finding_group_id"`

	Endpoints        []Endpoint          `gorm:"foreignKey:FindingID" json:"endpoints,omitempty"`
	Notes            []Note              `gorm:"foreignKey:FindingID" json:"notes,omitempty"`
	VulnerabilityIDs []VulnerabilityID   `gorm:"foreignKey:FindingID" json:"vulnerability_ids,omitempty"`
	Attachments      []FindingAttachment `gorm:"foreignKey:FindingID" json:"attachments,omitempty"`
	Tags             string              `gorm:"size:1000" json:"tags"` // comma-separated

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// StatusList returns the lifecycle labels of the finding, mirroring how the
// status is displayed. Resolved labels and open labels can coexist (a finding
// may be Inactive yet still Verified), which is why the reconciler checks
// resolved labels first.
func (f *Finding) StatusList() []string {
	var status []string
	if f.Active {
		status = append(status, "Active")
	} else {
		status = append(status, "Inactive")
	}
	if f.Verified {
		status = append(status, "Verified")
	}
	if f.IsMitigated {
		status = append(status, "Mitigated")
	}
	if f.FalseP {
		status = append(status, "False Positive")
	}
	if f.OutOfScope {
		status = append(status, "Out of Scope")
	}
	if f.Duplicate {
		status = append(status, "Duplicate")
	}
	if f.RiskAccepted {
		status = append(status, "Risk Accepted")
	}
	return status
}

// TagList splits the comma-separated tag field.
func (f *Finding) TagList() []string {
	if f.Tags == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(f.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// StubFinding is a promoted placeholder finding without lifecycle state.
// Stub findings can always be pushed to JIRA.
type StubFinding struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Title       string         `gorm:"size:511;not null" json:"title"`
	Description string         `gorm:"type:text" json:"description"`
	Severity    string         `gorm:"size:20;default:Info" json:"severity"`
	Date        time.Time      `json:"date"`
	TestID      uint           `gorm:"index;not null" json:"test_id"`
	Test        *Test          `gorm:"foreignKey:TestID" json:"test,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Endpoint is an affected host/service of a finding.
type Endpoint struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	FindingID uint   `gorm:"index;not null" json:"finding_id"`
	Protocol  string `gorm:"size:20" json:"protocol"`
	Host      string `gorm:"size:500;not null" json:"host"`
	Port      int    `json:"port"`
	Path      string `gorm:"size:1000" json:"path"`
}

// String renders the endpoint the way it appears in the JIRA environment field.
func (e *Endpoint) String() string {
	s := e.Host
	if e.Protocol != "" {
		s = e.Protocol + "://" + s
	}
	if e.Port > 0 {
		s = fmt.Sprintf("%s:%d", s, e.Port)
	}
	if e.Path != "" {
		s += "/" + strings.TrimPrefix(e.Path, "/")
	}
	return s
}

// Note is an analyst comment on a finding. Private notes are never replayed
// to the external tracker.
type Note struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	FindingID      uint      `gorm:"index;not null" json:"finding_id"`
	Entry          string    `gorm:"type:text;not null" json:"entry"`
	AuthorUsername string    `gorm:"size:200" json:"author_username"`
	AuthorName     string    `gorm:"size:200" json:"author_name"`
	Private        bool      `gorm:"default:false" json:"private"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

// AuthorDisplay returns the full name if set, else the username.
func (n *Note) AuthorDisplay() string {
	if n.AuthorName != "" {
		return n.AuthorName
	}
	return n.AuthorUsername
}

// VulnerabilityID is an external identifier (CVE, GHSA, ...) of a finding.
type VulnerabilityID struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	FindingID     uint   `gorm:"index;not null" json:"finding_id"`
	Vulnerability string `gorm:"size:100;not null" json:"vulnerability_id"`
}

// FindingAttachment is a locally stored file (screenshot etc.) attached to a
// finding, mirrored to the tracker issue by filename.
type FindingAttachment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FindingID uint      `gorm:"index;not null" json:"finding_id"`
	Title     string    `gorm:"size:200" json:"title"`
	FilePath  string    `gorm:"size:1000;not null" json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskAcceptance records a formally accepted risk, possibly created from an
// inbound tracker resolution.
type RiskAcceptance struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Name            string    `gorm:"size:300" json:"name"`
	AcceptedBy      string    `gorm:"size:200" json:"accepted_by"`
	Owner           string    `gorm:"size:200" json:"owner"`
	DecisionDetails string    `gorm:"type:text" json:"decision_details"`
	EngagementID    uint      `gorm:"index;not null" json:"engagement_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Findings []Finding `gorm:"many2many:risk_acceptance_findings;" json:"findings,omitempty"`
}

func (Finding) TableName() string           { return "findings" }
func (StubFinding) TableName() string       { return "stub_findings" }
func (Endpoint) TableName() string          { return "endpoints" }
func (Note) TableName() string              { return "notes" }
func (VulnerabilityID) TableName() string   { return "vulnerability_ids" }
func (FindingAttachment) TableName() string { return "finding_attachments" }
func (RiskAcceptance) TableName() string    { return "risk_acceptances" }

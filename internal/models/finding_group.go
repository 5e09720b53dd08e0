package models

import (
	"time"

	"gorm.io/gorm"
)

// FindingGroup bundles related findings of one test so they share a single
// JIRA issue.
type FindingGroup struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"size:300;not null" json:"name"`
	TestID    uint           `gorm:"index;not null" json:"test_id"`
	Test      *Test          `gorm:"foreignKey:TestID" json:"test,omitempty"`
	Findings  []Finding      `gorm:"foreignKey:FindingGroupID" json:"findings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// StatusList aggregates the member findings' lifecycle labels,
// de-duplicated, first occurrence wins. An empty group has no status.
func (g *FindingGroup) StatusList() []string {
	seen := make(map[string]bool)
	var status []string
	for i := range g.Findings {
		for _, s := range g.Findings[i].StatusList() {
			if !seen[s] {
				seen[s] = true
				status = append(status, s)
			}
		}
	}
	return status
}

// HighestSeverity returns the most severe member severity, Info for an empty
// group. Used to derive the priority of the shared JIRA issue.
func (g *FindingGroup) HighestSeverity() string {
	highest := SeverityInfo
	for i := range g.Findings {
		if SeverityRank(g.Findings[i].Severity) > SeverityRank(highest) {
			highest = g.Findings[i].Severity
		}
	}
	return highest
}

func (FindingGroup) TableName() string { return "finding_groups" }

package models

import "fmt"

// EntityKind enumerates the record kinds that can be mirrored to JIRA.
type EntityKind string

const (
	KindFinding      EntityKind = "finding"
	KindStubFinding  EntityKind = "stub_finding"
	KindFindingGroup EntityKind = "finding_group"
	KindEngagement   EntityKind = "engagement"
)

// TrackedEntity is a closed tagged variant over the pushable record kinds.
// Exactly the pointer matching Kind is set. Keeping this closed lets the
// eligibility, field derivation and reconciliation switches stay total.
type TrackedEntity struct {
	Kind       EntityKind
	Finding    *Finding
	Stub       *StubFinding
	Group      *FindingGroup
	Engagement *Engagement
}

func EntityFromFinding(f *Finding) TrackedEntity {
	return TrackedEntity{Kind: KindFinding, Finding: f}
}

func EntityFromStub(s *StubFinding) TrackedEntity {
	return TrackedEntity{Kind: KindStubFinding, Stub: s}
}

func EntityFromGroup(g *FindingGroup) TrackedEntity {
	return TrackedEntity{Kind: KindFindingGroup, Group: g}
}

func EntityFromEngagement(e *Engagement) TrackedEntity {
	return TrackedEntity{Kind: KindEngagement, Engagement: e}
}

// RecordID returns the database id of the underlying record.
func (e TrackedEntity) RecordID() uint {
	switch e.Kind {
	case KindFinding:
		return e.Finding.ID
	case KindStubFinding:
		return e.Stub.ID
	case KindFindingGroup:
		return e.Group.ID
	case KindEngagement:
		return e.Engagement.ID
	}
	return 0
}

// Describe renders "Kind id: title" for logs and alerts.
func (e TrackedEntity) Describe() string {
	switch e.Kind {
	case KindFinding:
		return fmt.Sprintf("finding %d: %s", e.Finding.ID, e.Finding.Title)
	case KindStubFinding:
		return fmt.Sprintf("stub finding %d: %s", e.Stub.ID, e.Stub.Title)
	case KindFindingGroup:
		return fmt.Sprintf("finding group %d: %s", e.Group.ID, e.Group.Name)
	case KindEngagement:
		return fmt.Sprintf("engagement %d: %s", e.Engagement.ID, e.Engagement.Name)
	}
	return "unknown entity"
}

// TestID returns the owning test id for finding-level kinds, 0 otherwise.
func (e TrackedEntity) TestID() uint {
	switch e.Kind {
	case KindFinding:
		return e.Finding.TestID
	case KindStubFinding:
		return e.Stub.TestID
	case KindFindingGroup:
		return e.Group.TestID
	}
	return 0
}

// StatusList returns the lifecycle labels of the entity. Stub findings and
// engagements carry no lifecycle state.
func (e TrackedEntity) StatusList() []string {
	switch e.Kind {
	case KindFinding:
		return e.Finding.StatusList()
	case KindFindingGroup:
		return e.Group.StatusList()
	}
	return nil
}

// Severity returns the severity driving the JIRA priority.
func (e TrackedEntity) Severity() string {
	switch e.Kind {
	case KindFinding:
		return e.Finding.Severity
	case KindStubFinding:
		return e.Stub.Severity
	case KindFindingGroup:
		return e.Group.HighestSeverity()
	}
	return ""
}

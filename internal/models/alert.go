package models

import "time"

// Alert is a persisted notification about a sync event or failure. Alerts are
// the notify sink for everything the JIRA layer wants an operator to see.
type Alert struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Event       string    `gorm:"size:100;index;not null" json:"event"`
	Title       string    `gorm:"size:300;not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Source      string    `gorm:"size:100" json:"source"`
	EntityKind  string    `gorm:"size:50;index" json:"entity_kind"`
	EntityID    *uint     `gorm:"index" json:"entity_id"`
	URL         string    `gorm:"size:500" json:"url"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (Alert) TableName() string { return "alerts" }

package models

import (
	"time"

	"gorm.io/gorm"
)

// Product represents an application under security testing. It is the top of
// the Engagement -> Test -> Finding ownership chain and the last stop of the
// JIRA project config inheritance walk.
type Product struct {
	ID                         uint           `gorm:"primaryKey" json:"id"`
	Name                       string         `gorm:"size:200;not null" json:"name"`
	Description                string         `gorm:"type:text" json:"description"`
	EnableSimpleRiskAcceptance bool           `gorm:"default:false" json:"enable_simple_risk_acceptance"`
	EnableFullRiskAcceptance   bool           `gorm:"default:false" json:"enable_full_risk_acceptance"`
	SLAEnabled                 bool           `json:"sla_enabled"`
	CreatedAt                  time.Time      `json:"created_at"`
	UpdatedAt                  time.Time      `json:"updated_at"`
	DeletedAt                  gorm.DeletedAt `gorm:"index" json:"-"`
}

// Engagement groups the tests of one assessment round. An engagement can be
// mirrored to JIRA as an epic and can carry its own JIRA project config that
// overrides the product-level one.
type Engagement struct {
	ID                       uint           `gorm:"primaryKey" json:"id"`
	Name                     string         `gorm:"size:300;not null" json:"name"`
	ProductID                uint           `gorm:"index;not null" json:"product_id"`
	Product                  *Product       `gorm:"foreignKey:ProductID" json:"product,omitempty"`
	EnableFullRiskAcceptance bool           `gorm:"default:false" json:"enable_full_risk_acceptance"`
	Active                   bool           `json:"active"`
	TargetStart              *time.Time     `json:"target_start"`
	TargetEnd                *time.Time     `json:"target_end"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
	DeletedAt                gorm.DeletedAt `gorm:"index" json:"-"`
}

// Test is a single scan or manual test run inside an engagement.
type Test struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Title        string         `gorm:"size:300" json:"title"`
	TestType     string         `gorm:"size:200" json:"test_type"`
	EngagementID uint           `gorm:"index;not null" json:"engagement_id"`
	Engagement   *Engagement    `gorm:"foreignKey:EngagementID" json:"engagement,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Product) TableName() string    { return "products" }
func (Engagement) TableName() string { return "engagements" }
func (Test) TableName() string       { return "tests" }

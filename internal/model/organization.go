package model

import "time"

type OrganizationStatus string

const (
	OrganizationActive    OrganizationStatus = "active"
	OrganizationSuspended OrganizationStatus = "suspended"
)

// Plan is the subscription tier of an organization
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// MaxPriority is the highest queue priority a plan can map to.
const MaxPriority = 3

// Priority maps the tier to a queue priority. Higher tiers are served first.
func (p Plan) Priority() int {
	switch p {
	case PlanStarter:
		return 1
	case PlanPro:
		return 2
	case PlanEnterprise:
		return 3
	default:
		return 0
	}
}

// Organization is the tenant root.
type Organization struct {
	ID        string             `gorm:"primaryKey;size:64" json:"id"`
	Name      string             `gorm:"size:255" json:"name"`
	Status    OrganizationStatus `gorm:"size:16;not null" json:"status"`
	Plan      Plan               `gorm:"size:32;not null" json:"plan"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

func (Organization) TableName() string { return "organizations" }

func (o *Organization) Active() bool {
	return o.Status == OrganizationActive
}

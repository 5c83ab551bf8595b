package models

import (
	"time"
)

// DashboardAccess is the materialized grant consumed by access-control checks.
type DashboardAccess struct {
	ExternalCustomerID     string     `gorm:"column:external_customer_id;primaryKey"`
	ExternalSubscriptionID string     `gorm:"column:external_subscription_id;not null"`
	Granted                bool       `gorm:"column:granted;not null;default:false"`
	GrantedAt              *time.Time `gorm:"column:granted_at"`
	RevokedAt              *time.Time `gorm:"column:revoked_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (DashboardAccess) TableName() string {
	return "dashboard_access"
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Customer is a billable party keyed by the processor's customer id.
type Customer struct {
	ID                 uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	ExternalCustomerID string    `gorm:"column:external_customer_id;not null;uniqueIndex:ux_customers_external_id"`
	Email              string    `gorm:"column:email;not null;default:''"`
	Name               string    `gorm:"column:name;not null;default:''"`
	Phone              string    `gorm:"column:phone;not null;default:''"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Customer) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

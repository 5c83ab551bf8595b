// Package access materializes dashboard access grants driven by subscription state.
package access

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
)

// ErrMissingCustomer means the grant cannot be keyed. Retrying will not help.
var ErrMissingCustomer = errors.New("external customer id required")

// Store grants and revokes dashboard access. Both operations are idempotent and
// ignore requests older than the last recorded change for the customer.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Grant enables access for customerID through subscriptionID. It reports whether
// the row changed.
func (s *Store) Grant(ctx context.Context, customerID, subscriptionID string, at time.Time) (bool, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return false, ErrMissingCustomer
	}
	at = at.UTC()
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lock(tx, customerID)
		if err != nil {
			return err
		}
		if current != nil {
			if current.RevokedAt != nil && current.RevokedAt.After(at) {
				return nil
			}
			if current.Granted && current.ExternalSubscriptionID == subscriptionID {
				return nil
			}
			changed = true
			return tx.Model(&models.DashboardAccess{}).
				Where("external_customer_id = ?", customerID).
				Updates(map[string]any{
					"external_subscription_id": subscriptionID,
					"granted":                  true,
					"granted_at":               at,
				}).Error
		}
		changed = true
		return tx.Create(&models.DashboardAccess{
			ExternalCustomerID:     customerID,
			ExternalSubscriptionID: subscriptionID,
			Granted:                true,
			GrantedAt:              &at,
		}).Error
	})
	return changed, err
}

// Revoke disables access when it is currently held through subscriptionID.
// Access held through a different subscription is left alone.
func (s *Store) Revoke(ctx context.Context, customerID, subscriptionID string, at time.Time) (bool, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return false, ErrMissingCustomer
	}
	at = at.UTC()
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lock(tx, customerID)
		if err != nil {
			return err
		}
		if current == nil {
			changed = true
			return tx.Create(&models.DashboardAccess{
				ExternalCustomerID:     customerID,
				ExternalSubscriptionID: subscriptionID,
				Granted:                false,
				RevokedAt:              &at,
			}).Error
		}
		if !current.Granted || current.ExternalSubscriptionID != subscriptionID {
			return nil
		}
		if current.GrantedAt != nil && current.GrantedAt.After(at) {
			return nil
		}
		changed = true
		return tx.Model(&models.DashboardAccess{}).
			Where("external_customer_id = ?", customerID).
			Updates(map[string]any{
				"granted":    false,
				"revoked_at": at,
			}).Error
	})
	return changed, err
}

// Get returns the access row for customerID or nil when none exists.
func (s *Store) Get(ctx context.Context, customerID string) (*models.DashboardAccess, error) {
	var row models.DashboardAccess
	err := s.db.WithContext(ctx).Where("external_customer_id = ?", customerID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func lock(tx *gorm.DB, customerID string) (*models.DashboardAccess, error) {
	var row models.DashboardAccess
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_customer_id = ?", customerID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

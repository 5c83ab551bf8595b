package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
)

// Repository persists customers, subscriptions and their transition log.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	GetByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error)
	LockByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error)
	Upsert(ctx context.Context, sub *models.Subscription) error
	ListByCustomer(ctx context.Context, externalCustomerID string) ([]models.Subscription, error)
	ListPlaceholders(ctx context.Context, olderThan time.Time, limit int) ([]models.Subscription, error)
	GetCustomerByExternalID(ctx context.Context, externalCustomerID string) (*models.Customer, error)
	UpsertCustomer(ctx context.Context, customer *models.Customer) error
	AppendTransition(ctx context.Context, transition *models.SubscriptionTransition) error
	ListTransitions(ctx context.Context, subscriptionID uuid.UUID) ([]models.SubscriptionTransition, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) GetByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).Where("external_subscription_id = ?", externalSubscriptionID))
}

// LockByExternalID reads the record under a row lock so concurrent events for the
// same subscription serialize inside their transactions.
func (r *repository) LockByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_subscription_id = ?", externalSubscriptionID))
}

func (r *repository) first(query *gorm.DB) (*models.Subscription, error) {
	var sub models.Subscription
	if err := query.First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// Upsert inserts a new record or updates an existing one guarded by its version.
// A version mismatch means another writer committed first and returns CodeConflict.
func (r *repository) Upsert(ctx context.Context, sub *models.Subscription) error {
	if sub == nil {
		return errors.New("subscription required")
	}
	if !sub.Status.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid subscription status")
	}
	if sub.ID == uuid.Nil {
		sub.Version = 1
		return r.db.WithContext(ctx).Create(sub).Error
	}

	prev := sub.Version
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND version = ?", sub.ID, prev).
		Updates(map[string]any{
			"customer_id":               sub.CustomerID,
			"external_customer_id":      sub.ExternalCustomerID,
			"status":                    sub.Status,
			"current_period_end":        sub.CurrentPeriodEnd,
			"cancel_at_period_end":      sub.CancelAtPeriodEnd,
			"cancellation_effective_at": sub.CancellationEffectiveAt,
			"cancellation_reason":       sub.CancellationReason,
			"canceled_at":               sub.CanceledAt,
			"reactivated_at":            sub.ReactivatedAt,
			"is_placeholder":            sub.IsPlaceholder,
			"last_event_id":             sub.LastEventID,
			"last_event_at":             sub.LastEventAt,
			"status_event_at":           sub.StatusEventAt,
			"metadata":                  sub.Metadata,
			"version":                   prev + 1,
			"updated_at":                now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "subscription was modified concurrently")
	}
	sub.Version = prev + 1
	sub.UpdatedAt = now
	return nil
}

// ListByCustomer returns the customer's subscriptions, most recently updated first.
func (r *repository) ListByCustomer(ctx context.Context, externalCustomerID string) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("external_customer_id = ?", externalCustomerID).
		Order("updated_at DESC").
		Order("created_at DESC").
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// ListPlaceholders returns placeholder records created before olderThan.
func (r *repository) ListPlaceholders(ctx context.Context, olderThan time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("is_placeholder = ?", true).
		Where("created_at < ?", olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) GetCustomerByExternalID(ctx context.Context, externalCustomerID string) (*models.Customer, error) {
	var customer models.Customer
	if err := r.db.WithContext(ctx).
		Where("external_customer_id = ?", externalCustomerID).
		First(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

// UpsertCustomer writes the customer keyed by its external id and loads the stored id.
func (r *repository) UpsertCustomer(ctx context.Context, customer *models.Customer) error {
	if customer == nil || customer.ExternalCustomerID == "" {
		return errors.New("customer external id required")
	}
	if customer.ID != uuid.Nil {
		return r.db.WithContext(ctx).
			Model(&models.Customer{}).
			Where("id = ?", customer.ID).
			Updates(map[string]any{
				"email":      customer.Email,
				"name":       customer.Name,
				"phone":      customer.Phone,
				"updated_at": time.Now().UTC(),
			}).Error
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_customer_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "name", "phone", "updated_at"}),
		}).
		Create(customer).Error; err != nil {
		return err
	}
	stored, err := r.GetCustomerByExternalID(ctx, customer.ExternalCustomerID)
	if err != nil {
		return err
	}
	if stored != nil {
		customer.ID = stored.ID
	}
	return nil
}

func (r *repository) AppendTransition(ctx context.Context, transition *models.SubscriptionTransition) error {
	if transition == nil {
		return errors.New("transition required")
	}
	if transition.FromStatus != nil && *transition.FromStatus == transition.ToStatus {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "transition must change status")
	}
	if !transition.ToStatus.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid target status")
	}
	return r.db.WithContext(ctx).Create(transition).Error
}

func (r *repository) ListTransitions(ctx context.Context, subscriptionID uuid.UUID) ([]models.SubscriptionTransition, error) {
	var rows []models.SubscriptionTransition
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("occurred_at ASC").
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

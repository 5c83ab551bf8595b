// Package subscriptions answers read queries over reconciled subscription state.
package subscriptions

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/agencyworks/billing-reconciler/internal/billing"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
)

// Service defines the subscription query surface.
type Service interface {
	GetSubscriptionStatus(ctx context.Context, externalCustomerID string) (*CustomerStatus, error)
	ListByCustomer(ctx context.Context, externalCustomerID string) ([]SubscriptionView, error)
	Get(ctx context.Context, id string) (*SubscriptionDetail, error)
}

type service struct {
	repo billing.Repository
}

// NewService builds the query service over the billing store.
func NewService(repo billing.Repository) (Service, error) {
	if repo == nil {
		return nil, errors.New("billing repository required")
	}
	return &service{repo: repo}, nil
}

// GetSubscriptionStatus reports the status of the subscription that represents the
// customer: one granting access if any, else the most recently updated one.
func (s *service) GetSubscriptionStatus(ctx context.Context, externalCustomerID string) (*CustomerStatus, error) {
	externalCustomerID = strings.TrimSpace(externalCustomerID)
	if externalCustomerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id required")
	}
	subs, err := s.repo.ListByCustomer(ctx, externalCustomerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	if len(subs) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no subscription for customer")
	}
	primary := pickPrimary(subs)
	return &CustomerStatus{
		CustomerID:     externalCustomerID,
		SubscriptionID: primary.ExternalSubscriptionID,
		Status:         primary.Status,
		HasAccess:      primary.Status.GrantsAccess(),
		CancelPending:  primary.CancelAtPeriodEnd,
		EffectiveAt:    primary.CancellationEffectiveAt,
	}, nil
}

func (s *service) ListByCustomer(ctx context.Context, externalCustomerID string) ([]SubscriptionView, error) {
	externalCustomerID = strings.TrimSpace(externalCustomerID)
	if externalCustomerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id required")
	}
	subs, err := s.repo.ListByCustomer(ctx, externalCustomerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	out := make([]SubscriptionView, 0, len(subs))
	for i := range subs {
		out = append(out, toView(&subs[i]))
	}
	return out, nil
}

// Get resolves id as an internal uuid first and falls back to the processor id.
func (s *service) Get(ctx context.Context, id string) (*SubscriptionDetail, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id required")
	}
	var (
		sub *models.Subscription
		err error
	)
	if parsed, parseErr := uuid.Parse(id); parseErr == nil {
		sub, err = s.repo.Get(ctx, parsed)
	} else {
		sub, err = s.repo.GetByExternalID(ctx, id)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	transitions, err := s.repo.ListTransitions(ctx, sub.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transitions")
	}
	detail := &SubscriptionDetail{SubscriptionView: toView(sub)}
	for _, t := range transitions {
		detail.Transitions = append(detail.Transitions, toTransitionView(t))
	}
	return detail, nil
}

func pickPrimary(subs []models.Subscription) *models.Subscription {
	ordered := make([]*models.Subscription, 0, len(subs))
	for i := range subs {
		ordered = append(ordered, &subs[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := statusRank(ordered[i].Status), statusRank(ordered[j].Status)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].UpdatedAt.After(ordered[j].UpdatedAt)
	})
	return ordered[0]
}

func statusRank(status enums.SubscriptionStatus) int {
	switch status {
	case enums.SubscriptionStatusActive, enums.SubscriptionStatusPastDue:
		return 0
	case enums.SubscriptionStatusReactivated, enums.SubscriptionStatusIncomplete:
		return 1
	}
	return 2
}

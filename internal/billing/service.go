// Package billing applies verified processor events to the subscription store.
//
// Every event is processed in one transaction: the processed-event claim, the
// reconciled customer and subscription rows, the transition log and the side
// effect intents commit together or not at all.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agencyworks/billing-reconciler/internal/reconciler"
	"github.com/agencyworks/billing-reconciler/pkg/db"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
)

const subscriptionExternalIDConstraint = "ux_subscriptions_external_id"

var errSubscriptionCreateRaced = errors.New("another event inserted the subscription first")

// createRaced reports whether inserting a new subscription lost to a concurrent
// insert. SQLite names the column instead of the constraint.
func createRaced(err error) bool {
	return db.IsUniqueViolation(err, subscriptionExternalIDConstraint) ||
		db.IsUniqueViolation(err, "subscriptions.external_subscription_id")
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type intentQueue interface {
	Enqueue(ctx context.Context, tx *gorm.DB, batch outbox.Batch) error
}

// ServiceParams groups dependencies for the billing service.
type ServiceParams struct {
	Repo     Repository
	Guard    *Guard
	Outbox   intentQueue
	TxRunner txRunner
	Logger   *logger.Logger
	// OnCommit is called after a transaction that enqueued intents commits.
	OnCommit func()
	Now      func() time.Time
}

// Service orchestrates event processing.
type Service struct {
	repo     Repository
	guard    *Guard
	outbox   intentQueue
	tx       txRunner
	logg     *logger.Logger
	onCommit func()
	now      func() time.Time
}

// Result summarizes what processing an event did.
type Result struct {
	EventID      string
	Duplicate    bool
	Outcome      enums.ProcessedEventOutcome
	Trigger      enums.SubscriptionTrigger
	Subscription *models.Subscription
	Placeholder  bool
	Transitions  int
	Intents      int
}

// NewService builds a billing service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Guard == nil {
		return nil, errors.New("guard is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if params.TxRunner == nil {
		return nil, errors.New("transaction runner is required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:     params.Repo,
		guard:    params.Guard,
		outbox:   params.Outbox,
		tx:       params.TxRunner,
		logg:     params.Logger,
		onCommit: params.OnCommit,
		now:      now,
	}, nil
}

// Process applies ev exactly once. A redelivered event returns Duplicate without
// touching any state. Any store failure rolls the whole event back and returns
// CodeStoreTransaction so the processor retries the delivery.
func (s *Service) Process(ctx context.Context, ev reconciler.Event) (Result, error) {
	ev.ExternalID = strings.TrimSpace(ev.ExternalID)
	if ev.ExternalID == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "event id required")
	}
	if ev.Type == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "event type required")
	}
	now := s.now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}

	var result Result
	process := func(tx *gorm.DB) error {
		// reset per attempt; the runner may retry after a serialization failure
		result = Result{EventID: ev.ExternalID}
		claimed, err := s.guard.Claim(tx, &models.ProcessedEvent{
			ExternalEventID: ev.ExternalID,
			EventType:       ev.Type,
			Outcome:         enums.OutcomeReceived,
			ReceivedAt:      ev.ReceivedAt,
		})
		if err != nil {
			return err
		}
		if !claimed {
			result.Duplicate = true
			recorded, err := s.guard.findTx(tx, ev.ExternalID)
			if err != nil {
				return err
			}
			if recorded != nil {
				result.Outcome = recorded.Outcome
			}
			return nil
		}
		return s.apply(ctx, tx, ev, now, &result)
	}
	err := s.tx.WithTx(ctx, process)
	if errors.Is(err, errSubscriptionCreateRaced) {
		// the second pass finds the row the other event inserted
		err = s.tx.WithTx(ctx, process)
	}
	if err != nil {
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"event_id":   ev.ExternalID,
				"event_type": ev.Type,
			})
			s.logg.Error(logCtx, "event processing failed", err)
		}
		return Result{EventID: ev.ExternalID}, pkgerrors.Wrap(pkgerrors.CodeStoreTransaction, err, "process event")
	}

	if s.logg != nil {
		fields := map[string]any{
			"event_id":   ev.ExternalID,
			"event_type": ev.Type,
			"duplicate":  result.Duplicate,
			"outcome":    result.Outcome,
		}
		if result.Trigger != "" {
			fields["trigger"] = result.Trigger
		}
		if result.Subscription != nil {
			fields["subscription_id"] = result.Subscription.ExternalSubscriptionID
			fields["status"] = result.Subscription.Status
		}
		if result.Placeholder {
			fields["placeholder"] = true
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "event processed")
	}
	if result.Intents > 0 && s.onCommit != nil {
		s.onCommit()
	}
	return result, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, ev reconciler.Event, now time.Time, result *Result) error {
	repo := s.repo.WithTx(tx)

	extSubID := ev.ExternalSubscriptionID()
	var current *models.Subscription
	if extSubID != "" {
		found, err := repo.LockByExternalID(ctx, extSubID)
		if err != nil {
			return err
		}
		current = found
	}

	extCustomerID := ev.ExternalCustomerID()
	if extCustomerID == "" && current != nil {
		extCustomerID = current.ExternalCustomerID
	}
	var customer *models.Customer
	if extCustomerID != "" {
		found, err := repo.GetCustomerByExternalID(ctx, extCustomerID)
		if err != nil {
			return err
		}
		customer = found
	}

	decision := reconciler.Reconcile(current, customer, ev, now)
	result.Outcome = decision.Outcome
	result.Trigger = decision.Trigger
	result.Placeholder = decision.Placeholder

	var customerID *uuid.UUID
	if decision.Customer != nil {
		if err := repo.UpsertCustomer(ctx, decision.Customer); err != nil {
			return err
		}
		id := decision.Customer.ID
		customerID = &id
	} else if customer != nil {
		id := customer.ID
		customerID = &id
	}

	sub := decision.Subscription
	if sub != nil {
		if customerID != nil && sub.ExternalCustomerID == extCustomerID {
			sub.CustomerID = customerID
		}
		if err := repo.Upsert(ctx, sub); err != nil {
			if current == nil && createRaced(err) {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, fmt.Errorf("%w: %w", errSubscriptionCreateRaced, err), "subscription created concurrently")
			}
			return err
		}
		result.Subscription = sub

		occurredAt := ev.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = now
		}
		for _, t := range decision.Transitions {
			if err := repo.AppendTransition(ctx, &models.SubscriptionTransition{
				SubscriptionID: sub.ID,
				FromStatus:     t.From,
				ToStatus:       t.To,
				Trigger:        t.Trigger,
				EventID:        ev.ExternalID,
				OccurredAt:     occurredAt,
			}); err != nil {
				return err
			}
		}
		result.Transitions = len(decision.Transitions)

		if len(decision.Intents) > 0 {
			subID := sub.ID
			if err := s.outbox.Enqueue(ctx, tx, outbox.Batch{
				EventID:        ev.ExternalID,
				SubscriptionID: &subID,
				OccurredAt:     occurredAt,
				Intents:        decision.Intents,
			}); err != nil {
				return err
			}
			result.Intents = len(decision.Intents)
		}
	}

	return s.guard.Finalize(tx, ev.ExternalID, decision.Outcome, extSubID, now)
}

// ReactivationParams describes an operator or customer request to reactivate.
type ReactivationParams struct {
	ExternalSubscriptionID string
	Reason                 string
	RequestedBy            string
	// IdempotencyKey makes repeated requests collapse into one event.
	IdempotencyKey string
}

// RequestReactivation runs an internal reactivation event through the same
// claim and reconcile path as processor events.
func (s *Service) RequestReactivation(ctx context.Context, params ReactivationParams) (Result, error) {
	extID := strings.TrimSpace(params.ExternalSubscriptionID)
	if extID == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "subscription id required")
	}
	key := strings.TrimSpace(params.IdempotencyKey)
	if key == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key required")
	}
	existing, err := s.repo.GetByExternalID(ctx, extID)
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if existing == nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}

	now := s.now()
	result, err := s.Process(ctx, reconciler.Event{
		ExternalID: ReactivationEventID(extID, key),
		Type:       reconciler.EventReactivationRequested,
		OccurredAt: now,
		ReceivedAt: now,
		Reactivation: &reconciler.ReactivationRequest{
			ExternalSubscriptionID: extID,
			Reason:                 params.Reason,
			RequestedBy:            params.RequestedBy,
		},
	})
	if err != nil {
		return result, err
	}
	if result.Outcome != enums.OutcomeApplied {
		return result, pkgerrors.New(pkgerrors.CodeStateConflict, "only cancelled subscriptions can be reactivated").
			WithDetails(map[string]any{"status": existing.Status})
	}
	return result, nil
}

// ReactivationEventID scopes a client idempotency key to one subscription.
func ReactivationEventID(externalSubscriptionID, key string) string {
	return "reactivation:" + externalSubscriptionID + ":" + key
}

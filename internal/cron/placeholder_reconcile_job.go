package cron

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/agencyworks/billing-reconciler/internal/billing"
	"github.com/agencyworks/billing-reconciler/internal/reconciler"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	stripeclient "github.com/agencyworks/billing-reconciler/pkg/stripe"
)

const (
	placeholderCadence    = 15 * time.Minute
	defaultReconcileLimit = 100
	defaultPlaceholderAge = time.Hour
	syncEventPrefix       = "sync:"
)

type placeholderLister interface {
	ListPlaceholders(ctx context.Context, olderThan time.Time, limit int) ([]models.Subscription, error)
}

type eventProcessor interface {
	Process(ctx context.Context, ev reconciler.Event) (billing.Result, error)
}

// processorLookup reads the processor's current view of a subscription.
type processorLookup interface {
	LookupsEnabled() bool
	FetchSubscription(ctx context.Context, subscriptionID string) (*stripeclient.SubscriptionSnapshot, error)
	LookupCustomer(ctx context.Context, customerID string) (*stripeclient.CustomerContact, error)
}

// PlaceholderReconcileJobParams configures the placeholder repair job.
type PlaceholderReconcileJobParams struct {
	Logger    *logger.Logger
	Lister    placeholderLister
	Processor eventProcessor
	Lookup    processorLookup
	MaxAge    time.Duration
	Limit     int
	Now       func() time.Time
}

// NewPlaceholderReconcileJob builds a job that completes placeholder subscriptions whose
// creation event never arrived, using the processor API as the source of truth.
func NewPlaceholderReconcileJob(params PlaceholderReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lister == nil {
		return nil, fmt.Errorf("subscription lister required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("event processor required")
	}
	if params.Lookup == nil {
		return nil, fmt.Errorf("processor lookup required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	maxAge := params.MaxAge
	if maxAge <= 0 {
		maxAge = defaultPlaceholderAge
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &placeholderReconcileJob{
		logg:      params.Logger,
		lister:    params.Lister,
		processor: params.Processor,
		lookup:    params.Lookup,
		now:       now,
		maxAge:    maxAge,
		limit:     limit,
	}, nil
}

type placeholderReconcileJob struct {
	logg      *logger.Logger
	lister    placeholderLister
	processor eventProcessor
	lookup    processorLookup
	now       func() time.Time
	maxAge    time.Duration
	limit     int
}

func (j *placeholderReconcileJob) Name() string { return "placeholder-reconcile" }

func (j *placeholderReconcileJob) Cadence() time.Duration { return placeholderCadence }

func (j *placeholderReconcileJob) Run(ctx context.Context) error {
	if !j.lookup.LookupsEnabled() {
		j.logg.Info(ctx, "processor api key not configured; skipping placeholder reconcile")
		return nil
	}
	now := j.now()
	candidates, err := j.lister.ListPlaceholders(ctx, now.Add(-j.maxAge), j.limit)
	if err != nil {
		return fmt.Errorf("list placeholders: %w", err)
	}
	var errs error
	repaired := 0
	for i := range candidates {
		ok, err := j.repair(ctx, &candidates[i], now)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			repaired++
		}
	}
	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(candidates),
		"repaired":   repaired,
	})
	j.logg.Info(reportCtx, "placeholder reconcile loop complete")
	return errs
}

// repair replays the processor's current state as synthetic events so the
// record passes through the same reconciler, ledger and intent path as webhooks.
func (j *placeholderReconcileJob) repair(ctx context.Context, sub *models.Subscription, now time.Time) (bool, error) {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"subscription_id":          sub.ID.String(),
		"external_subscription_id": sub.ExternalSubscriptionID,
	})
	snap, err := j.lookup.FetchSubscription(logCtx, sub.ExternalSubscriptionID)
	if err != nil {
		return false, fmt.Errorf("fetch subscription %s: %w", sub.ExternalSubscriptionID, err)
	}
	if snap == nil {
		j.logg.Warn(logCtx, "placeholder subscription unknown to processor; leaving for review")
		return false, nil
	}

	customerID := firstNonEmpty(snap.CustomerID, sub.ExternalCustomerID)
	events := make([]reconciler.Event, 0, 3)
	if customerID != "" {
		contact, err := j.lookup.LookupCustomer(logCtx, customerID)
		if err != nil {
			j.logg.Warn(j.logg.WithField(logCtx, "error", err.Error()), "customer lookup failed")
		} else if contact != nil {
			events = append(events, reconciler.Event{
				ExternalID: syncEventID(sub.ExternalSubscriptionID, now, "customer"),
				Type:       reconciler.EventCustomerUpdated,
				OccurredAt: now,
				Customer: &reconciler.CustomerObject{
					ID:    contact.ID,
					Email: contact.Email,
					Name:  contact.Name,
					Phone: contact.Phone,
				},
			})
		}
	}

	obj := &reconciler.SubscriptionObject{
		ID:                snap.ID,
		CustomerID:        customerID,
		Status:            snap.Status,
		CancelAtPeriodEnd: snap.CancelAtPeriodEnd,
		CanceledAt:        snap.CanceledAt,
		CurrentPeriodEnd:  snap.CurrentPeriodEnd,
	}
	events = append(events, reconciler.Event{
		ExternalID:   syncEventID(sub.ExternalSubscriptionID, now, "created"),
		Type:         reconciler.EventSubscriptionCreated,
		OccurredAt:   now,
		Subscription: obj,
	})
	if strings.EqualFold(snap.Status, "canceled") && cancellable(sub) {
		deletedAt := now
		if snap.CanceledAt != nil {
			deletedAt = *snap.CanceledAt
		}
		events = append(events, reconciler.Event{
			ExternalID:   syncEventID(sub.ExternalSubscriptionID, now, "deleted"),
			Type:         reconciler.EventSubscriptionDeleted,
			OccurredAt:   deletedAt,
			Subscription: obj,
		})
	}

	for _, ev := range events {
		ev.ReceivedAt = now
		if _, err := j.processor.Process(logCtx, ev); err != nil {
			return false, fmt.Errorf("apply %s: %w", ev.ExternalID, err)
		}
	}
	j.logg.Info(j.logg.WithField(logCtx, "processor_status", snap.Status), "placeholder reconciled")
	return true, nil
}

// cancellable reports whether replaying the processor's cancellation may change
// the record. A local reactivation after the cancellation must not be undone.
func cancellable(sub *models.Subscription) bool {
	if sub.ReactivatedAt != nil {
		return false
	}
	switch sub.Status {
	case enums.SubscriptionStatusCancelled, enums.SubscriptionStatusReactivated:
		return false
	}
	return true
}

func syncEventID(subscriptionID string, now time.Time, suffix string) string {
	return syncEventPrefix + subscriptionID + ":" + strconv.FormatInt(now.Unix(), 10) + ":" + suffix
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyworks/billing-reconciler/internal/billing"
	"github.com/agencyworks/billing-reconciler/internal/reconciler"
	"github.com/agencyworks/billing-reconciler/pkg/db"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
)

func TestFailedEffectsLeaveCommittedSubscriptionUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.email.err = errors.New("provider down")

	events, err := billing.NewService(billing.ServiceParams{
		Repo:     billing.NewRepository(h.db),
		Guard:    billing.NewGuard(h.db),
		Outbox:   outbox.NewService(h.intents, nil),
		TxRunner: db.FromGorm(h.db),
		Now:      func() time.Time { return baseTime },
	})
	require.NoError(t, err)

	end := baseTime.Add(30 * 24 * time.Hour)
	for _, ev := range []reconciler.Event{
		{
			ExternalID:   "evt_1",
			Type:         reconciler.EventSubscriptionCreated,
			OccurredAt:   baseTime.Add(-3 * time.Hour),
			Subscription: &reconciler.SubscriptionObject{ID: "sub_1", CustomerID: "cus_1", CurrentPeriodEnd: &end},
		},
		{
			ExternalID: "evt_2",
			Type:       reconciler.EventInvoicePaymentSucceeded,
			OccurredAt: baseTime.Add(-2 * time.Hour),
			Invoice:    &reconciler.InvoiceObject{ID: "in_1", CustomerID: "cus_1", CustomerEmail: "dana@example.com", SubscriptionID: "sub_1", AmountPaid: 4900, Currency: "usd"},
		},
		{
			ExternalID:   "evt_3",
			Type:         reconciler.EventSubscriptionDeleted,
			OccurredAt:   baseTime.Add(-time.Hour),
			Subscription: &reconciler.SubscriptionObject{ID: "sub_1", CustomerID: "cus_1"},
		},
	} {
		_, err := events.Process(ctx, ev)
		require.NoError(t, err, ev.ExternalID)
	}

	subs := billing.NewRepository(h.db)
	before, err := subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, before)
	require.Equal(t, enums.SubscriptionStatusCancelled, before.Status)
	transitionsBefore, err := subs.ListTransitions(ctx, before.ID)
	require.NoError(t, err)

	for round := 1; round <= 4; round++ {
		_, err := h.svc.RunOnce(ctx)
		require.NoError(t, err, "round %d", round)
		h.clock.Advance(time.Hour)
	}

	email := h.intent(t, "evt_3", enums.SideEffectCancellationEmail)
	assert.Equal(t, enums.SideEffectStatusDead, email.Status)
	assert.Equal(t, enums.SideEffectStatusSucceeded, h.intent(t, "evt_3", enums.SideEffectAccessRevoke).Status)
	require.NotEmpty(t, h.alerts.alerts)

	after, err := subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.LastEventID, after.LastEventID)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	transitionsAfter, err := subs.ListTransitions(ctx, after.ID)
	require.NoError(t, err)
	assert.Len(t, transitionsAfter, len(transitionsBefore))

	var processed []models.ProcessedEvent
	require.NoError(t, h.db.Order("external_event_id").Find(&processed).Error)
	require.Len(t, processed, 3)
	for _, row := range processed {
		assert.Equal(t, enums.OutcomeApplied, row.Outcome, row.ExternalEventID)
	}
}

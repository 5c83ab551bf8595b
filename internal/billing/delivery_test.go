package billing

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyworks/billing-reconciler/internal/reconciler"
	"github.com/agencyworks/billing-reconciler/pkg/db/dbtest"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
)

// settled is the part of the store that must not depend on delivery order.
type settled struct {
	Status        enums.SubscriptionStatus
	Placeholder   bool
	CustomerID    string
	PeriodEnd     string
	CanceledAt    string
	LastEventAt   string
	StatusEventAt string
	Metadata      string
	Kinds         []enums.SideEffectKind
}

func stampOf(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func deliverAll(t *testing.T, events []reconciler.Event) settled {
	t.Helper()
	conn := dbtest.Open(t)
	svc := newTestService(t, conn, nil)
	ctx := context.Background()
	for _, ev := range events {
		_, err := svc.Process(ctx, ev)
		require.NoError(t, err, ev.ExternalID)
	}

	stored, err := NewRepository(conn).GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	var kinds []enums.SideEffectKind
	require.NoError(t, conn.Model(&models.SideEffectIntent{}).Pluck("kind", &kinds).Error)
	slices.Sort(kinds)
	return settled{
		Status:        stored.Status,
		Placeholder:   stored.IsPlaceholder,
		CustomerID:    stored.ExternalCustomerID,
		PeriodEnd:     stampOf(stored.CurrentPeriodEnd),
		CanceledAt:    stampOf(stored.CanceledAt),
		LastEventAt:   stampOf(stored.LastEventAt),
		StatusEventAt: stampOf(stored.StatusEventAt),
		Metadata:      string(stored.Metadata),
		Kinds:         kinds,
	}
}

func TestOutOfOrderDeliveryConvergesOnSameState(t *testing.T) {
	created := createdEvent("evt_1", testNow.Add(-4*time.Hour))
	paid := paymentEvent("evt_2", reconciler.EventInvoicePaymentSucceeded, testNow.Add(-3*time.Hour))
	updated := reconciler.Event{
		ExternalID: "evt_3",
		Type:       reconciler.EventSubscriptionUpdated,
		OccurredAt: testNow.Add(-2 * time.Hour),
		Subscription: &reconciler.SubscriptionObject{
			ID:         "sub_1",
			CustomerID: "cus_1",
			Metadata:   map[string]string{"plan": "pro"},
		},
	}
	deleted := deletedEvent("evt_4", testNow.Add(-time.Hour))

	inOrder := deliverAll(t, []reconciler.Event{created, paid, updated, deleted})
	shuffled := deliverAll(t, []reconciler.Event{paid, created, deleted, updated})

	assert.Equal(t, enums.SubscriptionStatusCancelled, inOrder.Status)
	assert.False(t, inOrder.Placeholder)
	assert.Len(t, inOrder.Kinds, 3)
	assert.Equal(t, inOrder, shuffled)
}

func TestConcurrentRedeliveryEnqueuesOneIntentSet(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newTestService(t, conn, nil)
	ctx := context.Background()

	_, err := svc.Process(ctx, createdEvent("evt_1", testNow.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = svc.Process(ctx, paymentEvent("evt_2", reconciler.EventInvoicePaymentSucceeded, testNow.Add(-time.Hour)))
	require.NoError(t, err)

	const deliveries = 8
	results := make([]Result, deliveries)
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	for i := range deliveries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Process(ctx, deletedEvent("evt_3", testNow))
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range deliveries {
		require.NoError(t, errs[i])
		assert.Equal(t, enums.OutcomeApplied, results[i].Outcome)
		if !results[i].Duplicate {
			applied++
			assert.Equal(t, 2, results[i].Intents)
		}
	}
	assert.Equal(t, 1, applied)

	intents, err := outbox.NewRepository(conn).ListByEvent(ctx, "evt_3")
	require.NoError(t, err)
	require.Len(t, intents, 2)
	kinds := []enums.SideEffectKind{intents[0].Kind, intents[1].Kind}
	assert.ElementsMatch(t, []enums.SideEffectKind{enums.SideEffectAccessRevoke, enums.SideEffectCancellationEmail}, kinds)

	var transitions int64
	require.NoError(t, conn.Model(&models.SubscriptionTransition{}).Where("event_id = ?", "evt_3").Count(&transitions).Error)
	assert.Equal(t, int64(1), transitions)
	assert.Equal(t, int64(3), countRows(t, conn, &models.ProcessedEvent{}))
}

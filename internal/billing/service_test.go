package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/agencyworks/billing-reconciler/internal/reconciler"
	"github.com/agencyworks/billing-reconciler/pkg/db"
	"github.com/agencyworks/billing-reconciler/pkg/db/dbtest"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type failingQueue struct {
	err error
}

func (q failingQueue) Enqueue(context.Context, *gorm.DB, outbox.Batch) error {
	return q.err
}

func newTestService(t *testing.T, conn *gorm.DB, queue intentQueue) *Service {
	t.Helper()
	if queue == nil {
		queue = outbox.NewService(outbox.NewRepository(conn), nil)
	}
	svc, err := NewService(ServiceParams{
		Repo:     NewRepository(conn),
		Guard:    NewGuard(conn),
		Outbox:   queue,
		TxRunner: db.FromGorm(conn),
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return svc
}

func createdEvent(id string, at time.Time) reconciler.Event {
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return reconciler.Event{
		ExternalID: id,
		Type:       reconciler.EventSubscriptionCreated,
		OccurredAt: at,
		Subscription: &reconciler.SubscriptionObject{
			ID:               "sub_1",
			CustomerID:       "cus_1",
			Status:           "incomplete",
			CurrentPeriodEnd: &end,
		},
	}
}

func paymentEvent(id, typ string, at time.Time) reconciler.Event {
	return reconciler.Event{
		ExternalID: id,
		Type:       typ,
		OccurredAt: at,
		Invoice: &reconciler.InvoiceObject{
			ID:             "in_" + id,
			CustomerID:     "cus_1",
			CustomerEmail:  "ops@example.com",
			SubscriptionID: "sub_1",
			AmountPaid:     2500,
			AmountDue:      2500,
			Currency:       "usd",
		},
	}
}

func deletedEvent(id string, at time.Time) reconciler.Event {
	return reconciler.Event{
		ExternalID:   id,
		Type:         reconciler.EventSubscriptionDeleted,
		OccurredAt:   at,
		Subscription: &reconciler.SubscriptionObject{ID: "sub_1", CustomerID: "cus_1"},
	}
}

func countRows(t *testing.T, conn *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(model).Count(&n).Error)
	return n
}

func TestProcessCreatesThenActivatesSubscription(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newTestService(t, conn, nil)
	ctx := context.Background()

	res, err := svc.Process(ctx, createdEvent("evt_1", testNow.Add(-2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, enums.OutcomeApplied, res.Outcome)
	assert.Equal(t, enums.SubscriptionStatusIncomplete, res.Subscription.Status)

	res, err = svc.Process(ctx, paymentEvent("evt_2", reconciler.EventInvoicePaymentSucceeded, testNow.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Intents)

	repo := NewRepository(conn)
	stored, err := repo.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, enums.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, "evt_2", stored.LastEventID)
	assert.Equal(t, 2, stored.Version)
	require.NotNil(t, stored.CustomerID)

	customer, err := repo.GetCustomerByExternalID(ctx, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, customer)
	assert.Equal(t, customer.ID, *stored.CustomerID)
	assert.Equal(t, "ops@example.com", customer.Email)

	transitions, err := repo.ListTransitions(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Nil(t, transitions[0].FromStatus)
	assert.Equal(t, enums.SubscriptionStatusActive, transitions[1].ToStatus)

	intents, err := outbox.NewRepository(conn).ListByEvent(ctx, "evt_2")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, enums.SideEffectAccessGrant, intents[0].Kind)
	assert.Equal(t, enums.SideEffectStatusPending, intents[0].Status)

	row, err := NewGuard(conn).findTx(conn.WithContext(ctx), "evt_2")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, enums.OutcomeApplied, row.Outcome)
	require.NotNil(t, row.ProcessedAt)
}

func TestProcessDuplicateDeliveryIsNoop(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newTestService(t, conn, nil)
	ctx := context.Background()

	_, err := svc.Process(ctx, createdEvent("evt_1", testNow.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = svc.Process(ctx, paymentEvent("evt_2", reconciler.EventInvoicePaymentSucceeded, testNow.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = svc.Process(ctx, deletedEvent("evt_3", testNow))
	require.NoError(t, err)

	res, err := svc.Process(ctx, deletedEvent("evt_3", testNow))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, enums.OutcomeApplied, res.Outcome)
	assert.Zero(t, res.Intents)

	intents, err := outbox.NewRepository(conn).ListByEvent(ctx, "evt_3")
	require.NoError(t, err)
	require.Len(t, intents, 2, "cancellation email must be enqueued once")
	assert.Equal(t, int64(3), countRows(t, conn, &models.ProcessedEvent{}))
	assert.Equal(t, int64(3), countRows(t, conn, &models.SubscriptionTransition{}))
}

func TestProcessUnknownEventTypeIsRecordedAsIgnored(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newTestService(t, conn, nil)

	res, err := svc.Process(context.Background(), reconciler.Event{ExternalID: "evt_x", Type: "charge.refunded", OccurredAt: testNow})
	require.NoError(t, err)
	assert.Equal(t, enums.OutcomeIgnored, res.Outcome)
	assert.Equal(t, enums.TriggerUnknown, res.Trigger)
	assert.Zero(t, countRows(t, conn, &models.Subscription{}))
	assert.Equal(t, int64(1), countRows(t, conn, &models.ProcessedEvent{}))
}

func TestProcessRollsBackWhenIntentsCannotBeStored(t *testing.T) {
	conn := dbtest.Open(t)
	ctx := context.Background()
	broken := newTestService(t, conn, failingQueue{err: errors.New("disk full")})

	_, err := broken.Process(ctx, paymentEvent("evt_1", reconciler.EventInvoicePaymentSucceeded, testNow))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStoreTransaction))
	assert.Zero(t, countRows(t, conn, &models.ProcessedEvent{}))
	assert.Zero(t, countRows(t, conn, &models.Subscription{}))
	assert.Zero(t, countRows(t, conn, &models.Customer{}))

	// the processor's retry succeeds once the store recovers
	res, err := newTestService(t, conn, nil).Process(ctx, paymentEvent("evt_1", reconciler.EventInvoicePaymentSucceeded, testNow))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, enums.OutcomeApplied, res.Outcome)
}

func TestProcessUnknownSubscriptionCreatesPlaceholder(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newTestService(t, conn, nil)
	ctx := context.Background()

	res, err := svc.Process(ctx, paymentEvent("evt_1", reconciler.EventInvoicePaymentFailed, testNow))
	require.NoError(t, err)
	assert.True(t, res.Placeholder)

	stored, err := NewRepository(conn).GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.IsPlaceholder)
	assert.Equal(t, enums.SubscriptionStatusIncomplete, stored.Status)

	_, err = svc.Process(ctx, createdEvent("evt_0", testNow.Add(-time.Minute)))
	require.NoError(t, err)
	stored, err = NewRepository(conn).GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.False(t, stored.IsPlaceholder)
}

func TestProcessRejectsMissingIdentity(t *testing.T) {
	svc := newTestService(t, dbtest.Open(t), nil)
	_, err := svc.Process(context.Background(), reconciler.Event{Type: reconciler.EventInvoicePaid})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestRequestReactivation(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newTestService(t, conn, nil)
	ctx := context.Background()

	_, err := svc.RequestReactivation(ctx, ReactivationParams{ExternalSubscriptionID: "sub_1", IdempotencyKey: "k1"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = svc.Process(ctx, createdEvent("evt_1", testNow.Add(-3*time.Hour)))
	require.NoError(t, err)
	_, err = svc.Process(ctx, paymentEvent("evt_2", reconciler.EventInvoicePaid, testNow.Add(-2*time.Hour)))
	require.NoError(t, err)

	_, err = svc.RequestReactivation(ctx, ReactivationParams{ExternalSubscriptionID: "sub_1", IdempotencyKey: "k0"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "active subscriptions cannot be reactivated")

	_, err = svc.Process(ctx, deletedEvent("evt_3", testNow.Add(-time.Hour)))
	require.NoError(t, err)

	res, err := svc.RequestReactivation(ctx, ReactivationParams{ExternalSubscriptionID: "sub_1", Reason: "came back", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusReactivated, res.Subscription.Status)
	assert.Equal(t, 1, res.Intents)

	again, err := svc.RequestReactivation(ctx, ReactivationParams{ExternalSubscriptionID: "sub_1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	intents, err := outbox.NewRepository(conn).ListByEvent(ctx, ReactivationEventID("sub_1", "k1"))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, enums.SideEffectReactivationRequestedEmail, intents[0].Kind)
}

func TestPaymentAfterReactivationAppliesDespiteLocalClockAhead(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newTestService(t, conn, nil)
	ctx := context.Background()

	_, err := svc.Process(ctx, createdEvent("evt_1", testNow.Add(-3*time.Hour)))
	require.NoError(t, err)
	_, err = svc.Process(ctx, paymentEvent("evt_2", reconciler.EventInvoicePaid, testNow.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = svc.Process(ctx, deletedEvent("evt_3", testNow.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = svc.RequestReactivation(ctx, ReactivationParams{ExternalSubscriptionID: "sub_1", IdempotencyKey: "k1"})
	require.NoError(t, err)

	// the processor stamped the invoice slightly before our clock stamped the request
	res, err := svc.Process(ctx, paymentEvent("evt_4", reconciler.EventInvoicePaymentSucceeded, testNow.Add(-2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, enums.OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Subscription)
	assert.Equal(t, enums.SubscriptionStatusActive, res.Subscription.Status)
}

// racingRepo hides the stored subscription from the first locked read, as if a
// concurrent event inserted it after this transaction looked.
type racingRepo struct {
	Repository
	misses *int
}

func (r racingRepo) WithTx(tx *gorm.DB) Repository {
	return racingRepo{Repository: r.Repository.WithTx(tx), misses: r.misses}
}

func (r racingRepo) LockByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	if *r.misses > 0 {
		*r.misses--
		return nil, nil
	}
	return r.Repository.LockByExternalID(ctx, externalSubscriptionID)
}

func TestProcessRetriesWhenSubscriptionInsertLosesRace(t *testing.T) {
	conn := dbtest.Open(t)
	ctx := context.Background()
	_, err := newTestService(t, conn, nil).Process(ctx, createdEvent("evt_1", testNow.Add(-time.Minute)))
	require.NoError(t, err)

	misses := 1
	svc, err := NewService(ServiceParams{
		Repo:     racingRepo{Repository: NewRepository(conn), misses: &misses},
		Guard:    NewGuard(conn),
		Outbox:   outbox.NewService(outbox.NewRepository(conn), nil),
		TxRunner: db.FromGorm(conn),
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)

	res, err := svc.Process(ctx, paymentEvent("evt_2", reconciler.EventInvoicePaymentSucceeded, testNow))
	require.NoError(t, err)
	assert.Zero(t, misses)
	assert.False(t, res.Duplicate)
	assert.Equal(t, enums.OutcomeApplied, res.Outcome)
	assert.False(t, res.Placeholder)

	stored, err := NewRepository(conn).GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, int64(1), countRows(t, conn, &models.Subscription{}))
	assert.Equal(t, int64(2), countRows(t, conn, &models.ProcessedEvent{}))
}

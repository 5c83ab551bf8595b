package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/agencyworks/billing-reconciler/pkg/db/dbtest"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	pkgerrors "github.com/agencyworks/billing-reconciler/pkg/errors"
)

func TestUpsertRejectsStaleVersion(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	sub := &models.Subscription{ExternalSubscriptionID: "sub_1", Status: enums.SubscriptionStatusIncomplete}
	require.NoError(t, repo.Upsert(ctx, sub))
	assert.Equal(t, 1, sub.Version)

	first := sub.Clone()
	second := sub.Clone()
	first.Status = enums.SubscriptionStatusActive
	require.NoError(t, repo.Upsert(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.Status = enums.SubscriptionStatusCancelled
	err := repo.Upsert(ctx, second)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	stored, err := repo.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, stored.Status)
}

func TestUpsertRejectsInvalidStatus(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	err := repo.Upsert(context.Background(), &models.Subscription{ExternalSubscriptionID: "sub_1", Status: "trialing"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestUpsertCustomerLoadsStoredID(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	original := &models.Customer{ExternalCustomerID: "cus_1", Email: "a@example.com"}
	require.NoError(t, repo.UpsertCustomer(ctx, original))

	racing := &models.Customer{ExternalCustomerID: "cus_1", Email: "b@example.com"}
	require.NoError(t, repo.UpsertCustomer(ctx, racing))
	assert.Equal(t, original.ID, racing.ID)

	stored, err := repo.GetCustomerByExternalID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", stored.Email)
}

func TestListByCustomerAndPlaceholders(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &models.Subscription{ExternalSubscriptionID: "sub_1", ExternalCustomerID: "cus_1", Status: enums.SubscriptionStatusActive}))
	require.NoError(t, repo.Upsert(ctx, &models.Subscription{ExternalSubscriptionID: "sub_2", ExternalCustomerID: "cus_1", Status: enums.SubscriptionStatusIncomplete, IsPlaceholder: true}))
	require.NoError(t, repo.Upsert(ctx, &models.Subscription{ExternalSubscriptionID: "sub_3", ExternalCustomerID: "cus_2", Status: enums.SubscriptionStatusActive}))

	subs, err := repo.ListByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	placeholders, err := repo.ListPlaceholders(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, placeholders, 1)
	assert.Equal(t, "sub_2", placeholders[0].ExternalSubscriptionID)

	none, err := repo.ListPlaceholders(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAppendTransitionRequiresStatusChange(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	from := enums.SubscriptionStatusActive
	err := repo.AppendTransition(context.Background(), &models.SubscriptionTransition{
		FromStatus: &from,
		ToStatus:   enums.SubscriptionStatusActive,
		Trigger:    enums.TriggerPaymentSucceeded,
		EventID:    "evt_1",
		OccurredAt: testNow,
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestGuardClaimIsExclusive(t *testing.T) {
	conn := dbtest.Open(t)
	guard := NewGuard(conn)
	ctx := context.Background()

	claim := func() bool {
		var claimed bool
		require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
			ok, err := guard.Claim(tx, &models.ProcessedEvent{ExternalEventID: "evt_1", EventType: "invoice.paid", ReceivedAt: testNow})
			claimed = ok
			return err
		}))
		return claimed
	}
	assert.True(t, claim())
	assert.False(t, claim())

	row, err := guard.findTx(conn.WithContext(ctx), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, enums.OutcomeReceived, row.Outcome)

	require.NoError(t, guard.Finalize(conn, "evt_1", enums.OutcomeIgnored, "", testNow))
	deleted, err := guard.DeleteBefore(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyworks/billing-reconciler/pkg/db/dbtest"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestGrantAndRevoke(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.Open(t))

	changed, err := store.Grant(ctx, "cus_1", "sub_1", base)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.Grant(ctx, "cus_1", "sub_1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed, "repeat grant is a no-op")

	changed, err = store.Revoke(ctx, "cus_1", "sub_1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)

	row, err := store.Get(ctx, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.False(t, row.Granted)
	require.NotNil(t, row.RevokedAt)
}

func TestGrantOlderThanRevokeIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.Open(t))

	_, err := store.Revoke(ctx, "cus_1", "sub_1", base.Add(time.Hour))
	require.NoError(t, err)

	changed, err := store.Grant(ctx, "cus_1", "sub_1", base)
	require.NoError(t, err)
	assert.False(t, changed)

	row, err := store.Get(ctx, "cus_1")
	require.NoError(t, err)
	assert.False(t, row.Granted)
}

func TestRevokeLeavesOtherSubscriptionAlone(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.Open(t))

	_, err := store.Grant(ctx, "cus_1", "sub_2", base)
	require.NoError(t, err)

	changed, err := store.Revoke(ctx, "cus_1", "sub_1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	row, err := store.Get(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, row.Granted)
	assert.Equal(t, "sub_2", row.ExternalSubscriptionID)
}

func TestMissingCustomer(t *testing.T) {
	store := NewStore(dbtest.Open(t))
	_, err := store.Grant(context.Background(), " ", "sub_1", base)
	assert.ErrorIs(t, err, ErrMissingCustomer)

	row, err := store.Get(context.Background(), "cus_unknown")
	require.NoError(t, err)
	assert.Nil(t, row)
}

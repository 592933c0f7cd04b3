package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/models"
)

var seeded int

func seedTransaction(t *testing.T, store *MemoryStore, affiliate *uint) (*models.Transaction, []*models.SplitLeg) {
	t.Helper()
	seeded++
	txn := &models.Transaction{
		Reference: fmt.Sprintf("STL-%04d", seeded),
		Kind:      models.KindProductSale,
		VendorID:  2,
		Amount:    decimal.NewFromInt(1000),
		Currency:  "KES",
		Channel:   models.ChannelMpesa,
	}
	if affiliate != nil {
		txn.AffiliateID = affiliate
	}
	legs := []*models.SplitLeg{
		{Role: models.RoleCompany, Amount: decimal.NewFromInt(50), MaxRetries: 3},
		{Role: models.RoleVendor, Amount: decimal.NewFromInt(950), MaxRetries: 3},
	}
	var referral *models.Referral
	if affiliate != nil {
		referral = &models.Referral{AffiliateID: *affiliate, CommissionAmount: decimal.NewFromInt(50), IsApproved: true}
	}
	require.NoError(t, store.CreateTransaction(context.Background(), txn, legs, referral))
	return txn, legs
}

func TestMemoryCreateAssignsIDs(t *testing.T) {
	store := NewMemoryStore()
	affiliate := uint(9)
	txn, legs := seedTransaction(t, store, &affiliate)

	assert.NotZero(t, txn.ID)
	assert.Equal(t, models.TransactionPending, txn.Status)
	for _, leg := range legs {
		assert.Equal(t, txn.ID, leg.TransactionID)
		assert.Equal(t, models.LegPending, leg.Status)
	}

	ref, err := store.GetReferralByTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, affiliate, ref.AffiliateID)
}

func TestMemoryTransitionsAreCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	txn, _ := seedTransaction(t, store, nil)

	require.NoError(t, store.TransitionTransaction(ctx, txn.ID, models.TransactionPending, models.TransactionCollecting, TransactionUpdate{}))

	err := store.TransitionTransaction(ctx, txn.ID, models.TransactionPending, models.TransactionCollecting, TransactionUpdate{})
	assert.ErrorIs(t, err, ErrConflict)

	err = store.TransitionTransaction(ctx, 404, models.TransactionCollecting, models.TransactionFailed, TransactionUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)

	reason := "insufficient funds"
	require.NoError(t, store.TransitionTransaction(ctx, txn.ID, models.TransactionCollecting, models.TransactionFailed, TransactionUpdate{FailureReason: &reason}))

	got, err := store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionFailed, got.Status)
	assert.Equal(t, reason, got.FailureReason)
}

func TestMemoryLegRetryBound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, legs := seedTransaction(t, store, nil)
	vendor := legs[1]

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, store.TransitionLeg(ctx, vendor.ID, models.LegPending, models.LegProcessing, LegUpdate{}))
		require.NoError(t, store.TransitionLeg(ctx, vendor.ID, models.LegProcessing, models.LegFailed, LegUpdate{}))
		require.NoError(t, store.TransitionLeg(ctx, vendor.ID, models.LegFailed, models.LegPending, LegUpdate{}))

		got, err := store.GetLeg(ctx, vendor.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.RetryCount)
	}

	require.NoError(t, store.TransitionLeg(ctx, vendor.ID, models.LegPending, models.LegProcessing, LegUpdate{}))
	require.NoError(t, store.TransitionLeg(ctx, vendor.ID, models.LegProcessing, models.LegFailed, LegUpdate{}))
	err := store.TransitionLeg(ctx, vendor.ID, models.LegFailed, models.LegPending, LegUpdate{})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.GetLeg(ctx, vendor.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
}

func TestMemoryCompletedLegNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, legs := seedTransaction(t, store, nil)

	require.NoError(t, store.TransitionLeg(ctx, legs[0].ID, models.LegPending, models.LegCompleted, LegUpdate{}))
	for _, to := range []models.LegStatus{models.LegPending, models.LegProcessing, models.LegFailed} {
		err := store.TransitionLeg(ctx, legs[0].ID, models.LegCompleted, to, LegUpdate{})
		assert.ErrorIs(t, err, ErrConflict)
	}
}

func TestMemoryWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	txn, legs := seedTransaction(t, store, nil)
	require.NoError(t, store.TransitionTransaction(ctx, txn.ID, models.TransactionPending, models.TransactionCollecting, TransactionUpdate{}))

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(tx Store) error {
		if err := tx.TransitionTransaction(ctx, txn.ID, models.TransactionCollecting, models.TransactionProcessing, TransactionUpdate{}); err != nil {
			return err
		}
		if err := tx.TransitionLeg(ctx, legs[0].ID, models.LegPending, models.LegCompleted, LegUpdate{}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := store.GetTransaction(ctx, txn.ID)
	assert.Equal(t, models.TransactionCollecting, got.Status)
	leg, _ := store.GetLeg(ctx, legs[0].ID)
	assert.Equal(t, models.LegPending, leg.Status)

	err = store.WithinTx(ctx, func(tx Store) error {
		return tx.TransitionTransaction(ctx, txn.ID, models.TransactionCollecting, models.TransactionProcessing, TransactionUpdate{})
	})
	require.NoError(t, err)
	got, _ = store.GetTransaction(ctx, txn.ID)
	assert.Equal(t, models.TransactionProcessing, got.Status)
}

func TestMemoryConversationLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, legs := seedTransaction(t, store, nil)

	ours := "our-ref"
	require.NoError(t, store.TransitionLeg(ctx, legs[1].ID, models.LegPending, models.LegProcessing, LegUpdate{Reference: &ours}))
	require.NoError(t, store.AttachLegConversation(ctx, legs[1].ID, "AG_2024_provider"))

	byOurs, err := store.GetLegByConversationID(ctx, ours)
	require.NoError(t, err)
	byTheirs, err := store.GetLegByConversationID(ctx, "AG_2024_provider")
	require.NoError(t, err)
	assert.Equal(t, byOurs.ID, byTheirs.ID)

	_, err = store.GetLegByConversationID(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListStaleLegs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return clock })

	txn, legs := seedTransaction(t, store, nil)
	require.NoError(t, store.TransitionTransaction(ctx, txn.ID, models.TransactionPending, models.TransactionCollecting, TransactionUpdate{}))
	require.NoError(t, store.TransitionTransaction(ctx, txn.ID, models.TransactionCollecting, models.TransactionProcessing, TransactionUpdate{}))
	require.NoError(t, store.TransitionLeg(ctx, legs[1].ID, models.LegPending, models.LegProcessing, LegUpdate{}))

	stale, err := store.ListStaleLegs(ctx, models.LegProcessing, clock.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, legs[1].ID, stale[0].ID)

	fresh, err := store.ListStaleLegs(ctx, models.LegProcessing, clock.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestMemoryCommissionSummary(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	affiliate := uint(9)

	paid, _ := seedTransaction(t, store, &affiliate)
	seedTransaction(t, store, &affiliate)

	require.NoError(t, store.TransitionTransaction(ctx, paid.ID, models.TransactionPending, models.TransactionCollecting, TransactionUpdate{}))
	require.NoError(t, store.TransitionTransaction(ctx, paid.ID, models.TransactionCollecting, models.TransactionProcessing, TransactionUpdate{}))
	require.NoError(t, store.MarkReferralPaid(ctx, paid.ID, time.Now()))
	require.NoError(t, store.MarkReferralPaid(ctx, paid.ID, time.Now()))

	sum, err := store.CommissionSummary(ctx, affiliate)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Referrals)
	assert.Equal(t, int64(1), sum.Purchases)
	assert.Equal(t, int64(1), sum.PaidReferrals)
	assert.True(t, sum.TotalCommission.Equal(decimal.NewFromInt(100)))
	assert.True(t, sum.PendingCommission.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 50.0, sum.ConversionRate)

	refs, total, err := store.ListReferrals(ctx, affiliate, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, refs, 1)
}

func TestMemoryExhaustRetriesMakesLegTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, legs := seedTransaction(t, store, nil)
	vendor := legs[1]

	require.NoError(t, store.TransitionLeg(ctx, vendor.ID, models.LegPending, models.LegFailed, LegUpdate{ExhaustRetries: true}))
	got, err := store.GetLeg(ctx, vendor.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.True(t, got.Terminal())
	assert.False(t, got.RetryEligible())

	err = store.TransitionLeg(ctx, vendor.ID, models.LegFailed, models.LegPending, LegUpdate{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryUnmatchedCollections(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SaveUnmatchedCollection(ctx, &models.UnmatchedCollection{CollectionReference: "ws_CO_1", Success: true}))
	require.NoError(t, store.SaveUnmatchedCollection(ctx, &models.UnmatchedCollection{CollectionReference: "ws_CO_1", Reason: "duplicate"}))

	res, err := store.TakeUnmatchedCollection(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = store.TakeUnmatchedCollection(ctx, "ws_CO_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListStaleTransactions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	old, _ := seedTransaction(t, store, nil)
	require.NoError(t, store.TransitionTransaction(ctx, old.ID, models.TransactionPending, models.TransactionCollecting, TransactionUpdate{}))
	now = now.Add(time.Hour)
	fresh, _ := seedTransaction(t, store, nil)
	require.NoError(t, store.TransitionTransaction(ctx, fresh.ID, models.TransactionPending, models.TransactionCollecting, TransactionUpdate{}))

	stale, err := store.ListStaleTransactions(ctx, models.TransactionCollecting, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseWithAutomaticPromotion(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 0)
	promoID := f.promotion(t, models.Promotion{
		Name:        "20% over 30",
		Kind:        models.PromotionAutomatic,
		Rate:        decimal.NullDecimal{Decimal: decimal.RequireFromString("0.2"), Valid: true},
		MinSpending: decimal.NullDecimal{Decimal: decimal.NewFromInt(30), Valid: true},
	})

	tx, err := f.purchase(t, f.cashier.ID, alice, "50.00")
	require.NoError(t, err)

	assert.Equal(t, int64(1200), tx.Amount)
	assert.False(t, tx.Suspicious)
	assert.Equal(t, f.cashier.ID, tx.CreatedBy)
	assert.Nil(t, tx.RelatedID())

	purchase, ok := tx.Purchase()
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("50").Equal(purchase.Spent))
	assert.Equal(t, []int64{promoID}, purchase.PromotionIDs)

	assert.Equal(t, int64(1200), f.balance(t, alice.ID))
	f.assertInvariants(t)
}

func TestPurchaseValidation(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 0)

	_, err := f.purchase(t, alice.ID, alice, "10.00")
	requireKind(t, err, models.ErrForbidden)

	_, err = f.purchase(t, f.cashier.ID, alice, "0")
	requireKind(t, err, models.ErrValidation)

	_, err = f.purchase(t, f.cashier.ID, alice, "-5.00")
	requireKind(t, err, models.ErrValidation)

	_, err = f.purchase(t, f.cashier.ID, alice, "1.005")
	requireKind(t, err, models.ErrValidation)

	_, err = f.purchase(t, f.cashier.ID, &models.User{UTORid: "nobody"}, "10.00")
	requireKind(t, err, models.ErrNotFound)

	assert.Empty(t, f.repo.Transactions())
	f.assertInvariants(t)
}

func TestPurchaseOneTimePromotionIsConsumedOnce(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 0)
	bob := f.user(t, "bob", models.RoleRegular, 0)
	once := f.promotion(t, models.Promotion{Name: "welcome", Kind: models.PromotionOneTime, Points: points(100)})

	tx, err := f.purchase(t, f.cashier.ID, alice, "10.00", once)
	require.NoError(t, err)
	assert.Equal(t, int64(140), tx.Amount)

	_, err = f.purchase(t, f.cashier.ID, alice, "10.00", once)
	requireKind(t, err, models.ErrPromotionConflict)

	// The promotion is per user.
	_, err = f.purchase(t, f.cashier.ID, bob, "10.00", once)
	require.NoError(t, err)

	assert.Equal(t, int64(140), f.balance(t, alice.ID))
	assert.Len(t, f.repo.Transactions(), 2)
	f.assertInvariants(t)
}

func TestPurchaseInvalidPromotionAbortsWholePurchase(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 0)
	valid := f.promotion(t, models.Promotion{Name: "valid", Kind: models.PromotionOneTime, Points: points(10)})
	big := f.promotion(t, models.Promotion{
		Name:        "big spender",
		Kind:        models.PromotionOneTime,
		Points:      points(10),
		MinSpending: decimal.NullDecimal{Decimal: decimal.NewFromInt(100), Valid: true},
	})

	_, err := f.purchase(t, f.cashier.ID, alice, "10.00", valid, big)
	requireKind(t, err, models.ErrPromotionConflict)

	// The valid promotion was not consumed by the failed purchase.
	_, err = f.purchase(t, f.cashier.ID, alice, "10.00", valid)
	require.NoError(t, err)
	f.assertInvariants(t)
}

func TestOneTimePromotionStaysUsedAfterSuspiciousFlag(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 0)
	once := f.promotion(t, models.Promotion{Name: "welcome", Kind: models.PromotionOneTime, Points: points(100)})

	tx, err := f.purchase(t, f.cashier.ID, alice, "10.00", once)
	require.NoError(t, err)

	_, err = f.svc.SetSuspicious(context.Background(), f.manager.ID, tx.ID, true)
	require.NoError(t, err)

	_, err = f.purchase(t, f.cashier.ID, alice, "10.00", once)
	requireKind(t, err, models.ErrPromotionConflict)
	f.assertInvariants(t)
}

func TestConcurrentOneTimePromotionUse(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 0)
	once := f.promotion(t, models.Promotion{Name: "welcome", Kind: models.PromotionOneTime, Points: points(100)})

	const attempts = 10
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.purchase(t, f.cashier.ID, alice, "10.00", once)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireKind(t, err, models.ErrPromotionConflict)
	}
	assert.Equal(t, 1, succeeded)

	var uses int
	for _, tx := range f.repo.Transactions() {
		if p, ok := tx.Purchase(); ok {
			for _, id := range p.PromotionIDs {
				if id == once {
					uses++
				}
			}
		}
	}
	assert.Equal(t, 1, uses)
	f.assertInvariants(t)
}

func TestRedemptionRequestRejectedOnLowBalance(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 100)

	_, err := f.redeem(t, alice, 150)
	requireKind(t, err, models.ErrInsufficientBalance)
	assert.Equal(t, int64(100), f.balance(t, alice.ID))
	assert.Empty(t, f.repo.Transactions())
}

func TestRedemptionLifecycle(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 100)

	tx, err := f.redeem(t, alice, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tx.Amount)
	redemption, ok := tx.Redemption()
	require.True(t, ok)
	assert.Equal(t, int64(60), redemption.Redeemed)
	assert.False(t, redemption.Processed())
	assert.Equal(t, int64(100), f.balance(t, alice.ID))

	_, err = f.svc.ProcessRedemption(context.Background(), tx.ID, alice.ID)
	requireKind(t, err, models.ErrForbidden)

	processed, err := f.svc.ProcessRedemption(context.Background(), tx.ID, f.cashier.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-60), processed.Amount)
	redemption, _ = processed.Redemption()
	require.NotNil(t, redemption.ProcessedBy)
	assert.Equal(t, f.cashier.ID, *redemption.ProcessedBy)
	assert.Equal(t, f.cashier.ID, *processed.RelatedID())
	assert.Equal(t, int64(40), f.balance(t, alice.ID))

	_, err = f.svc.ProcessRedemption(context.Background(), tx.ID, f.cashier.ID)
	requireKind(t, err, models.ErrStateConflict)
	assert.Equal(t, int64(40), f.balance(t, alice.ID))
	f.assertInvariants(t)
}

func TestRedemptionRequiresVerifiedUser(t *testing.T) {
	f := newFixture(t)
	unverified := &models.User{UTORid: "newbie", Name: "newbie", Role: models.RoleRegular, Balance: 100}
	require.NoError(t, f.repo.CreateUser(context.Background(), unverified))
	f.initial[unverified.ID] = 100

	_, err := f.redeem(t, unverified, 10)
	requireKind(t, err, models.ErrForbidden)

	_, err = f.redeem(t, unverified, 0)
	requireKind(t, err, models.ErrValidation)
}

func TestProcessRedemptionRechecksBalance(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 100)
	bob := f.user(t, "bob", models.RoleRegular, 0)

	tx, err := f.redeem(t, alice, 80)
	require.NoError(t, err)

	_, err = f.transfer(t, alice, bob, 50)
	require.NoError(t, err)

	_, err = f.svc.ProcessRedemption(context.Background(), tx.ID, f.cashier.ID)
	requireKind(t, err, models.ErrInsufficientBalance)

	stored, err := f.repo.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	redemption, _ := stored.Redemption()
	assert.False(t, redemption.Processed())
	assert.Equal(t, int64(50), f.balance(t, alice.ID))
	f.assertInvariants(t)
}

func TestProcessRedemptionRejectsOtherKinds(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 0)

	purchase, err := f.purchase(t, f.cashier.ID, alice, "10.00")
	require.NoError(t, err)

	_, err = f.svc.ProcessRedemption(context.Background(), purchase.ID, f.cashier.ID)
	requireKind(t, err, models.ErrValidation)

	_, err = f.svc.ProcessRedemption(context.Background(), 9999, f.cashier.ID)
	requireKind(t, err, models.ErrNotFound)
}

func TestConcurrentRedemptionProcessingCannotOverdraw(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 100)

	var pending []int64
	for i := 0; i < 3; i++ {
		tx, err := f.redeem(t, alice, 60)
		require.NoError(t, err)
		pending = append(pending, tx.ID)
	}

	errs := make(chan error, len(pending))
	var wg sync.WaitGroup
	for _, id := range pending {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.svc.ProcessRedemption(context.Background(), id, f.cashier.ID)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	var succeeded int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireKind(t, err, models.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(40), f.balance(t, alice.ID))
	f.assertInvariants(t)
}

func TestAdjustment(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 0)

	purchase, err := f.purchase(t, f.cashier.ID, alice, "25.00")
	require.NoError(t, err)

	adjust := func(actorID int64, params service.AdjustmentParams) (*models.Transaction, error) {
		return f.svc.CreateTransaction(context.Background(), actorID, service.CreateTransactionInput{
			Owner:  service.UserRef{UTORid: alice.UTORid},
			Remark: "correction",
			Params: params,
		})
	}

	_, err = adjust(f.cashier.ID, service.AdjustmentParams{Amount: -20, RelatedID: purchase.ID})
	requireKind(t, err, models.ErrForbidden)

	_, err = adjust(f.manager.ID, service.AdjustmentParams{Amount: -20})
	requireKind(t, err, models.ErrValidation)

	_, err = adjust(f.manager.ID, service.AdjustmentParams{Amount: -20, RelatedID: 9999})
	requireKind(t, err, models.ErrNotFound)

	_, err = adjust(f.manager.ID, service.AdjustmentParams{Amount: -20, RelatedID: purchase.ID, PromotionIDs: []int64{1}})
	requireKind(t, err, models.ErrValidation)

	_, err = adjust(f.manager.ID, service.AdjustmentParams{Amount: 0, RelatedID: purchase.ID})
	requireKind(t, err, models.ErrValidation)

	tx, err := adjust(f.manager.ID, service.AdjustmentParams{Amount: -20, RelatedID: purchase.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(-20), tx.Amount)
	assert.Equal(t, "correction", tx.Remark)
	assert.Equal(t, purchase.ID, *tx.RelatedID())
	assert.Equal(t, int64(80), f.balance(t, alice.ID))

	// A debit larger than the balance is rejected and moves nothing.
	_, err = adjust(f.manager.ID, service.AdjustmentParams{Amount: -1000, RelatedID: purchase.ID})
	requireKind(t, err, models.ErrInsufficientBalance)
	assert.Equal(t, int64(80), f.balance(t, alice.ID))

	// Draining to exactly zero is allowed.
	_, err = adjust(f.manager.ID, service.AdjustmentParams{Amount: -80, RelatedID: purchase.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, alice.ID))
	f.assertInvariants(t)
}

func TestTransferConservesPoints(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 100)
	bob := f.user(t, "bob", models.RoleRegular, 30)

	sent, err := f.transfer(t, alice, bob, 70)
	require.NoError(t, err)
	assert.Equal(t, int64(-70), sent.Amount)
	assert.Equal(t, alice.ID, sent.OwnerID)
	assert.Equal(t, bob.ID, *sent.RelatedID())

	assert.Equal(t, int64(30), f.balance(t, alice.ID))
	assert.Equal(t, int64(100), f.balance(t, bob.ID))
	assert.Equal(t, int64(130), f.balance(t, alice.ID)+f.balance(t, bob.ID))

	txs := f.repo.Transactions()
	require.Len(t, txs, 2)
	received := txs[1]
	assert.Equal(t, bob.ID, received.OwnerID)
	assert.Equal(t, int64(70), received.Amount)
	assert.Equal(t, alice.ID, *received.RelatedID())
	assert.Equal(t, alice.ID, received.CreatedBy)
	f.assertInvariants(t)
}

func TestTransferFailures(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 100)
	bob := f.user(t, "bob", models.RoleRegular, 0)
	unverified := &models.User{UTORid: "newbie", Name: "newbie", Role: models.RoleRegular, Balance: 100}
	require.NoError(t, f.repo.CreateUser(context.Background(), unverified))
	f.initial[unverified.ID] = 100

	_, err := f.transfer(t, alice, alice, 10)
	requireKind(t, err, models.ErrValidation)

	_, err = f.transfer(t, alice, bob, 0)
	requireKind(t, err, models.ErrValidation)

	_, err = f.transfer(t, alice, &models.User{ID: 9999}, 10)
	requireKind(t, err, models.ErrNotFound)

	_, err = f.transfer(t, unverified, bob, 10)
	requireKind(t, err, models.ErrForbidden)

	_, err = f.transfer(t, alice, bob, 101)
	requireKind(t, err, models.ErrInsufficientBalance)

	assert.Empty(t, f.repo.Transactions())
	assert.Equal(t, int64(100), f.balance(t, alice.ID))
	assert.Equal(t, int64(0), f.balance(t, bob.ID))
	f.assertInvariants(t)
}

func TestConcurrentTransfersCannotOverdraw(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleRegular, 100)
	bob := f.user(t, "bob", models.RoleRegular, 0)
	carol := f.user(t, "carol", models.RoleRegular, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		to := bob
		if i%2 == 1 {
			to = carol
		}
		go func(to *models.User) {
			defer wg.Done()
			_, _ = f.transfer(t, alice, to, 30)
		}(to)
	}
	wg.Wait()

	assert.Equal(t, int64(10), f.balance(t, alice.ID))
	assert.Equal(t, int64(100), f.balance(t, alice.ID)+f.balance(t, bob.ID)+f.balance(t, carol.ID))
	f.assertInvariants(t)
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool {
	return &v
}

func TestPromotionServiceValidateReasons(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	f.createPromotion(t, models.Promotion{Code: "OK", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 5})
	inactive := f.createPromotion(t, models.Promotion{Code: "OFF", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 5})
	require.NoError(t, f.db.Model(inactive).Update("is_active", false).Error)
	f.createPromotion(t, models.Promotion{Code: "SOON", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 5, StartsAt: &future})
	f.createPromotion(t, models.Promotion{Code: "OLD", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 5, EndsAt: &past})
	f.createPromotion(t, models.Promotion{Code: "EMPTY", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 0})
	f.createPromotion(t, models.Promotion{Code: "MIN", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 5, MinOrderAmount: moneyOf("500")})
	f.createPromotion(t, models.Promotion{Code: "SHOES", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 5, CategoryIDs: models.UintArray{42}})
	f.createPromotion(t, models.Promotion{Code: "VIP", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 5, UserGroups: models.StringArray{"vip"}})
	f.createPromotion(t, models.Promotion{Code: "NEWBIE", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 5, FirstTimeOnly: true})

	cases := []struct {
		code    string
		filters EligibilityFilters
		reason  string
	}{
		{"MISSING", EligibilityFilters{}, constants.PromotionRejectNotFound},
		{"OFF", EligibilityFilters{}, constants.PromotionRejectInactive},
		{"SOON", EligibilityFilters{}, constants.PromotionRejectNotStarted},
		{"OLD", EligibilityFilters{}, constants.PromotionRejectExpired},
		{"EMPTY", EligibilityFilters{}, constants.PromotionRejectOutOfStock},
		{"MIN", EligibilityFilters{}, constants.PromotionRejectBelowMinimum},
		{"SHOES", EligibilityFilters{CategoryIDs: []uint{7}}, constants.PromotionRejectNotEligible},
		{"VIP", EligibilityFilters{UserGroups: []string{"basic"}}, constants.PromotionRejectNotEligible},
		{"NEWBIE", EligibilityFilters{FirstTimeUser: boolPtr(false)}, constants.PromotionRejectNotEligible},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			_, err := f.promotions.Validate(ctx, ValidateInput{Code: tc.code, UserID: 1, OrderAmount: dec("100"), Currency: "USD", Filters: tc.filters})
			reason, ok := RejectionReason(err)
			require.True(t, ok, "expected rejection, got %v", err)
			assert.Equal(t, tc.reason, reason)
		})
	}

	quote, err := f.promotions.Validate(ctx, ValidateInput{Code: "ok", UserID: 1, OrderAmount: dec("100"), Currency: "USD"})
	require.NoError(t, err)
	assert.True(t, quote.DiscountAmount.Equal(dec("10")))

	quote, err = f.promotions.Validate(ctx, ValidateInput{Code: "SHOES", UserID: 1, OrderAmount: dec("100"), Currency: "USD", Filters: EligibilityFilters{CategoryIDs: []uint{3, 42}}})
	require.NoError(t, err)
	assert.Equal(t, "SHOES", quote.Code)

	_, err = f.promotions.Validate(ctx, ValidateInput{Code: "OK", OrderAmount: dec("0")})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestPromotionServiceRejectionKinds(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(reject(constants.PromotionRejectNotFound)))
	assert.Equal(t, KindConflict, KindOf(reject(constants.PromotionRejectOutOfStock)))
	assert.Equal(t, KindConflict, KindOf(reject(constants.PromotionRejectAlreadyApplied)))
	assert.Equal(t, KindValidation, KindOf(reject(constants.PromotionRejectBelowMinimum)))
	assert.Equal(t, constants.PromotionRejectExpired, CodeOf(reject(constants.PromotionRejectExpired)))
}

func TestPromotionServicePerUserAndPerOrderLimits(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	f.createPromotion(t, models.Promotion{Code: "ONCE", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("5"), Stock: 10, MaxUsesPerUser: 1})

	reservation, err := f.promotions.ValidateAndReserve(ctx, ReserveInput{Code: "ONCE", UserID: 1, OrderID: 1, OrderAmount: dec("50"), Currency: "USD"})
	require.NoError(t, err)

	_, err = f.promotions.ValidateAndReserve(ctx, ReserveInput{Code: "ONCE", UserID: 1, OrderID: 2, OrderAmount: dec("50"), Currency: "USD"})
	reason, _ := RejectionReason(err)
	assert.Equal(t, constants.PromotionRejectAlreadyUsedByUser, reason)

	_, err = f.promotions.ValidateAndReserve(ctx, ReserveInput{Code: "ONCE", UserID: 2, OrderID: 1, OrderAmount: dec("50"), Currency: "USD"})
	reason, _ = RejectionReason(err)
	assert.Equal(t, constants.PromotionRejectAlreadyApplied, reason)

	// 释放后不再计入用户次数
	released, err := f.promotions.Release(ctx, reservation.UsageID, constants.PromotionUsageStatusCancelled)
	require.NoError(t, err)
	require.True(t, released)
	_, err = f.promotions.ValidateAndReserve(ctx, ReserveInput{Code: "ONCE", UserID: 1, OrderID: 2, OrderAmount: dec("50"), Currency: "USD"})
	require.NoError(t, err)
}

func TestPromotionServiceFirstTimeUserHistory(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	f.createPromotion(t, models.Promotion{Code: "ANY", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("1"), Stock: 10})
	f.createPromotion(t, models.Promotion{Code: "NEWBIE", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("1"), Stock: 10, FirstTimeOnly: true})

	_, err := f.promotions.Validate(ctx, ValidateInput{Code: "NEWBIE", UserID: 3, OrderAmount: dec("10"), Currency: "USD"})
	require.NoError(t, err)

	_, err = f.promotions.ValidateAndReserve(ctx, ReserveInput{Code: "ANY", UserID: 3, OrderID: 9, OrderAmount: dec("10"), Currency: "USD"})
	require.NoError(t, err)

	_, err = f.promotions.Validate(ctx, ValidateInput{Code: "NEWBIE", UserID: 3, OrderAmount: dec("10"), Currency: "USD"})
	reason, _ := RejectionReason(err)
	assert.Equal(t, constants.PromotionRejectNotEligible, reason)
}

func TestPromotionServiceReleaseIsIdempotent(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	promotion := f.createPromotion(t, models.Promotion{Code: "TWICE", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("5"), Stock: 3})

	reservation, err := f.promotions.ValidateAndReserve(ctx, ReserveInput{Code: "TWICE", UserID: 1, OrderID: 1, OrderAmount: dec("50"), Currency: "USD"})
	require.NoError(t, err)
	afterReserve := f.reloadPromotion(t, promotion.ID)
	assert.Equal(t, 2, afterReserve.Stock)
	assert.Equal(t, 1, afterReserve.UsedCount)

	released, err := f.promotions.Release(ctx, reservation.UsageID, constants.PromotionUsageStatusRefunded)
	require.NoError(t, err)
	assert.True(t, released)
	released, err = f.promotions.Release(ctx, reservation.UsageID, constants.PromotionUsageStatusCancelled)
	require.NoError(t, err)
	assert.False(t, released)

	afterRelease := f.reloadPromotion(t, promotion.ID)
	assert.Equal(t, 3, afterRelease.Stock)
	assert.Equal(t, 0, afterRelease.UsedCount)
	assertStockConserved(t, afterRelease)

	usage := f.reloadUsage(t, reservation.UsageID)
	assert.Equal(t, constants.PromotionUsageStatusRefunded, usage.Status)
	assert.NotNil(t, usage.RefundedAt)

	_, err = f.promotions.Release(ctx, 9999, constants.PromotionUsageStatusCancelled)
	assert.True(t, errors.Is(err, ErrUsageNotFound))
	_, err = f.promotions.Release(ctx, reservation.UsageID, "BOGUS")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestPromotionServiceReleaseRefusesUsageOfLivePayment(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	promotion := f.createPromotion(t, models.Promotion{Code: "SAVE10", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 1})
	first := f.createPayment(t, 1, "100")
	first, err := f.payments.ApplyPromotion(ctx, first.ID, "SAVE10", 0, EligibilityFilters{})
	require.NoError(t, err)
	usageID := *first.PromotionUsageID

	for _, target := range []string{constants.PromotionUsageStatusCancelled, constants.PromotionUsageStatusRefunded} {
		released, err := f.promotions.Release(ctx, usageID, target)
		assert.ErrorIs(t, err, ErrInvalidState, target)
		assert.False(t, released)
	}
	assert.Equal(t, constants.PromotionUsageStatusApplied, f.reloadUsage(t, usageID).Status)
	assert.Equal(t, 0, f.reloadPromotion(t, promotion.ID).Stock)

	second := f.createPayment(t, 2, "100")
	_, err = f.payments.ApplyPromotion(ctx, second.ID, "SAVE10", 0, EligibilityFilters{})
	reason, _ := RejectionReason(err)
	assert.Equal(t, constants.PromotionRejectOutOfStock, reason)

	_, err = f.payments.Process(ctx, first.ID)
	require.NoError(t, err)
	completed, err := f.payments.Confirm(ctx, first.ID, "txn-first")
	require.NoError(t, err)
	_, err = f.promotions.Release(ctx, usageID, constants.PromotionUsageStatusRefunded)
	assert.ErrorIs(t, err, ErrInvalidState, "completed payment still owns the usage")
	assertMoney(t, "discount", completed.DiscountAmount, "10.00")

	_, err = f.payments.Refund(ctx, RefundInput{PaymentID: first.ID})
	require.NoError(t, err)
	assert.Equal(t, constants.PromotionUsageStatusRefunded, f.reloadUsage(t, usageID).Status)
	assertStockConserved(t, f.reloadPromotion(t, promotion.ID))
}

func TestPromotionServiceReleaseAfterRemoveOrFailure(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	promotion := f.createPromotion(t, models.Promotion{Code: "ONCE", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("3"), Stock: 2})

	removed := f.createPayment(t, 1, "30")
	removed, err := f.payments.ApplyPromotion(ctx, removed.ID, "ONCE", 0, EligibilityFilters{})
	require.NoError(t, err)
	removedUsage := *removed.PromotionUsageID
	_, err = f.payments.RemovePromotion(ctx, removed.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PromotionUsageStatusCancelled, f.reloadUsage(t, removedUsage).Status)

	failed := f.createPayment(t, 2, "30")
	failed, err = f.payments.ApplyPromotion(ctx, failed.ID, "ONCE", 0, EligibilityFilters{})
	require.NoError(t, err)
	failedUsage := *failed.PromotionUsageID
	_, err = f.payments.Fail(ctx, failed.ID, "declined", "")
	require.NoError(t, err)
	released, err := f.promotions.Release(ctx, failedUsage, constants.PromotionUsageStatusCancelled)
	require.NoError(t, err)
	assert.False(t, released, "already released by the failure")

	reloaded := f.reloadPromotion(t, promotion.ID)
	assert.Equal(t, 2, reloaded.Stock)
	assertStockConserved(t, reloaded)
}

func TestPromotionServiceLastUnitGoesToOneOrder(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	promotion := f.createPromotion(t, models.Promotion{Code: "LAST", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 1})
	first := f.createPayment(t, 1, "100")
	second := f.createPayment(t, 2, "100")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, payment := range []*models.Payment{first, second} {
		wg.Add(1)
		go func(i int, id uint) {
			defer wg.Done()
			_, errs[i] = f.payments.ApplyPromotion(ctx, id, "LAST", 0, EligibilityFilters{})
		}(i, payment.ID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		reason, _ := RejectionReason(err)
		assert.Equal(t, constants.PromotionRejectOutOfStock, reason)
	}
	assert.Equal(t, 1, succeeded)
	reloaded := f.reloadPromotion(t, promotion.ID)
	assert.Equal(t, 0, reloaded.Stock)
	assert.Equal(t, 1, reloaded.UsedCount)
	assertStockConserved(t, reloaded)
}

func TestPromotionServiceNoOversellUnderConcurrency(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	const stock = 5
	const buyers = 20
	promotion := f.createPromotion(t, models.Promotion{Code: "RUSH", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("1"), Stock: stock})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(order uint) {
			defer wg.Done()
			_, err := f.promotions.ValidateAndReserve(ctx, ReserveInput{Code: "RUSH", UserID: order, OrderID: order, OrderAmount: dec("10"), Currency: "USD"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(uint(i + 1))
	}
	wg.Wait()

	assert.Equal(t, stock, succeeded)
	reloaded := f.reloadPromotion(t, promotion.ID)
	assert.Equal(t, 0, reloaded.Stock)
	assert.Equal(t, stock, reloaded.UsedCount)
	assertStockConserved(t, reloaded)

	applied, err := f.usageRepo.CountAppliedByPromotion(promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(stock), applied)
}

func TestPromotionServiceStockConservedAcrossLifecycle(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	promotion := f.createPromotion(t, models.Promotion{Code: "CYCLE", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("2"), Stock: 4})

	var usages []uint
	for order := uint(1); order <= 3; order++ {
		reservation, err := f.promotions.ValidateAndReserve(ctx, ReserveInput{Code: "CYCLE", UserID: order, OrderID: order, OrderAmount: dec("20"), Currency: "USD"})
		require.NoError(t, err)
		usages = append(usages, reservation.UsageID)
		assertStockConserved(t, f.reloadPromotion(t, promotion.ID))
	}
	for _, id := range usages[:2] {
		_, err := f.promotions.Release(ctx, id, constants.PromotionUsageStatusCancelled)
		require.NoError(t, err)
		assertStockConserved(t, f.reloadPromotion(t, promotion.ID))
	}
	_, err := f.admin.AdjustStock(ctx, promotion.ID, 3)
	require.NoError(t, err)
	reloaded := f.reloadPromotion(t, promotion.ID)
	assertStockConserved(t, reloaded)
	assert.Equal(t, 6, reloaded.Stock)
	assert.Equal(t, 1, reloaded.UsedCount)
	assert.Equal(t, 7, reloaded.InitialStock)

	_, err = f.admin.AdjustStock(ctx, promotion.ID, -7)
	assert.True(t, errors.Is(err, ErrStockAdjustInvalid))
}

func TestPromotionServiceAutoApplyOrdering(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	f.createPromotion(t, models.Promotion{Code: "LOW", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("20"), Stock: 1, AutoApply: true, Priority: 1})
	f.createPromotion(t, models.Promotion{Code: "HIGH_SMALL", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("1"), Stock: 1, AutoApply: true, Priority: 9})
	f.createPromotion(t, models.Promotion{Code: "HIGH_BIG", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("5"), Stock: 1, AutoApply: true, Priority: 9})
	f.createPromotion(t, models.Promotion{Code: "MANUAL", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("50"), Stock: 1})
	f.createPromotion(t, models.Promotion{Code: "GONE", Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("50"), Stock: 0, AutoApply: true, Priority: 99})

	quotes, err := f.promotions.GetAutoApplyPromotions(ctx, AutoApplyInput{UserID: 1, OrderID: 1, OrderAmount: dec("100"), Currency: "USD"})
	require.NoError(t, err)
	codes := make([]string, 0, len(quotes))
	for _, quote := range quotes {
		codes = append(codes, quote.Code)
	}
	assert.Equal(t, []string{"HIGH_BIG", "HIGH_SMALL", "LOW"}, codes)
}

func TestCalculateDiscount(t *testing.T) {
	cases := []struct {
		name      string
		promotion models.Promotion
		amount    string
		currency  string
		discount  string
		final     string
		shipping  bool
	}{
		{"percentage", models.Promotion{Type: constants.PromotionTypePercentage, Percent: moneyOf("10")}, "100.00", "USD", "10.00", "90.00", false},
		{"percentage capped", models.Promotion{Type: constants.PromotionTypePercentage, Percent: moneyOf("50"), MaxDiscount: moneyOf("20")}, "100", "USD", "20", "80", false},
		{"percentage rounds half up", models.Promotion{Type: constants.PromotionTypePercentage, Percent: moneyOf("15")}, "0.10", "USD", "0.02", "0.08", false},
		{"fixed", models.Promotion{Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("5")}, "30", "USD", "5", "25", false},
		{"fixed over amount", models.Promotion{Type: constants.PromotionTypeFixedAmount, DiscountAmount: moneyOf("50")}, "30", "USD", "30", "0", false},
		{"free shipping", models.Promotion{Type: constants.PromotionTypeFreeShipping}, "30", "USD", "0", "30", true},
		{"yen has no minor unit", models.Promotion{Type: constants.PromotionTypePercentage, Percent: moneyOf("15")}, "999", "JPY", "150", "849", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quote := calculateDiscount(&tc.promotion, dec(tc.amount), tc.currency)
			assert.True(t, quote.DiscountAmount.Equal(dec(tc.discount)), "discount want %s got %s", tc.discount, quote.DiscountAmount)
			assert.True(t, quote.FinalAmount.Equal(dec(tc.final)), "final want %s got %s", tc.final, quote.FinalAmount)
			assert.Equal(t, tc.shipping, quote.FreeShipping)
		})
	}
}

func TestCombineQuotesCapsAtOrderAmount(t *testing.T) {
	quotes := []DiscountQuote{
		{DiscountAmount: moneyOf("30")},
		{DiscountAmount: moneyOf("25"), FreeShipping: true},
	}
	total, shipping := combineQuotes(quotes, dec("40"), "USD")
	assert.True(t, total.Equal(dec("40")))
	assert.True(t, shipping)
}

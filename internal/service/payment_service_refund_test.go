package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/gateway"
	"github.com/paysettle/internal/models"
)

func (f *settlementFixture) completedPayment(t *testing.T, orderID uint, amount, code string) *models.Payment {
	t.Helper()
	ctx := context.Background()
	payment := f.createPayment(t, orderID, amount)
	var err error
	if code != "" {
		if payment, err = f.payments.ApplyPromotion(ctx, payment.ID, code, 0, EligibilityFilters{}); err != nil {
			t.Fatalf("apply promotion failed: %v", err)
		}
	}
	if _, err = f.payments.Process(ctx, payment.ID); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	payment, err = f.payments.Confirm(ctx, payment.ID, "txn-"+payment.Reference)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	return payment
}

func TestRefundPartialThenRemainder(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	promotion := f.createPromotion(t, models.Promotion{Code: "SAVE10", Type: constants.PromotionTypePercentage, Percent: moneyOf("10"), Stock: 5})
	payment := f.completedPayment(t, 1, "100.00", "SAVE10")
	assertMoney(t, "final", payment.FinalAmount, "90.00")
	usageID := *payment.PromotionUsageID

	first, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("30"), Partial: true})
	if err != nil {
		t.Fatalf("partial refund failed: %v", err)
	}
	if first.Payment.Status != constants.PaymentStatusPartiallyRefunded {
		t.Fatalf("status want %s got %s", constants.PaymentStatusPartiallyRefunded, first.Payment.Status)
	}
	assertMoney(t, "refunded", first.Payment.RefundedAmount, "30.00")
	if first.Transaction.Type != constants.PaymentTxnTypePartialRefund {
		t.Fatalf("txn type want %s got %s", constants.PaymentTxnTypePartialRefund, first.Transaction.Type)
	}
	if usage := f.reloadUsage(t, usageID); usage.Status != constants.PromotionUsageStatusApplied {
		t.Fatalf("partial refund must keep usage APPLIED, got %s", usage.Status)
	}

	second, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("60"), Partial: true})
	if err != nil {
		t.Fatalf("second refund failed: %v", err)
	}
	if second.Payment.Status != constants.PaymentStatusRefunded {
		t.Fatalf("status want %s got %s", constants.PaymentStatusRefunded, second.Payment.Status)
	}
	assertMoney(t, "refunded", second.Payment.RefundedAmount, "90.00")
	assertAmountInvariant(t, second.Payment)

	usage := f.reloadUsage(t, usageID)
	if usage.Status != constants.PromotionUsageStatusRefunded || usage.RefundedAt == nil {
		t.Fatalf("usage want REFUNDED got %s", usage.Status)
	}
	assertStockConserved(t, f.reloadPromotion(t, promotion.ID))

	summary, err := f.payments.VerifyLedger(ctx, payment.ID)
	if err != nil || !summary.Consistent {
		t.Fatalf("ledger should be consistent: %+v err=%v", summary, err)
	}
	assertMoney(t, "captured", summary.Captured, "90.00")
	assertMoney(t, "refunded", summary.Refunded, "90.00")

	if _, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("1"), Partial: true}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("refund after full refund want %v got %v", ErrInvalidState, err)
	}
	if len(f.gateway.refunds) != 2 || f.gateway.refunds[0].IdempotencyKey == f.gateway.refunds[1].IdempotencyKey {
		t.Fatalf("expected two gateway refunds with distinct keys: %+v", f.gateway.refunds)
	}
}

func TestRefundValidation(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.completedPayment(t, 1, "50", "")

	cases := []struct {
		name  string
		input RefundInput
		want  error
	}{
		{"exceeds", RefundInput{PaymentID: payment.ID, Amount: dec("50.01"), Partial: true}, ErrExceedsRefundable},
		{"zero partial", RefundInput{PaymentID: payment.ID, Amount: dec("0"), Partial: true}, ErrInvalidRequest},
		{"negative", RefundInput{PaymentID: payment.ID, Amount: dec("-5"), Partial: true}, ErrInvalidRequest},
		{"full with wrong amount", RefundInput{PaymentID: payment.ID, Amount: dec("10")}, ErrInvalidRequest},
		{"missing payment", RefundInput{PaymentID: 9999, Amount: dec("1"), Partial: true}, ErrPaymentNotFound},
	}
	for _, tc := range cases {
		if _, err := f.payments.Refund(ctx, tc.input); !errors.Is(err, tc.want) {
			t.Fatalf("%s: want %v got %v", tc.name, tc.want, err)
		}
	}

	pending := f.createPayment(t, 2, "10")
	if _, err := f.payments.Refund(ctx, RefundInput{PaymentID: pending.ID, Amount: dec("1"), Partial: true}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("refund pending want %v got %v", ErrInvalidState, err)
	}

	full, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID})
	if err != nil {
		t.Fatalf("full refund failed: %v", err)
	}
	if full.Payment.Status != constants.PaymentStatusRefunded || full.Transaction.Type != constants.PaymentTxnTypeRefund {
		t.Fatalf("unexpected full refund: %s %s", full.Payment.Status, full.Transaction.Type)
	}
	assertMoney(t, "refunded", full.Payment.RefundedAmount, "50")
}

func (f *settlementFixture) assertRefundUntouched(t *testing.T, id uint) *models.Payment {
	t.Helper()
	reloaded, err := f.payments.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if reloaded.Status != constants.PaymentStatusCompleted || !reloaded.RefundedAmount.IsZero() {
		t.Fatalf("failed refund must not change payment: %s %s", reloaded.Status, reloaded.RefundedAmount)
	}
	if txns, _ := f.payments.ListTransactions(context.Background(), id); len(txns) != 1 {
		t.Fatalf("failed refund must not append transactions, got %d", len(txns))
	}
	return reloaded
}

func TestRefundGatewayRejectionWritesNothing(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.completedPayment(t, 1, "40", "")

	f.gateway.refundErr = gateway.ErrRejected
	if _, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("10"), Partial: true}); !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("gateway rejection want %v got %v", ErrGatewayRejected, err)
	}
	reloaded := f.assertRefundUntouched(t, payment.ID)
	if reloaded.RefundingAt != nil || !reloaded.RefundingAmount.IsZero() {
		t.Fatalf("rejected refund must clear its claim: %v %s", reloaded.RefundingAt, reloaded.RefundingAmount)
	}

	f.gateway.refundErr = nil
	if _, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("10"), Partial: true}); err != nil {
		t.Fatalf("refund after rejection failed: %v", err)
	}
}

func TestRefundGatewayOutageIsResumedWithSameKey(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.completedPayment(t, 1, "40", "")

	f.gateway.refundErr = gateway.ErrTransient
	if _, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("10"), Partial: true}); !errors.Is(err, ErrExternalService) {
		t.Fatalf("gateway outage want %v got %v", ErrExternalService, err)
	}
	reloaded := f.assertRefundUntouched(t, payment.ID)
	if reloaded.RefundingAt == nil {
		t.Fatalf("outage must keep the refund claim for resumption")
	}
	assertMoney(t, "refunding", reloaded.RefundingAmount, "10")
	if _, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("5"), Partial: true}); !errors.Is(err, ErrRefundInProgress) {
		t.Fatalf("concurrent refund want %v got %v", ErrRefundInProgress, err)
	}

	f.gateway.refundErr = nil
	if resumed, err := f.sweep.ResumeRefunds(ctx, time.Now(), 10); err != nil || resumed != 0 {
		t.Fatalf("fresh claim must not be resumed yet: %d %v", resumed, err)
	}
	resumed, err := f.sweep.ResumeRefunds(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || resumed != 1 {
		t.Fatalf("resume want 1 got %d err=%v", resumed, err)
	}
	settled, _ := f.payments.Get(ctx, payment.ID)
	if settled.Status != constants.PaymentStatusPartiallyRefunded || settled.RefundingAt != nil {
		t.Fatalf("resumed refund not settled: %s %v", settled.Status, settled.RefundingAt)
	}
	assertMoney(t, "refunded", settled.RefundedAmount, "10")
	if len(f.gateway.refunds) != 1 || f.gateway.refunds[0].IdempotencyKey != settled.Reference+"-refund-0" {
		t.Fatalf("unexpected gateway refunds: %+v", f.gateway.refunds)
	}
	if _, err := f.payments.VerifyLedger(ctx, payment.ID); err != nil {
		t.Fatalf("ledger inconsistent after resume: %v", err)
	}
}

func TestRefundSettleRetriesLostRace(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.completedPayment(t, 1, "40", "")
	bumper := f.bumpVersionAfterTxnInsert(t, payment.ID, 1)

	result, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("15"), Partial: true})
	if err != nil {
		t.Fatalf("refund should survive one lost race: %v", err)
	}
	if bumper.count.Load() != 1 {
		t.Fatalf("expected one lost race, got %d", bumper.count.Load())
	}
	assertMoney(t, "refunded", result.Payment.RefundedAmount, "15")
	if len(f.gateway.refunds) != 1 {
		t.Fatalf("gateway must be called once, got %d", len(f.gateway.refunds))
	}
	if txns, _ := f.payments.ListTransactions(ctx, payment.ID); len(txns) != 2 {
		t.Fatalf("want capture + one refund, got %d", len(txns))
	}
}

func TestRefundSettleDeferredAfterRepeatedRaces(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.completedPayment(t, 1, "40", "")
	bumper := f.bumpVersionAfterTxnInsert(t, payment.ID, 0)

	if _, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("15"), Partial: true}); !errors.Is(err, ErrPaymentStateChanged) {
		t.Fatalf("want %v got %v", ErrPaymentStateChanged, err)
	}
	pending, _ := f.payments.Get(ctx, payment.ID)
	if pending.RefundingAt == nil || !pending.RefundedAmount.IsZero() {
		t.Fatalf("gateway refund must stay claimed until settled: %v %s", pending.RefundingAt, pending.RefundedAmount)
	}

	bumper.paused.Store(true)
	resumed, err := f.sweep.ResumeRefunds(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || resumed != 1 {
		t.Fatalf("resume want 1 got %d err=%v", resumed, err)
	}
	settled, _ := f.payments.Get(ctx, payment.ID)
	assertMoney(t, "refunded", settled.RefundedAmount, "15")
	if len(f.gateway.refunds) != 2 || f.gateway.refunds[0].IdempotencyKey != f.gateway.refunds[1].IdempotencyKey {
		t.Fatalf("replay must reuse the idempotency key: %+v", f.gateway.refunds)
	}
	txns, _ := f.payments.ListTransactions(ctx, payment.ID)
	if len(txns) != 2 || txns[1].Type != constants.PaymentTxnTypePartialRefund {
		t.Fatalf("want one partial refund transaction, got %+v", txns)
	}
}

func TestVerifyLedgerDetectsDrift(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.completedPayment(t, 1, "25", "")
	if _, err := f.payments.Refund(ctx, RefundInput{PaymentID: payment.ID, Amount: dec("5"), Partial: true}); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	if err := f.db.Model(&models.Payment{}).Where("id = ?", payment.ID).Update("refunded_amount", moneyOf("7")).Error; err != nil {
		t.Fatalf("corrupt refunded amount failed: %v", err)
	}
	summary, err := f.payments.VerifyLedger(ctx, payment.ID)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("want %v got %v", ErrInvariantViolation, err)
	}
	if summary == nil || summary.Consistent {
		t.Fatalf("summary should be inconsistent: %+v", summary)
	}
	assertMoney(t, "ledger refunded", summary.Refunded, "5")
	if KindOf(err) != KindInvariant {
		t.Fatalf("kind want %s got %s", KindInvariant, KindOf(err))
	}
}

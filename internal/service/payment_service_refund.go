package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/gateway"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/metrics"
	"github.com/paysettle/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RefundInput 退款输入；Partial=false 且 Amount 为 0 时退还全部剩余
type RefundInput struct {
	PaymentID        uint
	Amount           decimal.Decimal
	Partial          bool
	GatewayReference string
}

// RefundResult 退款结果
type RefundResult struct {
	Payment     *models.Payment
	Transaction *models.PaymentTransaction
}

// LedgerSummary 由流水汇总得到的账本
type LedgerSummary struct {
	PaymentID        uint         `json:"payment_id"`
	Captured         models.Money `json:"captured"`
	Refunded         models.Money `json:"refunded"`
	RefundableAmount models.Money `json:"refundable_amount"`
	RefundedAmount   models.Money `json:"refunded_amount"`
	Consistent       bool         `json:"consistent"`
}

// refundSettleAttempts 网关退款成功后入账 CAS 的重试上限；仍失败时留给清理任务续办
const refundSettleAttempts = 5

// refundClaim 已登记在支付单上的在途退款，网关幂等键在入账前保持不变
type refundClaim struct {
	paymentID    uint
	reference    string
	currency     string
	gatewayTxnID string
	amount       models.Money
	txnType      string
	key          string
}

func refundKey(payment *models.Payment, prior []models.PaymentTransaction) string {
	refunds := 0
	for _, txn := range prior {
		if txn.Type == constants.PaymentTxnTypeRefund || txn.Type == constants.PaymentTxnTypePartialRefund {
			refunds++
		}
	}
	return fmt.Sprintf("%s-refund-%d", payment.Reference, refunds)
}

func newRefundClaim(payment *models.Payment, amount models.Money, txnType, key string) *refundClaim {
	claim := &refundClaim{
		paymentID: payment.ID,
		reference: payment.Reference,
		currency:  payment.Currency,
		amount:    amount,
		txnType:   txnType,
		key:       key,
	}
	if payment.GatewayTransactionID != nil {
		claim.gatewayTxnID = *payment.GatewayTransactionID
	}
	return claim
}

// Refund 对已完成支付退款（全额或部分），流水只追加。
// 先在支付单上登记在途退款，再调用网关，最后在一个事务内追加流水并更新金额。
func (s *PaymentService) Refund(ctx context.Context, input RefundInput) (*RefundResult, error) {
	if input.PaymentID == 0 {
		return nil, ErrInvalidRequest
	}
	claim, err := s.claimRefund(input)
	if err != nil {
		logger.Infow("payment_refund_rejected", "payment_id", input.PaymentID, "amount", input.Amount.String(), "error", err)
		return nil, err
	}
	gatewayRef, err := s.submitRefund(ctx, claim)
	if err != nil {
		logger.Infow("payment_refund_rejected", "payment_id", input.PaymentID, "amount", input.Amount.String(), "error", err)
		return nil, err
	}
	if ref := strings.TrimSpace(input.GatewayReference); ref != "" {
		gatewayRef = ref
	}
	return s.settleRefund(ctx, claim, gatewayRef)
}

// ResumeRefund 续办在途退款：以原幂等键重放网关请求后入账；无在途退款时返回 nil
func (s *PaymentService) ResumeRefund(ctx context.Context, id uint) (*RefundResult, error) {
	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.RefundingAt == nil {
		return nil, nil
	}
	prior, err := s.paymentRepo.ListTransactions(payment.ID)
	if err != nil {
		return nil, err
	}
	txnType := constants.PaymentTxnTypePartialRefund
	if payment.RefundingAmount.Equal(payment.RemainingRefundable().Decimal) {
		txnType = constants.PaymentTxnTypeRefund
	}
	claim := newRefundClaim(payment, payment.RefundingAmount, txnType, refundKey(payment, prior))
	paymentLogger(payment).Infow("payment_refund_resumed", "amount", claim.amount.String(), "idempotency_key", claim.key)
	gatewayRef, err := s.submitRefund(ctx, claim)
	if err != nil {
		return nil, err
	}
	return s.settleRefund(ctx, claim, gatewayRef)
}

// claimRefund 校验并在支付单上登记在途退款；同一支付单同时只允许一笔
func (s *PaymentService) claimRefund(input RefundInput) (*refundClaim, error) {
	var claim *refundClaim
	err := models.DB.Transaction(func(tx *gorm.DB) error {
		repo := s.paymentRepo.WithTx(tx)
		payment, err := repo.GetByIDForUpdate(input.PaymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return ErrPaymentNotFound
		}
		if payment.Status != constants.PaymentStatusCompleted && payment.Status != constants.PaymentStatusPartiallyRefunded {
			return fmt.Errorf("%w: refund not allowed in %s", ErrInvalidState, payment.Status)
		}
		if payment.RefundingAt != nil {
			return fmt.Errorf("%w: %s pending since %s", ErrRefundInProgress, payment.RefundingAmount.String(), payment.RefundingAt.Format(time.RFC3339))
		}

		remaining := payment.RemainingRefundable()
		amount := models.NewMoneyForCurrency(input.Amount, payment.Currency)
		if !input.Partial && amount.IsZero() {
			amount = remaining
		}
		if amount.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: refund amount must be positive", ErrInvalidRequest)
		}
		if amount.GreaterThan(remaining.Decimal) {
			return fmt.Errorf("%w: requested %s remaining %s", ErrExceedsRefundable, amount.String(), remaining.String())
		}
		if !input.Partial && !amount.Equal(remaining.Decimal) {
			return fmt.Errorf("%w: full refund must equal remaining %s", ErrInvalidRequest, remaining.String())
		}

		txnType := constants.PaymentTxnTypeRefund
		if input.Partial {
			txnType = constants.PaymentTxnTypePartialRefund
		}
		prior, err := repo.ListTransactions(payment.ID)
		if err != nil {
			return err
		}
		rows, err := repo.UpdateStatusCAS(payment.ID, payment.Status, payment.Version, map[string]interface{}{
			"refunding_amount": amount,
			"refunding_at":     s.now(),
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrPaymentStateChanged
		}
		claim = newRefundClaim(payment, amount, txnType, refundKey(payment, prior))
		return nil
	})
	return claim, err
}

// submitRefund 调用网关退款。明确拒绝时撤销登记；超时等外部错误保留登记，由清理任务以同一幂等键续办
func (s *PaymentService) submitRefund(ctx context.Context, claim *refundClaim) (string, error) {
	result, err := s.gateway.Refund(ctx, gateway.RefundRequest{
		PaymentReference:     claim.reference,
		GatewayTransactionID: claim.gatewayTxnID,
		Amount:               claim.amount.StringFixed(models.CurrencyScale(claim.currency)),
		Currency:             claim.currency,
		IdempotencyKey:       claim.key,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			if abortErr := s.abortRefund(claim); abortErr != nil {
				logger.Errorw("payment_refund_abort_failed", "payment_id", claim.paymentID, "error", abortErr)
			}
			return "", fmt.Errorf("%w: %v", ErrGatewayRejected, err)
		}
		logger.Warnw("payment_refund_gateway_unavailable", "payment_id", claim.paymentID, "idempotency_key", claim.key, "error", err)
		return "", fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	if result == nil {
		return "", nil
	}
	return result.GatewayReference, nil
}

// abortRefund 撤销在途退款登记，支付金额与流水保持不变
func (s *PaymentService) abortRefund(claim *refundClaim) error {
	var err error
	for attempt := 0; attempt < refundSettleAttempts; attempt++ {
		err = models.DB.Transaction(func(tx *gorm.DB) error {
			repo := s.paymentRepo.WithTx(tx)
			payment, err := repo.GetByIDForUpdate(claim.paymentID)
			if err != nil {
				return err
			}
			if payment == nil || payment.RefundingAt == nil || !payment.RefundingAmount.Equal(claim.amount.Decimal) {
				return nil
			}
			rows, err := repo.UpdateStatusCAS(payment.ID, payment.Status, payment.Version, map[string]interface{}{
				"refunding_amount": models.ZeroMoney(),
				"refunding_at":     nil,
			})
			if err != nil {
				return err
			}
			if rows == 0 {
				return ErrPaymentStateChanged
			}
			return nil
		})
		if !errors.Is(err, ErrPaymentStateChanged) {
			return err
		}
	}
	return err
}

// settleRefund 网关已退款后入账：追加流水、累加已退金额、清除登记，CAS 落败时重新读取重试
func (s *PaymentService) settleRefund(ctx context.Context, claim *refundClaim, gatewayRef string) (*RefundResult, error) {
	var from, to string
	var txn *models.PaymentTransaction
	var err error
	for attempt := 1; attempt <= refundSettleAttempts; attempt++ {
		err = models.DB.Transaction(func(tx *gorm.DB) error {
			repo := s.paymentRepo.WithTx(tx)
			payment, err := repo.GetByIDForUpdate(claim.paymentID)
			if err != nil {
				return err
			}
			if payment == nil {
				return ErrPaymentNotFound
			}
			if payment.RefundingAt == nil || !payment.RefundingAmount.Equal(claim.amount.Decimal) {
				return fmt.Errorf("%w: refund claim %s was already settled", ErrRefundInProgress, claim.key)
			}
			refunded := models.NewMoneyForCurrency(payment.RefundedAmount.Add(claim.amount.Decimal), payment.Currency)
			target := constants.PaymentStatusPartiallyRefunded
			if refunded.Equal(payment.RefundableAmount.Decimal) {
				target = constants.PaymentStatusRefunded
			}
			if refunded.GreaterThan(payment.RefundableAmount.Decimal) || !CanTransition(payment.Status, target) {
				return fmt.Errorf("%w: refund %s on %s payment", ErrInvariantViolation, claim.amount.String(), payment.Status)
			}

			txn = &models.PaymentTransaction{
				PaymentID:        payment.ID,
				PaymentReference: payment.Reference,
				Type:             claim.txnType,
				Amount:           claim.amount,
				Currency:         payment.Currency,
				GatewayReference: gatewayRef,
				Status:           constants.PaymentTxnStatusSucceeded,
				CreatedAt:        s.now(),
			}
			if err := repo.AppendTransaction(txn); err != nil {
				return err
			}
			rows, err := repo.UpdateStatusCAS(payment.ID, payment.Status, payment.Version, map[string]interface{}{
				"status":           target,
				"refunded_amount":  refunded,
				"refunding_amount": models.ZeroMoney(),
				"refunding_at":     nil,
			})
			if err != nil {
				return err
			}
			if rows == 0 {
				return ErrPaymentStateChanged
			}
			from, to = payment.Status, target
			return nil
		})
		if !errors.Is(err, ErrPaymentStateChanged) {
			break
		}
		logger.Debugw("payment_refund_settle_retry", "payment_id", claim.paymentID, "attempt", attempt)
	}
	if err != nil {
		logger.Errorw("payment_refund_settle_failed",
			"payment_id", claim.paymentID,
			"amount", claim.amount.String(),
			"idempotency_key", claim.key,
			"gateway_reference", gatewayRef,
			"error", err,
		)
		return nil, err
	}

	payment, err := s.Get(ctx, claim.paymentID)
	if err != nil {
		return nil, err
	}
	metrics.PaymentTransitions.WithLabelValues(from, to).Inc()
	paymentLogger(payment).Infow("payment_refunded",
		"from", from,
		"to", to,
		"amount", txn.Amount.String(),
		"refunded_amount", payment.RefundedAmount.String(),
	)
	if to == constants.PaymentStatusRefunded {
		s.releaseUsages(ctx, payment, constants.PromotionUsageStatusRefunded)
	}
	s.publish(ctx, payment, from, "refund")
	if _, verifyErr := s.VerifyLedger(ctx, payment.ID); verifyErr != nil && !errors.Is(verifyErr, ErrInvariantViolation) {
		paymentLogger(payment).Warnw("payment_ledger_verify_failed", "error", verifyErr)
	}
	return &RefundResult{Payment: payment, Transaction: txn}, nil
}

// VerifyLedger 由流水重新汇总并与缓存金额比对，不一致时返回 ErrInvariantViolation
func (s *PaymentService) VerifyLedger(ctx context.Context, id uint) (*LedgerSummary, error) {
	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	txns, err := s.paymentRepo.ListTransactions(id)
	if err != nil {
		return nil, err
	}
	captured := decimal.Zero
	refunded := decimal.Zero
	for _, txn := range txns {
		switch txn.Type {
		case constants.PaymentTxnTypeCapture:
			captured = captured.Add(txn.Amount.Decimal)
		case constants.PaymentTxnTypeRefund, constants.PaymentTxnTypePartialRefund:
			refunded = refunded.Add(txn.Amount.Decimal)
		}
	}
	summary := &LedgerSummary{
		PaymentID:        id,
		Captured:         models.NewMoneyForCurrency(captured, payment.Currency),
		Refunded:         models.NewMoneyForCurrency(refunded, payment.Currency),
		RefundableAmount: payment.RefundableAmount,
		RefundedAmount:   payment.RefundedAmount,
	}

	problems := make([]string, 0)
	if !payment.FinalAmount.Equal(payment.RequestedAmount.Sub(payment.DiscountAmount.Decimal)) {
		problems = append(problems, "final != requested - discount")
	}
	if payment.DiscountAmount.LessThan(decimal.Zero) || payment.FinalAmount.LessThan(decimal.Zero) {
		problems = append(problems, "negative amount")
	}
	if !summary.Refunded.Equal(payment.RefundedAmount.Decimal) {
		problems = append(problems, "refunded_amount != sum(refund transactions)")
	}
	if payment.RefundedAmount.GreaterThan(payment.RefundableAmount.Decimal) {
		problems = append(problems, "refunded > refundable")
	}
	if payment.RefundedAmount.Add(payment.RefundingAmount.Decimal).GreaterThan(payment.RefundableAmount.Decimal) {
		problems = append(problems, "refunded + refunding > refundable")
	}
	if payment.RefundableAmount.GreaterThan(payment.FinalAmount.Decimal) {
		problems = append(problems, "refundable > final")
	}
	if isSettledStatus(payment.Status) && !summary.Captured.Equal(payment.RefundableAmount.Decimal) {
		problems = append(problems, "refundable_amount != sum(capture transactions)")
	}
	summary.Consistent = len(problems) == 0
	if !summary.Consistent {
		paymentLogger(payment).Errorw("payment_ledger_invariant_violation",
			"problems", problems,
			"captured", summary.Captured.String(),
			"refunded", summary.Refunded.String(),
			"refundable_amount", payment.RefundableAmount.String(),
			"refunded_amount", payment.RefundedAmount.String(),
		)
		return summary, ErrInvariantViolation
	}
	return summary, nil
}

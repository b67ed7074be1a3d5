package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/models"

	"github.com/shopspring/decimal"
)

// ApplyPromotion 为待支付单挂载促销码；失败时支付单保持不变
func (s *PaymentService) ApplyPromotion(ctx context.Context, id uint, code string, userID uint, filters EligibilityFilters) (*models.Payment, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	payment, err := s.pendingWithoutPromotion(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID == 0 {
		userID = payment.UserID
	}
	reservation, err := s.promotions.ValidateAndReserve(ctx, ReserveInput{
		Code:        code,
		UserID:      userID,
		OrderID:     payment.OrderID,
		PaymentID:   payment.ID,
		OrderAmount: payment.RequestedAmount.Decimal,
		Currency:    payment.Currency,
		Filters:     filters,
	})
	if err != nil {
		paymentLogger(payment).Infow("payment_promotion_rejected", "code", code, "reason", CodeOf(err))
		return nil, err
	}
	return s.attachReservations(ctx, payment, []Reservation{*reservation})
}

// ApplyAutoPromotions 自动选择并挂载促销：优先级最高者不可叠加时单独生效，否则叠加全部可叠加促销
func (s *PaymentService) ApplyAutoPromotions(ctx context.Context, id uint, filters EligibilityFilters) (*models.Payment, error) {
	payment, err := s.pendingWithoutPromotion(ctx, id)
	if err != nil {
		return nil, err
	}
	quotes, err := s.promotions.GetAutoApplyPromotions(ctx, AutoApplyInput{
		UserID:      payment.UserID,
		OrderID:     payment.OrderID,
		OrderAmount: payment.RequestedAmount.Decimal,
		Currency:    payment.Currency,
		Filters:     filters,
	})
	if err != nil {
		return nil, err
	}
	winners := selectAutoWinners(quotes)
	if len(winners) == 0 {
		return payment, nil
	}

	reservations := make([]Reservation, 0, len(winners))
	for _, winner := range winners {
		reservation, err := s.promotions.ValidateAndReserve(ctx, ReserveInput{
			Code:        winner.Code,
			UserID:      payment.UserID,
			OrderID:     payment.OrderID,
			PaymentID:   payment.ID,
			OrderAmount: payment.RequestedAmount.Decimal,
			Currency:    payment.Currency,
			Filters:     filters,
		})
		if err != nil {
			if _, rejected := RejectionReason(err); rejected {
				paymentLogger(payment).Infow("payment_auto_promotion_skipped", "code", winner.Code, "reason", CodeOf(err))
				continue
			}
			s.compensate(ctx, payment, reservations)
			return nil, err
		}
		reservations = append(reservations, *reservation)
	}
	if len(reservations) == 0 {
		return payment, nil
	}
	return s.attachReservations(ctx, payment, reservations)
}

// RemovePromotion 卸载促销并释放预占
func (s *PaymentService) RemovePromotion(ctx context.Context, id uint) (*models.Payment, error) {
	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != constants.PaymentStatusPending {
		return nil, fmt.Errorf("%w: promotion can only be removed while PENDING", ErrInvalidState)
	}
	if !payment.HasPromotion() {
		return nil, ErrNoPromotionAttached
	}
	rows, err := s.paymentRepo.UpdateStatusCAS(payment.ID, payment.Status, payment.Version, map[string]interface{}{
		"discount_amount":    models.ZeroMoney(),
		"final_amount":       payment.RequestedAmount,
		"promotion_usage_id": nil,
		"extra_usage_ids":    models.UintArray{},
		"promotion_code":     "",
		"free_shipping":      false,
	})
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrPaymentStateChanged
	}
	s.releaseUsages(ctx, payment, constants.PromotionUsageStatusCancelled)
	paymentLogger(payment).Infow("payment_promotion_removed", "usage_ids", payment.UsageIDs())
	return s.Get(ctx, id)
}

func (s *PaymentService) pendingWithoutPromotion(ctx context.Context, id uint) (*models.Payment, error) {
	if s.promotions == nil {
		return nil, fmt.Errorf("%w: promotion client not configured", ErrExternalService)
	}
	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != constants.PaymentStatusPending {
		return nil, fmt.Errorf("%w: promotion can only be applied while PENDING", ErrInvalidState)
	}
	if payment.HasPromotion() {
		return nil, ErrPromotionAlreadyAttached
	}
	return payment, nil
}

// attachReservations 以 CAS 写入折扣与使用记录；写入失败时释放全部预占
func (s *PaymentService) attachReservations(ctx context.Context, payment *models.Payment, reservations []Reservation) (*models.Payment, error) {
	quotes := make([]DiscountQuote, 0, len(reservations))
	extra := models.UintArray{}
	codes := make([]string, 0, len(reservations))
	for i, reservation := range reservations {
		quotes = append(quotes, reservation.Quote)
		codes = append(codes, reservation.Quote.Code)
		if i > 0 {
			extra = append(extra, reservation.UsageID)
		}
	}
	discount, freeShipping := combineQuotes(quotes, payment.RequestedAmount.Decimal, payment.Currency)
	final := models.NewMoneyForCurrency(payment.RequestedAmount.Sub(discount.Decimal), payment.Currency)
	if final.LessThan(decimal.Zero) {
		final = models.ZeroMoney()
	}
	primary := reservations[0].UsageID

	rows, err := s.paymentRepo.UpdateStatusCAS(payment.ID, constants.PaymentStatusPending, payment.Version, map[string]interface{}{
		"discount_amount":    discount,
		"final_amount":       final,
		"promotion_usage_id": primary,
		"extra_usage_ids":    extra,
		"promotion_code":     strings.Join(codes, ","),
		"free_shipping":      freeShipping,
	})
	if err == nil && rows == 0 {
		err = ErrPaymentStateChanged
	}
	if err != nil {
		s.compensate(ctx, payment, reservations)
		return nil, err
	}
	paymentLogger(payment).Infow("payment_promotion_applied",
		"codes", codes,
		"discount", discount.String(),
		"final", final.String(),
		"free_shipping", freeShipping,
	)
	return s.Get(ctx, payment.ID)
}

// compensate 支付侧写入失败时回滚预占
func (s *PaymentService) compensate(ctx context.Context, payment *models.Payment, reservations []Reservation) {
	for _, reservation := range reservations {
		if _, err := s.promotions.Release(ctx, reservation.UsageID, constants.PromotionUsageStatusCancelled); err != nil {
			paymentLogger(payment).Errorw("payment_promotion_compensate_failed", "usage_id", reservation.UsageID, "error", err)
		}
	}
}

// selectAutoWinners 排序后的报价中，首个不可叠加则单独生效，否则取全部可叠加项
func selectAutoWinners(quotes []DiscountQuote) []DiscountQuote {
	if len(quotes) == 0 {
		return nil
	}
	if !quotes[0].Stackable {
		return quotes[:1]
	}
	winners := make([]DiscountQuote, 0, len(quotes))
	for _, quote := range quotes {
		if quote.Stackable {
			winners = append(winners, quote)
		}
	}
	return winners
}

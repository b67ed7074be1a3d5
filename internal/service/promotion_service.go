package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/metrics"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// errReserveLost 版本冲突，需从校验开始重试
var errReserveLost = errors.New("promotion reservation lost race")

// EligibilityFilters 订单侧的适用范围信息
type EligibilityFilters struct {
	ProductIDs    []uint   `json:"product_ids"`
	CategoryIDs   []uint   `json:"category_ids"`
	BrandIDs      []uint   `json:"brand_ids"`
	UserGroups    []string `json:"user_groups"`
	FirstTimeUser *bool    `json:"first_time_user"`
}

// ValidateInput 校验输入
type ValidateInput struct {
	Code        string
	UserID      uint
	OrderID     uint
	OrderAmount decimal.Decimal
	Currency    string
	Filters     EligibilityFilters
}

// ReserveInput 校验并预占输入
type ReserveInput struct {
	Code        string
	UserID      uint
	OrderID     uint
	PaymentID   uint
	OrderAmount decimal.Decimal
	Currency    string
	Filters     EligibilityFilters
}

// AutoApplyInput 自动促销查询输入
type AutoApplyInput struct {
	UserID      uint
	OrderID     uint
	OrderAmount decimal.Decimal
	Currency    string
	Filters     EligibilityFilters
}

// Reservation 预占结果
type Reservation struct {
	UsageID uint
	Quote   DiscountQuote
}

// PromotionClient 支付状态机依赖的促销能力
type PromotionClient interface {
	ValidateAndReserve(ctx context.Context, input ReserveInput) (*Reservation, error)
	Release(ctx context.Context, usageID uint, target string) (bool, error)
	GetAutoApplyPromotions(ctx context.Context, input AutoApplyInput) ([]DiscountQuote, error)
}

// PromotionService 促销引擎
type PromotionService struct {
	promotionRepo repository.PromotionRepository
	usageRepo     repository.PromotionUsageRepository
	maxRetries    int
	backoff       time.Duration
	now           func() time.Time
}

// NewPromotionService 创建促销引擎
func NewPromotionService(promotionRepo repository.PromotionRepository, usageRepo repository.PromotionUsageRepository, cfg config.PromotionConfig) *PromotionService {
	maxRetries := cfg.ReserveMaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	backoff := time.Duration(cfg.ReserveBackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 5 * time.Millisecond
	}
	return &PromotionService{
		promotionRepo: promotionRepo,
		usageRepo:     usageRepo,
		maxRetries:    maxRetries,
		backoff:       backoff,
		now:           time.Now,
	}
}

// Validate 纯校验，返回报价或拒绝原因
func (s *PromotionService) Validate(ctx context.Context, input ValidateInput) (*DiscountQuote, error) {
	if input.OrderAmount.LessThanOrEqual(decimal.Zero) || strings.TrimSpace(input.Code) == "" {
		return nil, ErrInvalidRequest
	}
	promotion, err := s.promotionRepo.GetByCode(input.Code)
	if err != nil {
		return nil, err
	}
	return s.evaluate(s.usageRepo, promotion, input)
}

// ValidateAndReserve 校验并原子扣减库存、写入 APPLIED 使用记录
func (s *PromotionService) ValidateAndReserve(ctx context.Context, input ReserveInput) (*Reservation, error) {
	if input.OrderAmount.LessThanOrEqual(decimal.Zero) || strings.TrimSpace(input.Code) == "" || input.UserID == 0 || input.OrderID == 0 {
		return nil, ErrInvalidRequest
	}
	validateInput := ValidateInput{
		Code:        input.Code,
		UserID:      input.UserID,
		OrderID:     input.OrderID,
		OrderAmount: input.OrderAmount,
		Currency:    input.Currency,
		Filters:     input.Filters,
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.waitBeforeRetry(ctx, attempt); err != nil {
				return nil, err
			}
		}
		var reservation *Reservation
		err := models.DB.Transaction(func(tx *gorm.DB) error {
			promotionRepo := s.promotionRepo.WithTx(tx)
			usageRepo := s.usageRepo.WithTx(tx)

			promotion, err := promotionRepo.GetByCode(input.Code)
			if err != nil {
				return err
			}
			quote, err := s.evaluate(usageRepo, promotion, validateInput)
			if err != nil {
				return err
			}
			rows, err := promotionRepo.ReserveStock(promotion.ID, promotion.Version)
			if err != nil {
				return err
			}
			if rows == 0 {
				return errReserveLost
			}

			usage := &models.PromotionUsage{
				PromotionID:    promotion.ID,
				Code:           promotion.Code,
				UserID:         input.UserID,
				OrderID:        input.OrderID,
				OrderAmount:    quote.OrderAmount,
				DiscountAmount: quote.DiscountAmount,
				FinalAmount:    quote.FinalAmount,
				FreeShipping:   quote.FreeShipping,
				Status:         constants.PromotionUsageStatusApplied,
				AppliedAt:      s.now(),
			}
			if input.PaymentID != 0 {
				paymentID := input.PaymentID
				usage.PaymentID = &paymentID
			}
			if err := usageRepo.Create(usage); err != nil {
				return err
			}
			reservation = &Reservation{UsageID: usage.ID, Quote: *quote}
			return nil
		})
		switch {
		case err == nil:
			metrics.PromotionReservations.WithLabelValues("reserved").Inc()
			logger.Infow("promotion_reserved",
				"promotion_id", reservation.Quote.PromotionID,
				"usage_id", reservation.UsageID,
				"order_id", input.OrderID,
				"discount", reservation.Quote.DiscountAmount.String(),
				"attempt", attempt+1,
			)
			return reservation, nil
		case errors.Is(err, errReserveLost):
			metrics.PromotionReservations.WithLabelValues("retry").Inc()
			logger.Debugw("promotion_reserve_retry", "code", input.Code, "order_id", input.OrderID, "attempt", attempt+1)
			continue
		default:
			if reason, ok := RejectionReason(err); ok {
				metrics.PromotionReservations.WithLabelValues(strings.ToLower(reason)).Inc()
			}
			return nil, err
		}
	}
	metrics.PromotionReservations.WithLabelValues("conflict").Inc()
	logger.Warnw("promotion_reserve_conflict", "code", input.Code, "order_id", input.OrderID, "retries", s.maxRetries)
	return nil, ErrReservationConflict
}

// Release 释放预占；已释放的记录再次释放为空操作，返回 false
func (s *PromotionService) Release(ctx context.Context, usageID uint, target string) (bool, error) {
	if usageID == 0 {
		return false, ErrInvalidRequest
	}
	if target != constants.PromotionUsageStatusCancelled && target != constants.PromotionUsageStatusRefunded {
		return false, fmt.Errorf("%w: release target %s", ErrInvalidRequest, target)
	}
	released := false
	var promotionID uint
	err := models.DB.Transaction(func(tx *gorm.DB) error {
		usageRepo := s.usageRepo.WithTx(tx)
		usage, err := usageRepo.GetByID(usageID)
		if err != nil {
			return err
		}
		if usage == nil {
			return ErrUsageNotFound
		}
		promotionID = usage.PromotionID
		if err := checkReleasable(tx, usage, target); err != nil {
			return err
		}
		rows, err := usageRepo.MarkReleased(usageID, target, s.now())
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		stockRows, err := s.promotionRepo.WithTx(tx).ReleaseStock(usage.PromotionID)
		if err != nil {
			return err
		}
		if stockRows == 0 {
			logger.Errorw("promotion_release_counter_invariant",
				"usage_id", usageID,
				"promotion_id", usage.PromotionID,
				"error", ErrInvariantViolation,
			)
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if released {
		metrics.PromotionReleases.WithLabelValues(strings.ToLower(target)).Inc()
		logger.Infow("promotion_released", "usage_id", usageID, "promotion_id", promotionID, "target", target)
	}
	return released, nil
}

// checkReleasable 仍挂在支付单上的使用记录只能跟随支付状态释放：
// CANCELLED 要求支付单已终止，REFUNDED 要求支付单已全额退款
func checkReleasable(tx *gorm.DB, usage *models.PromotionUsage, target string) error {
	if usage.Status != constants.PromotionUsageStatusApplied || usage.PaymentID == nil {
		return nil
	}
	payment, err := repository.NewPaymentRepository(tx).GetByID(*usage.PaymentID)
	if err != nil {
		return err
	}
	linked := payment != nil && slices.Contains(payment.UsageIDs(), usage.ID)
	if target == constants.PromotionUsageStatusRefunded {
		if linked && payment.Status == constants.PaymentStatusRefunded {
			return nil
		}
		return fmt.Errorf("%w: usage %d can only be refunded with its refunded payment", ErrInvalidState, usage.ID)
	}
	if !linked || isReleaseStatus(payment.Status) {
		return nil
	}
	return fmt.Errorf("%w: usage %d is attached to %s payment %d, remove the promotion from the payment instead",
		ErrInvalidState, usage.ID, payment.Status, payment.ID)
}

// GetAutoApplyPromotions 返回可自动应用的促销，按优先级降序、优惠金额降序
func (s *PromotionService) GetAutoApplyPromotions(ctx context.Context, input AutoApplyInput) ([]DiscountQuote, error) {
	if input.OrderAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidRequest
	}
	promotions, err := s.promotionRepo.ListAutoApply(s.now())
	if err != nil {
		return nil, err
	}
	quotes := make([]DiscountQuote, 0, len(promotions))
	for i := range promotions {
		quote, err := s.evaluate(s.usageRepo, &promotions[i], ValidateInput{
			Code:        promotions[i].Code,
			UserID:      input.UserID,
			OrderID:     input.OrderID,
			OrderAmount: input.OrderAmount,
			Currency:    input.Currency,
			Filters:     input.Filters,
		})
		if err != nil {
			if _, ok := RejectionReason(err); ok {
				continue
			}
			return nil, err
		}
		quotes = append(quotes, *quote)
	}
	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].Priority != quotes[j].Priority {
			return quotes[i].Priority > quotes[j].Priority
		}
		return quotes[i].DiscountAmount.GreaterThan(quotes[j].DiscountAmount.Decimal)
	})
	return quotes, nil
}

// evaluate 按固定顺序校验，第一个不满足的条件即为拒绝原因
func (s *PromotionService) evaluate(usageRepo repository.PromotionUsageRepository, promotion *models.Promotion, input ValidateInput) (*DiscountQuote, error) {
	if promotion == nil {
		return nil, reject(constants.PromotionRejectNotFound)
	}
	now := s.now()
	if !promotion.IsActive {
		return nil, reject(constants.PromotionRejectInactive)
	}
	if promotion.StartsAt != nil && now.Before(*promotion.StartsAt) {
		return nil, reject(constants.PromotionRejectNotStarted)
	}
	if promotion.EndsAt != nil && now.After(*promotion.EndsAt) {
		return nil, reject(constants.PromotionRejectExpired)
	}
	if promotion.Stock <= 0 {
		return nil, reject(constants.PromotionRejectOutOfStock)
	}
	if promotion.MinOrderAmount.GreaterThan(decimal.Zero) && input.OrderAmount.LessThan(promotion.MinOrderAmount.Decimal) {
		return nil, reject(constants.PromotionRejectBelowMinimum)
	}
	if !matchesFilters(promotion, input.Filters) {
		return nil, reject(constants.PromotionRejectNotEligible)
	}
	if promotion.FirstTimeOnly {
		if input.Filters.FirstTimeUser != nil && !*input.Filters.FirstTimeUser {
			return nil, reject(constants.PromotionRejectNotEligible)
		}
		if input.UserID != 0 {
			used, err := usageRepo.HasNonCancelledByUser(input.UserID)
			if err != nil {
				return nil, err
			}
			if used {
				return nil, reject(constants.PromotionRejectNotEligible)
			}
		}
	}
	if promotion.MaxUsesPerUser > 0 && input.UserID != 0 {
		count, err := usageRepo.CountAppliedByUser(promotion.ID, input.UserID)
		if err != nil {
			return nil, err
		}
		if count >= int64(promotion.MaxUsesPerUser) {
			return nil, reject(constants.PromotionRejectAlreadyUsedByUser)
		}
	}
	if input.OrderID != 0 {
		existing, err := usageRepo.GetAppliedByPromotionOrder(promotion.ID, input.OrderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, reject(constants.PromotionRejectAlreadyApplied)
		}
	}
	quote := calculateDiscount(promotion, input.OrderAmount, input.Currency)
	return &quote, nil
}

func (s *PromotionService) waitBeforeRetry(ctx context.Context, attempt int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	wait := s.backoff*time.Duration(attempt) + time.Duration(rand.Int64N(int64(s.backoff)+1))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// matchesFilters 空列表表示该维度不限制，否则需至少命中一个
func matchesFilters(promotion *models.Promotion, filters EligibilityFilters) bool {
	if len(promotion.ProductIDs) > 0 && !intersectsUint(promotion.ProductIDs, filters.ProductIDs) {
		return false
	}
	if len(promotion.CategoryIDs) > 0 && !intersectsUint(promotion.CategoryIDs, filters.CategoryIDs) {
		return false
	}
	if len(promotion.BrandIDs) > 0 && !intersectsUint(promotion.BrandIDs, filters.BrandIDs) {
		return false
	}
	if len(promotion.UserGroups) > 0 {
		matched := false
		for _, group := range filters.UserGroups {
			for _, allowed := range promotion.UserGroups {
				if strings.EqualFold(strings.TrimSpace(group), strings.TrimSpace(allowed)) {
					matched = true
					break
				}
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func intersectsUint(allowed models.UintArray, values []uint) bool {
	for _, value := range values {
		if allowed.Contains(value) {
			return true
		}
	}
	return false
}

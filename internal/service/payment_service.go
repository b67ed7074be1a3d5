package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/events"
	"github.com/paysettle/internal/gateway"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/metrics"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/queue"
	"github.com/paysettle/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TaskScheduler 异步任务投递能力，*queue.Client 实现
type TaskScheduler interface {
	EnqueuePaymentExpire(payload queue.PaymentExpirePayload, at time.Time) error
	EnqueueWebhookReconcile(payload queue.WebhookReconcilePayload, delay time.Duration, maxRetry int) error
}

// PaymentService 支付状态机
type PaymentService struct {
	paymentRepo repository.PaymentRepository
	promotions  PromotionClient
	gateway     gateway.Client
	scheduler   TaskScheduler
	publisher   events.Publisher
	ttl         time.Duration
	currencies  map[string]struct{}
	now         func() time.Time
}

// PaymentServiceOptions 支付服务依赖
type PaymentServiceOptions struct {
	PaymentRepo repository.PaymentRepository
	Promotions  PromotionClient
	Gateway     gateway.Client
	Scheduler   TaskScheduler
	Publisher   events.Publisher
	Config      config.PaymentConfig
}

// NewPaymentService 创建支付服务
func NewPaymentService(opts PaymentServiceOptions) *PaymentService {
	currencies := make(map[string]struct{}, len(opts.Config.SupportedCurrencies))
	for _, currency := range opts.Config.SupportedCurrencies {
		if trimmed := strings.ToUpper(strings.TrimSpace(currency)); trimmed != "" {
			currencies[trimmed] = struct{}{}
		}
	}
	gw := opts.Gateway
	if gw == nil {
		gw = gateway.NoopClient{}
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &PaymentService{
		paymentRepo: opts.PaymentRepo,
		promotions:  opts.Promotions,
		gateway:     gw,
		scheduler:   opts.Scheduler,
		publisher:   publisher,
		ttl:         opts.Config.TTL(),
		currencies:  currencies,
		now:         time.Now,
	}
}

// CreatePaymentInput 创建支付输入
type CreatePaymentInput struct {
	OrderID  uint
	UserID   uint
	Amount   decimal.Decimal
	Currency string
	Gateway  string
}

// UpdateStatusInput 通用状态迁移输入
type UpdateStatusInput struct {
	Status               string
	GatewayTransactionID string
	Reason               string
	ErrorCode            string
}

func paymentLogger(payment *models.Payment, kv ...interface{}) *zap.SugaredLogger {
	fields := make([]interface{}, 0, len(kv)+6)
	if payment != nil {
		fields = append(fields, "payment_id", payment.ID, "reference", payment.Reference, "order_id", payment.OrderID)
	}
	fields = append(fields, kv...)
	return logger.SW(fields...)
}

func generatePaymentReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	return "PAY" + now.UTC().Format("20060102150405") + suffix
}

// Create 创建待支付单
func (s *PaymentService) Create(ctx context.Context, input CreatePaymentInput) (*models.Payment, error) {
	if input.OrderID == 0 || input.UserID == 0 {
		return nil, fmt.Errorf("%w: order_id and user_id are required", ErrInvalidRequest)
	}
	gatewayName := strings.TrimSpace(input.Gateway)
	if gatewayName == "" {
		return nil, fmt.Errorf("%w: gateway is required", ErrInvalidRequest)
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if _, ok := s.currencies[currency]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrCurrencyUnsupported, currency)
	}
	amount := models.NewMoneyForCurrency(input.Amount, currency)
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	now := s.now()
	payment := &models.Payment{
		Reference:        generatePaymentReference(now),
		OrderID:          input.OrderID,
		UserID:           input.UserID,
		RequestedAmount:  amount,
		DiscountAmount:   models.ZeroMoney(),
		FinalAmount:      amount,
		RefundableAmount: models.ZeroMoney(),
		RefundedAmount:   models.ZeroMoney(),
		Currency:         currency,
		Gateway:          gatewayName,
		Status:           constants.PaymentStatusPending,
		InitiatedAt:      now,
		ExpiresAt:        now.Add(s.ttl),
	}
	if err := s.paymentRepo.Create(payment); err != nil {
		return nil, err
	}
	paymentLogger(payment).Infow("payment_created", "amount", amount.String(), "currency", currency, "expires_at", payment.ExpiresAt)

	if s.scheduler != nil {
		if err := s.scheduler.EnqueuePaymentExpire(queue.PaymentExpirePayload{PaymentID: payment.ID}, payment.ExpiresAt); err != nil {
			// 投递失败时由定时扫描兜底
			paymentLogger(payment).Warnw("payment_expire_enqueue_failed", "error", err)
		}
	}
	s.publish(ctx, payment, "", "")
	return payment, nil
}

// Get 获取支付单
func (s *PaymentService) Get(ctx context.Context, id uint) (*models.Payment, error) {
	payment, err := s.paymentRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// GetByReference 根据对外单号获取支付单
func (s *PaymentService) GetByReference(ctx context.Context, reference string) (*models.Payment, error) {
	payment, err := s.paymentRepo.GetByReference(reference)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// List 支付列表
func (s *PaymentService) List(ctx context.Context, filter repository.PaymentListFilter) ([]models.Payment, int64, error) {
	return s.paymentRepo.List(filter)
}

// ListTransactions 获取支付流水
func (s *PaymentService) ListTransactions(ctx context.Context, id uint) ([]models.PaymentTransaction, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.paymentRepo.ListTransactions(id)
}

// Process PENDING -> PROCESSING 并提交网关；已在 PROCESSING 时直接返回
func (s *PaymentService) Process(ctx context.Context, id uint) (*models.Payment, error) {
	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status == constants.PaymentStatusProcessing {
		return payment, nil
	}
	if payment.Status != constants.PaymentStatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, payment.Status, constants.PaymentStatusProcessing)
	}
	payment, err = s.markProcessing(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.Authorize(ctx, gateway.AuthorizeRequest{
		PaymentReference: payment.Reference,
		OrderID:          payment.OrderID,
		Amount:           payment.FinalAmount.StringFixed(models.CurrencyScale(payment.Currency)),
		Currency:         payment.Currency,
		Gateway:          payment.Gateway,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			paymentLogger(payment).Warnw("payment_gateway_rejected", "error", err)
			if _, failErr := s.Fail(ctx, id, "gateway rejected authorization", ErrGatewayRejected.Code); failErr != nil {
				paymentLogger(payment).Errorw("payment_fail_after_reject_failed", "error", failErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
		}
		paymentLogger(payment).Warnw("payment_gateway_unavailable", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrExternalService, err)
	}

	if ref := strings.TrimSpace(result.GatewayReference); ref != "" {
		rows, err := s.paymentRepo.UpdateStatusCAS(payment.ID, payment.Status, payment.Version, map[string]interface{}{
			"gateway_reference": ref,
		})
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			// 网关回调可能已先行推进状态
			return s.Get(ctx, id)
		}
	}
	return s.Get(ctx, id)
}

func (s *PaymentService) markProcessing(ctx context.Context, id uint) (*models.Payment, error) {
	return s.transition(ctx, id, constants.PaymentStatusProcessing, "", func(_ *gorm.DB, _ *models.Payment, updates map[string]interface{}) error {
		updates["processing_at"] = s.now()
		return nil
	})
}

// Confirm PROCESSING -> COMPLETED，记录网关交易号并追加 CAPTURE 流水
func (s *PaymentService) Confirm(ctx context.Context, id uint, gatewayTxnID string) (*models.Payment, error) {
	return s.confirm(ctx, id, gatewayTxnID, "")
}

// ConfirmCapture 网关已扣款的确认；PENDING 支付单在同一事务内经 PROCESSING 完成
func (s *PaymentService) ConfirmCapture(ctx context.Context, id uint, gatewayTxnID string) (*models.Payment, error) {
	return s.confirm(ctx, id, gatewayTxnID, constants.PaymentStatusProcessing)
}

func (s *PaymentService) confirm(ctx context.Context, id uint, gatewayTxnID, via string) (*models.Payment, error) {
	gatewayTxnID = strings.TrimSpace(gatewayTxnID)
	if gatewayTxnID == "" {
		return nil, fmt.Errorf("%w: gateway transaction id is required", ErrInvalidRequest)
	}
	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if isSettledStatus(payment.Status) && payment.GatewayTransactionID != nil && *payment.GatewayTransactionID == gatewayTxnID {
		return payment, nil
	}
	owner, err := s.paymentRepo.GetByGatewayTransactionID(gatewayTxnID)
	if err != nil {
		return nil, err
	}
	if owner != nil && owner.ID != id {
		paymentLogger(payment).Warnw("payment_duplicate_gateway_transaction", "gateway_transaction_id", gatewayTxnID, "owner_payment_id", owner.ID)
		return nil, ErrDuplicateGatewayTransaction
	}

	confirmed, err := s.transitionVia(ctx, id, via, constants.PaymentStatusCompleted, "", func(tx *gorm.DB, current *models.Payment, updates map[string]interface{}) error {
		now := s.now()
		if current.Status == constants.PaymentStatusPending {
			updates["processing_at"] = now
		}
		txnID := gatewayTxnID
		updates["gateway_transaction_id"] = &txnID
		updates["completed_at"] = now
		updates["refundable_amount"] = current.FinalAmount
		updates["refunded_amount"] = models.ZeroMoney()
		return s.paymentRepo.WithTx(tx).AppendTransaction(&models.PaymentTransaction{
			PaymentID:        current.ID,
			PaymentReference: current.Reference,
			Type:             constants.PaymentTxnTypeCapture,
			Amount:           current.FinalAmount,
			Currency:         current.Currency,
			GatewayReference: gatewayTxnID,
			Status:           constants.PaymentTxnStatusSucceeded,
			CreatedAt:        now,
		})
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrDuplicateGatewayTransaction
	}
	return confirmed, err
}

// Fail PENDING/PROCESSING -> FAILED，释放促销预占
func (s *PaymentService) Fail(ctx context.Context, id uint, reason, errorCode string) (*models.Payment, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, id, constants.PaymentStatusFailed, reason, func(_ *gorm.DB, _ *models.Payment, updates map[string]interface{}) error {
		updates["failure_reason"] = reason
		updates["error_code"] = strings.TrimSpace(errorCode)
		updates["failed_at"] = s.now()
		return nil
	})
}

// Cancel PENDING/PROCESSING -> CANCELLED，释放促销预占
func (s *PaymentService) Cancel(ctx context.Context, id uint, reason string) (*models.Payment, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, id, constants.PaymentStatusCancelled, reason, func(_ *gorm.DB, _ *models.Payment, updates map[string]interface{}) error {
		updates["failure_reason"] = reason
		updates["cancelled_at"] = s.now()
		return nil
	})
}

// Expire 到期的 PENDING/PROCESSING -> EXPIRED，释放促销预占
func (s *PaymentService) Expire(ctx context.Context, id uint) (*models.Payment, error) {
	return s.transition(ctx, id, constants.PaymentStatusExpired, "payment expired", func(_ *gorm.DB, current *models.Payment, updates map[string]interface{}) error {
		now := s.now()
		if current.ExpiresAt.After(now) {
			return fmt.Errorf("%w: payment expires at %s", ErrInvalidState, current.ExpiresAt.Format(time.RFC3339))
		}
		updates["failure_reason"] = "payment expired"
		updates["expired_at"] = now
		return nil
	})
}

// UpdateStatus 通用状态分发，供回调对账使用
func (s *PaymentService) UpdateStatus(ctx context.Context, id uint, input UpdateStatusInput) (*models.Payment, error) {
	status := strings.ToUpper(strings.TrimSpace(input.Status))
	switch status {
	case constants.PaymentStatusProcessing:
		payment, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if payment.Status == constants.PaymentStatusProcessing {
			return payment, nil
		}
		return s.markProcessing(ctx, id)
	case constants.PaymentStatusCompleted:
		return s.Confirm(ctx, id, input.GatewayTransactionID)
	case constants.PaymentStatusFailed:
		return s.Fail(ctx, id, input.Reason, input.ErrorCode)
	case constants.PaymentStatusCancelled:
		return s.Cancel(ctx, id, input.Reason)
	case constants.PaymentStatusExpired:
		return s.Expire(ctx, id)
	case constants.PaymentStatusPending, constants.PaymentStatusPartiallyRefunded, constants.PaymentStatusRefunded:
		// 退款只能经由退款台账，PENDING 不可重入
		return nil, fmt.Errorf("%w: %s cannot be set by status update", ErrInvalidState, status)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, input.Status)
	}
}

type transitionMutator func(tx *gorm.DB, current *models.Payment, updates map[string]interface{}) error

// transitionAttempts CAS 落败后重新读取并重试的上限
const transitionAttempts = 3

// transition 在事务内校验迁移表并以 CAS 写入，提交后执行释放与事件投递
func (s *PaymentService) transition(ctx context.Context, id uint, to, reason string, mutate transitionMutator) (*models.Payment, error) {
	return s.transitionVia(ctx, id, "", to, reason, mutate)
}

// transitionVia 与 transition 相同；via 非空且当前状态不能直达时，允许经 via 两步迁移并一次写入
func (s *PaymentService) transitionVia(ctx context.Context, id uint, via, to, reason string, mutate transitionMutator) (*models.Payment, error) {
	var from string
	var hops []string
	var updated *models.Payment
	var err error
	for attempt := 1; attempt <= transitionAttempts; attempt++ {
		err = models.DB.Transaction(func(tx *gorm.DB) error {
			repo := s.paymentRepo.WithTx(tx)
			current, err := repo.GetByID(id)
			if err != nil {
				return err
			}
			if current == nil {
				return ErrPaymentNotFound
			}
			hops = transitionPath(current.Status, via, to)
			if hops == nil {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidState, current.Status, to)
			}
			updates := map[string]interface{}{"status": to}
			if mutate != nil {
				if err := mutate(tx, current, updates); err != nil {
					return err
				}
			}
			rows, err := repo.UpdateStatusCAS(current.ID, current.Status, current.Version, updates)
			if err != nil {
				return err
			}
			if rows == 0 {
				return ErrPaymentStateChanged
			}
			from = current.Status
			updated, err = repo.GetByID(id)
			return err
		})
		if !errors.Is(err, ErrPaymentStateChanged) {
			break
		}
		logger.Debugw("payment_transition_retry", "payment_id", id, "to", to, "attempt", attempt)
	}
	if err != nil {
		if KindOf(err) == KindConflict {
			logger.Infow("payment_transition_rejected", "payment_id", id, "to", to, "error", err)
		}
		return nil, err
	}

	prev := from
	for _, hop := range hops {
		metrics.PaymentTransitions.WithLabelValues(prev, hop).Inc()
		paymentLogger(updated).Infow("payment_status_changed", "from", prev, "to", hop, "reason", reason)
		snapshot := *updated
		snapshot.Status = hop
		s.publish(ctx, &snapshot, prev, reason)
		prev = hop
	}
	if isReleaseStatus(to) {
		s.releaseUsages(ctx, updated, constants.PromotionUsageStatusCancelled)
	}
	return updated, nil
}

// transitionPath 返回从 from 到 to 依次经过的状态；非法时返回 nil
func transitionPath(from, via, to string) []string {
	if CanTransition(from, to) {
		return []string{to}
	}
	if via != "" && CanTransition(from, via) && CanTransition(via, to) {
		return []string{via, to}
	}
	return nil
}

// releaseUsages 释放支付单挂载的全部使用记录；失败由孤儿扫描补偿
func (s *PaymentService) releaseUsages(ctx context.Context, payment *models.Payment, target string) {
	if s.promotions == nil || payment == nil {
		return
	}
	for _, usageID := range payment.UsageIDs() {
		if _, err := s.promotions.Release(ctx, usageID, target); err != nil {
			paymentLogger(payment).Errorw("payment_promotion_release_failed", "usage_id", usageID, "target", target, "error", err)
		}
	}
}

func (s *PaymentService) publish(ctx context.Context, payment *models.Payment, from, reason string) {
	if s.publisher == nil || payment == nil {
		return
	}
	event := events.PaymentStatusChanged{
		PaymentID:      payment.ID,
		Reference:      payment.Reference,
		OrderID:        payment.OrderID,
		UserID:         payment.UserID,
		FromStatus:     from,
		ToStatus:       payment.Status,
		FinalAmount:    payment.FinalAmount.String(),
		RefundedAmount: payment.RefundedAmount.String(),
		Currency:       payment.Currency,
		Reason:         reason,
		OccurredAt:     s.now(),
	}
	if payment.GatewayTransactionID != nil {
		event.GatewayTransactionID = *payment.GatewayTransactionID
	}
	if err := s.publisher.PublishPaymentStatus(ctx, event); err != nil {
		paymentLogger(payment).Warnw("payment_event_publish_failed", "to", payment.Status, "error", err)
	}
}

// isSettledStatus 已完成扣款（含退款子状态）
func isSettledStatus(status string) bool {
	switch status {
	case constants.PaymentStatusCompleted, constants.PaymentStatusPartiallyRefunded, constants.PaymentStatusRefunded:
		return true
	}
	return false
}

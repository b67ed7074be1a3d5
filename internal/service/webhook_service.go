package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paysettle/internal/cache"
	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/metrics"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/queue"
	"github.com/paysettle/internal/repository"

	"go.uber.org/zap"
)

// WebhookNotification 网关支付状态通知
type WebhookNotification struct {
	Gateway              string
	GatewayTransactionID string
	EventType            string
	OrderID              uint
	PaymentReference     string
	PaymentStatus        string
	Reason               string
	ErrorCode            string
	Payload              models.JSON
}

// WebhookResult 回调处理结果
type WebhookResult struct {
	EventID   uint   `json:"event_id"`
	Outcome   string `json:"outcome"`
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate"`
	PaymentID uint   `json:"payment_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// PaymentTransitioner 回调对账依赖的状态机能力，*PaymentService 实现
type PaymentTransitioner interface {
	Get(ctx context.Context, id uint) (*models.Payment, error)
	ConfirmCapture(ctx context.Context, id uint, gatewayTxnID string) (*models.Payment, error)
	Fail(ctx context.Context, id uint, reason, errorCode string) (*models.Payment, error)
	UpdateStatus(ctx context.Context, id uint, input UpdateStatusInput) (*models.Payment, error)
}

// WebhookService 回调对账
type WebhookService struct {
	payments     PaymentTransitioner
	paymentRepo  repository.PaymentRepository
	eventRepo    repository.WebhookEventRepository
	scheduler    TaskScheduler
	dedupTTL     time.Duration
	maxAttempts  int
	retryBackoff time.Duration
	now          func() time.Time
}

// NewWebhookService 创建回调对账服务
func NewWebhookService(payments PaymentTransitioner, paymentRepo repository.PaymentRepository, eventRepo repository.WebhookEventRepository, scheduler TaskScheduler, cfg config.WebhookConfig) *WebhookService {
	dedupTTL := time.Duration(cfg.DedupTTLSeconds) * time.Second
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoff := time.Duration(cfg.RetryBackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	return &WebhookService{
		payments:     payments,
		paymentRepo:  paymentRepo,
		eventRepo:    eventRepo,
		scheduler:    scheduler,
		dedupTTL:     dedupTTL,
		maxAttempts:  maxAttempts,
		retryBackoff: backoff,
		now:          time.Now,
	}
}

// eventKey 去重键中的事件部分，状态通知带上目标状态
func eventKey(eventType, status string) string {
	if eventType == constants.WebhookEventPaymentStatus {
		return eventType + ":" + status
	}
	return eventType
}

func dedupCacheKey(txnID, key string) string {
	return "webhook:dedup:" + txnID + ":" + key
}

func normalizeNotification(n WebhookNotification) (WebhookNotification, error) {
	n.Gateway = strings.TrimSpace(n.Gateway)
	n.GatewayTransactionID = strings.TrimSpace(n.GatewayTransactionID)
	n.EventType = strings.ToLower(strings.TrimSpace(n.EventType))
	n.PaymentReference = strings.TrimSpace(n.PaymentReference)
	n.PaymentStatus = strings.ToUpper(strings.TrimSpace(n.PaymentStatus))
	n.Reason = strings.TrimSpace(n.Reason)
	n.ErrorCode = strings.TrimSpace(n.ErrorCode)

	if n.GatewayTransactionID == "" {
		return n, fmt.Errorf("%w: gateway_transaction_id is required", ErrWebhookPayloadInvalid)
	}
	if n.OrderID == 0 && n.PaymentReference == "" {
		return n, fmt.Errorf("%w: order_id or payment_reference is required", ErrWebhookPayloadInvalid)
	}
	switch n.EventType {
	case constants.WebhookEventPaymentConfirmed, constants.WebhookEventPaymentFailed:
	case constants.WebhookEventPaymentStatus:
		if !IsKnownPaymentStatus(n.PaymentStatus) {
			return n, fmt.Errorf("%w: unknown status %q", ErrWebhookPayloadInvalid, n.PaymentStatus)
		}
	default:
		return n, fmt.Errorf("%w: unknown event type %q", ErrWebhookPayloadInvalid, n.EventType)
	}
	return n, nil
}

func notificationPayload(n WebhookNotification) models.JSON {
	return models.JSON{
		"notification": map[string]interface{}{
			"gateway":                n.Gateway,
			"gateway_transaction_id": n.GatewayTransactionID,
			"event_type":             n.EventType,
			"order_id":               n.OrderID,
			"payment_reference":      n.PaymentReference,
			"payment_status":         n.PaymentStatus,
			"reason":                 n.Reason,
			"error_code":             n.ErrorCode,
		},
		"raw": map[string]interface{}(n.Payload),
	}
}

func notificationFromEvent(event *models.WebhookEvent) WebhookNotification {
	n := WebhookNotification{
		Gateway:              event.Gateway,
		GatewayTransactionID: event.GatewayTransactionID,
		OrderID:              event.OrderID,
		PaymentReference:     event.PaymentReference,
	}
	n.EventType, n.PaymentStatus, _ = strings.Cut(event.EventType, ":")
	stored, _ := event.Payload["notification"].(map[string]interface{})
	if reason, ok := stored["reason"].(string); ok {
		n.Reason = reason
	}
	if code, ok := stored["error_code"].(string); ok {
		n.ErrorCode = code
	}
	return n
}

// Handle 处理一次网关通知；重复投递直接确认，外部依赖失败转入异步重试
func (s *WebhookService) Handle(ctx context.Context, input WebhookNotification) (*WebhookResult, error) {
	n, err := normalizeNotification(input)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(input.EventType, "invalid").Inc()
		return nil, err
	}
	key := eventKey(n.EventType, n.PaymentStatus)
	log := logger.SW("gateway_transaction_id", n.GatewayTransactionID, "event_type", key, "order_id", n.OrderID, "payment_reference", n.PaymentReference)

	cacheKey := dedupCacheKey(n.GatewayTransactionID, key)
	fresh, err := cache.Claim(ctx, cacheKey, map[string]interface{}{"received_at": s.now().Unix()}, s.dedupTTL)
	if err != nil {
		// Redis 不可用时退回持久化去重
		log.Warnw("webhook_dedup_cache_failed", "error", err)
		fresh = true
	}
	if !fresh {
		return s.duplicate(n, key, log)
	}

	event := &models.WebhookEvent{
		Gateway:              n.Gateway,
		GatewayTransactionID: n.GatewayTransactionID,
		EventType:            key,
		OrderID:              n.OrderID,
		PaymentReference:     n.PaymentReference,
		Payload:              notificationPayload(n),
		Status:               constants.WebhookStatusReceived,
		Attempts:             1,
	}
	created, err := s.eventRepo.CreateIfAbsent(event)
	if err != nil {
		_ = cache.Release(ctx, cacheKey)
		return nil, err
	}
	if !created {
		return s.duplicate(n, key, log)
	}

	payment, applyErr := s.apply(ctx, n)
	result, err := s.settle(ctx, event, payment, applyErr, log)
	if err != nil {
		if delErr := s.eventRepo.Delete(event.ID); delErr != nil {
			log.Errorw("webhook_event_cleanup_failed", "event_id", event.ID, "error", delErr)
		}
		_ = cache.Release(ctx, cacheKey)
		metrics.WebhookEvents.WithLabelValues(n.EventType, "error").Inc()
		return nil, err
	}
	metrics.WebhookEvents.WithLabelValues(n.EventType, result.Outcome).Inc()
	return result, nil
}

func (s *WebhookService) duplicate(n WebhookNotification, key string, log *zap.SugaredLogger) (*WebhookResult, error) {
	result := &WebhookResult{Outcome: constants.WebhookOutcomeDuplicate, Duplicate: true}
	if event, err := s.eventRepo.GetByKey(n.GatewayTransactionID, key); err == nil && event != nil {
		result.EventID = event.ID
		if event.PaymentID != nil {
			result.PaymentID = *event.PaymentID
		}
	}
	log.Infow("webhook_duplicate_ignored", "event_id", result.EventID)
	metrics.WebhookEvents.WithLabelValues(n.EventType, constants.WebhookOutcomeDuplicate).Inc()
	return result, nil
}

// settle 按处理结果写回事件状态；内部错误返回给调用方以便网关重投
func (s *WebhookService) settle(ctx context.Context, event *models.WebhookEvent, payment *models.Payment, applyErr error, log *zap.SugaredLogger) (*WebhookResult, error) {
	now := s.now()
	result := &WebhookResult{EventID: event.ID}
	updates := map[string]interface{}{}
	if payment != nil {
		result.PaymentID = payment.ID
		result.Status = payment.Status
		updates["payment_id"] = payment.ID
	}

	switch retryKind(applyErr) {
	case "":
		result.Outcome = constants.WebhookOutcomeApplied
		result.Applied = true
		updates["status"] = constants.WebhookStatusProcessed
		updates["processed_at"] = now
		log.Infow("webhook_applied", "event_id", event.ID, "payment_status", result.Status)
	case KindNotFound:
		result.Outcome = constants.WebhookOutcomePaymentNotFound
		updates["status"] = constants.WebhookStatusIgnored
		updates["last_error"] = applyErr.Error()
		updates["processed_at"] = now
		log.Warnw("webhook_payment_not_found", "event_id", event.ID)
	case KindConflict, KindValidation:
		result.Outcome = constants.WebhookOutcomeRejected
		updates["status"] = constants.WebhookStatusIgnored
		updates["last_error"] = applyErr.Error()
		updates["processed_at"] = now
		log.Warnw("webhook_transition_rejected", "event_id", event.ID, "code", CodeOf(applyErr), "error", applyErr)
	case KindExternal:
		result.Outcome = constants.WebhookOutcomeQueuedForRetry
		updates["status"] = constants.WebhookStatusPendingRetry
		updates["last_error"] = applyErr.Error()
		log.Warnw("webhook_queued_for_retry", "event_id", event.ID, "error", applyErr)
	default:
		return nil, applyErr
	}

	if err := s.eventRepo.Update(event.ID, updates); err != nil {
		return nil, err
	}
	if result.Outcome == constants.WebhookOutcomeQueuedForRetry && s.scheduler != nil {
		if err := s.scheduler.EnqueueWebhookReconcile(queue.WebhookReconcilePayload{EventID: event.ID}, s.retryBackoff, s.maxAttempts); err != nil {
			// 定时扫描会捡起 PENDING_RETRY 记录
			log.Warnw("webhook_retry_enqueue_failed", "event_id", event.ID, "error", err)
		}
	}
	return result, nil
}

// resolvePayment 优先按支付单号定位，其次取订单最近一笔
func (s *WebhookService) resolvePayment(n WebhookNotification) (*models.Payment, error) {
	if n.PaymentReference != "" {
		payment, err := s.paymentRepo.GetByReference(n.PaymentReference)
		if err != nil || payment != nil {
			return payment, err
		}
	}
	if n.OrderID != 0 {
		return s.paymentRepo.GetLatestByOrder(n.OrderID)
	}
	return nil, nil
}

// apply 将通知映射为状态机操作
func (s *WebhookService) apply(ctx context.Context, n WebhookNotification) (*models.Payment, error) {
	payment, err := s.resolvePayment(n)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}

	confirm := n.EventType == constants.WebhookEventPaymentConfirmed ||
		(n.EventType == constants.WebhookEventPaymentStatus && n.PaymentStatus == constants.PaymentStatusCompleted)

	var updated *models.Payment
	switch {
	case confirm:
		updated, err = s.payments.ConfirmCapture(ctx, payment.ID, n.GatewayTransactionID)
	case n.EventType == constants.WebhookEventPaymentFailed:
		reason := n.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		updated, err = s.payments.Fail(ctx, payment.ID, reason, n.ErrorCode)
	default:
		updated, err = s.payments.UpdateStatus(ctx, payment.ID, UpdateStatusInput{
			Status:               n.PaymentStatus,
			GatewayTransactionID: n.GatewayTransactionID,
			Reason:               n.Reason,
			ErrorCode:            n.ErrorCode,
		})
	}
	if err != nil {
		if latest, getErr := s.payments.Get(ctx, payment.ID); getErr == nil {
			return latest, err
		}
		return payment, err
	}
	return updated, nil
}

// Retry 重放 PENDING_RETRY 事件，超过最大次数后置为 FAILED
func (s *WebhookService) Retry(ctx context.Context, eventID uint) (*WebhookResult, error) {
	event, err := s.eventRepo.GetByID(eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrWebhookEventNotFound
	}
	log := logger.SW("event_id", event.ID, "gateway_transaction_id", event.GatewayTransactionID, "event_type", event.EventType)
	if event.Status != constants.WebhookStatusPendingRetry {
		log.Infow("webhook_retry_skipped", "status", event.Status)
		return &WebhookResult{EventID: event.ID, Outcome: strings.ToLower(event.Status)}, nil
	}

	attempts := event.Attempts + 1
	n := notificationFromEvent(event)
	payment, applyErr := s.apply(ctx, n)
	updates := map[string]interface{}{"attempts": attempts}
	result := &WebhookResult{EventID: event.ID}
	if payment != nil {
		result.PaymentID = payment.ID
		result.Status = payment.Status
		updates["payment_id"] = payment.ID
	}

	kind := retryKind(applyErr)
	switch {
	case kind == "":
		result.Outcome = constants.WebhookOutcomeApplied
		result.Applied = true
		updates["status"] = constants.WebhookStatusProcessed
		updates["last_error"] = ""
		updates["processed_at"] = s.now()
	case kind == KindNotFound || kind == KindConflict || kind == KindValidation:
		result.Outcome = constants.WebhookOutcomeRejected
		if kind == KindNotFound {
			result.Outcome = constants.WebhookOutcomePaymentNotFound
		}
		updates["status"] = constants.WebhookStatusIgnored
		updates["last_error"] = applyErr.Error()
		updates["processed_at"] = s.now()
	case attempts < s.maxAttempts:
		updates["last_error"] = applyErr.Error()
		if err := s.eventRepo.Update(event.ID, updates); err != nil {
			return nil, err
		}
		log.Warnw("webhook_retry_failed", "attempts", attempts, "error", applyErr)
		metrics.WebhookEvents.WithLabelValues(n.EventType, "retry_failed").Inc()
		return nil, applyErr
	default:
		result.Outcome = strings.ToLower(constants.WebhookStatusFailed)
		updates["status"] = constants.WebhookStatusFailed
		updates["last_error"] = applyErr.Error()
		log.Errorw("webhook_retry_exhausted", "attempts", attempts, "error", applyErr)
	}

	if err := s.eventRepo.Update(event.ID, updates); err != nil {
		return nil, err
	}
	metrics.WebhookEvents.WithLabelValues(n.EventType, result.Outcome).Inc()
	log.Infow("webhook_retry_settled", "attempts", attempts, "outcome", result.Outcome)
	return result, nil
}

// retryKind 回调处理使用的错误分类：CAS 落败只是并发写入，按外部错误重试而非忽略
func retryKind(err error) ErrorKind {
	if errors.Is(err, ErrPaymentStateChanged) {
		return KindExternal
	}
	return KindOf(err)
}

// IsRetryable 判断重试任务是否应继续交给队列重投
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWebhookEventNotFound) {
		return false
	}
	kind := retryKind(err)
	return kind == KindExternal || kind == KindInternal
}

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/provider"
	"github.com/paysettle/internal/queue"
	"github.com/paysettle/internal/service"

	"github.com/hibiken/asynq"
)

// PaymentExpirer 支付过期能力
type PaymentExpirer interface {
	Expire(ctx context.Context, id uint) (*models.Payment, error)
}

// WebhookRetrier 回调重试能力
type WebhookRetrier interface {
	Retry(ctx context.Context, eventID uint) (*service.WebhookResult, error)
}

// Consumer 异步任务消费者
type Consumer struct {
	Payments PaymentExpirer
	Webhooks WebhookRetrier
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	if c == nil {
		return &Consumer{}
	}
	consumer := &Consumer{}
	if c.PaymentService != nil {
		consumer.Payments = c.PaymentService
	}
	if c.WebhookService != nil {
		consumer.Webhooks = c.WebhookService
	}
	return consumer
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskPaymentExpire, c.handlePaymentExpire)
	mux.HandleFunc(queue.TaskWebhookReconcile, c.handleWebhookReconcile)
}

func (c *Consumer) handlePaymentExpire(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil || c.Payments == nil {
		logger.Debugw("worker_payment_expire_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	payload, err := queue.ParsePaymentExpirePayload(task.Payload())
	if err != nil {
		logger.Warnw("worker_payment_expire_invalid_payload", "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	payment, err := c.Payments.Expire(ctx, payload.PaymentID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentNotFound):
			logger.Debugw("worker_payment_expire_skip_not_found", "payment_id", payload.PaymentID)
			return nil
		case service.KindOf(err) == service.KindConflict:
			// 已终态或尚未到期，由定时清理兜底
			logger.Debugw("worker_payment_expire_skip_state", "payment_id", payload.PaymentID, "error", err)
			return nil
		}
		logger.Warnw("worker_payment_expire_failed", "payment_id", payload.PaymentID, "error", err)
		return err
	}
	logger.Infow("worker_payment_expired", "payment_id", payment.ID, "order_id", payment.OrderID)
	return nil
}

func (c *Consumer) handleWebhookReconcile(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil || c.Webhooks == nil {
		logger.Debugw("worker_webhook_reconcile_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	payload, err := queue.ParseWebhookReconcilePayload(task.Payload())
	if err != nil {
		logger.Warnw("worker_webhook_reconcile_invalid_payload", "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	result, err := c.Webhooks.Retry(ctx, payload.EventID)
	if err != nil {
		if service.IsRetryable(err) {
			logger.Warnw("worker_webhook_reconcile_retry", "event_id", payload.EventID, "error", err)
			return err
		}
		logger.Warnw("worker_webhook_reconcile_dropped", "event_id", payload.EventID, "error", err)
		return nil
	}
	logger.Infow("worker_webhook_reconciled",
		"event_id", result.EventID,
		"outcome", result.Outcome,
		"applied", result.Applied,
		"payment_id", result.PaymentID,
	)
	return nil
}

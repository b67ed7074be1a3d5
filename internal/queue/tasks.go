package queue

import (
	"encoding/json"
	"errors"

	"github.com/paysettle/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskPaymentExpire 支付超时过期任务
	TaskPaymentExpire = constants.TaskPaymentExpire
	// TaskWebhookReconcile 回调补偿重试任务
	TaskWebhookReconcile = constants.TaskWebhookReconcile
)

// PaymentExpirePayload 支付过期任务载荷
type PaymentExpirePayload struct {
	PaymentID uint `json:"payment_id"`
}

func (p PaymentExpirePayload) validate() error {
	if p.PaymentID == 0 {
		return errors.New("payment id is required")
	}
	return nil
}

// WebhookReconcilePayload 回调重试任务载荷
type WebhookReconcilePayload struct {
	EventID uint `json:"event_id"`
}

func (p WebhookReconcilePayload) validate() error {
	if p.EventID == 0 {
		return errors.New("event id is required")
	}
	return nil
}

type payload interface {
	validate() error
}

func newTask(taskType string, p payload) (*asynq.Task, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body), nil
}

func parse[T payload](body []byte) (T, error) {
	var p T
	if err := json.Unmarshal(body, &p); err != nil {
		return p, err
	}
	return p, p.validate()
}

// NewPaymentExpireTask 创建支付过期任务
func NewPaymentExpireTask(p PaymentExpirePayload) (*asynq.Task, error) {
	return newTask(TaskPaymentExpire, p)
}

// NewWebhookReconcileTask 创建回调重试任务
func NewWebhookReconcileTask(p WebhookReconcilePayload) (*asynq.Task, error) {
	return newTask(TaskWebhookReconcile, p)
}

// ParsePaymentExpirePayload 解析支付过期任务载荷
func ParsePaymentExpirePayload(body []byte) (PaymentExpirePayload, error) {
	return parse[PaymentExpirePayload](body)
}

// ParseWebhookReconcilePayload 解析回调重试任务载荷
func ParseWebhookReconcilePayload(body []byte) (WebhookReconcilePayload, error) {
	return parse[WebhookReconcilePayload](body)
}

package events

import (
	"context"
	"sync"
	"time"
)

// PaymentStatusChanged 支付状态变更事件
type PaymentStatusChanged struct {
	PaymentID            uint      `json:"payment_id"`
	Reference            string    `json:"reference"`
	OrderID              uint      `json:"order_id"`
	UserID               uint      `json:"user_id"`
	FromStatus           string    `json:"from_status"`
	ToStatus             string    `json:"to_status"`
	FinalAmount          string    `json:"final_amount"`
	RefundedAmount       string    `json:"refunded_amount"`
	Currency             string    `json:"currency"`
	GatewayTransactionID string    `json:"gateway_transaction_id,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	OccurredAt           time.Time `json:"occurred_at"`
}

// Publisher 支付事件发布接口
type Publisher interface {
	PublishPaymentStatus(ctx context.Context, event PaymentStatusChanged) error
	Close() error
}

// NoopPublisher 不投递任何事件
type NoopPublisher struct{}

// PublishPaymentStatus 丢弃事件
func (NoopPublisher) PublishPaymentStatus(context.Context, PaymentStatusChanged) error {
	return nil
}

// Close 无需释放资源
func (NoopPublisher) Close() error {
	return nil
}

// RecordingPublisher 内存记录事件，用于测试与本地调试
type RecordingPublisher struct {
	mu     sync.Mutex
	events []PaymentStatusChanged
}

// PublishPaymentStatus 追加事件
func (p *RecordingPublisher) PublishPaymentStatus(_ context.Context, event PaymentStatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events 返回已记录事件的副本
func (p *RecordingPublisher) Events() []PaymentStatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaymentStatusChanged, len(p.events))
	copy(out, p.events)
	return out
}

// Close 无需释放资源
func (p *RecordingPublisher) Close() error {
	return nil
}

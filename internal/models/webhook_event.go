package models

import "time"

// WebhookEvent 网关回调去重记录
type WebhookEvent struct {
	ID                   uint       `gorm:"primarykey" json:"id"`                                                     // 主键
	Gateway              string     `gorm:"size:32" json:"gateway"`                                                   // 网关标识
	GatewayTransactionID string     `gorm:"uniqueIndex:idx_webhook_dedup;size:128;not null" json:"gateway_transaction_id"` // 网关交易号
	EventType            string     `gorm:"uniqueIndex:idx_webhook_dedup;size:64;not null" json:"event_type"`        // 事件类型（含状态）
	OrderID              uint       `gorm:"index" json:"order_id"`                                                    // 订单ID
	PaymentReference     string     `gorm:"size:64" json:"payment_reference"`                                         // 支付单号
	PaymentID            *uint      `gorm:"index" json:"payment_id"`                                                  // 解析到的支付单
	Payload              JSON       `gorm:"type:json" json:"payload"`                                                 // 原始通知
	Status               string     `gorm:"index;size:32;not null" json:"status"`                                     // 处理状态
	Attempts             int        `gorm:"not null;default:0" json:"attempts"`                                       // 处理次数
	LastError            string     `gorm:"type:text" json:"last_error"`                                              // 最近错误
	ProcessedAt          *time.Time `json:"processed_at"`                                                             // 完成时间
	CreatedAt            time.Time  `gorm:"index" json:"created_at"`                                                  // 接收时间
	UpdatedAt            time.Time  `json:"updated_at"`                                                               // 更新时间
}

// TableName 指定表名
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

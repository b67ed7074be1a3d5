package models

import "time"

// PaymentTransaction 支付流水（扣款/退款），创建后不可修改
type PaymentTransaction struct {
	ID               uint      `gorm:"primarykey" json:"id"`                                // 主键
	PaymentID        uint      `gorm:"index;not null" json:"payment_id"`                    // 支付单ID
	PaymentReference string    `gorm:"index;size:64;not null" json:"payment_reference"`     // 支付单号快照
	Type             string    `gorm:"size:32;not null" json:"type"`                        // 流水类型
	Amount           Money     `gorm:"type:decimal(20,2);not null" json:"amount"`           // 金额
	Currency         string    `gorm:"size:8;not null" json:"currency"`                     // 币种
	GatewayReference string    `gorm:"size:128" json:"gateway_reference"`                   // 网关流水号
	Status           string    `gorm:"size:32;not null" json:"status"`                      // 状态
	CreatedAt        time.Time `gorm:"index" json:"created_at"`                             // 创建时间
}

// TableName 指定表名
func (PaymentTransaction) TableName() string {
	return "payment_transactions"
}

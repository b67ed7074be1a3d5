package models

import (
	"time"

	"gorm.io/gorm"
)

// Payment 支付单（聚合根，独占其流水记录）
type Payment struct {
	ID                   uint                 `gorm:"primarykey" json:"id"`                                            // 主键
	Reference            string               `gorm:"uniqueIndex;size:64;not null" json:"reference"`                   // 对外支付单号
	OrderID              uint                 `gorm:"index;not null" json:"order_id"`                                  // 订单ID
	UserID               uint                 `gorm:"index;not null" json:"user_id"`                                   // 用户ID
	RequestedAmount      Money                `gorm:"type:decimal(20,2);not null" json:"requested_amount"`             // 请求金额
	DiscountAmount       Money                `gorm:"type:decimal(20,2);not null;default:0" json:"discount_amount"`    // 优惠金额
	FinalAmount          Money                `gorm:"type:decimal(20,2);not null" json:"final_amount"`                 // 实付金额
	RefundableAmount     Money                `gorm:"type:decimal(20,2);not null;default:0" json:"refundable_amount"`  // 可退金额
	RefundedAmount       Money                `gorm:"type:decimal(20,2);not null;default:0" json:"refunded_amount"`    // 已退金额
	RefundingAmount      Money                `gorm:"type:decimal(20,2);not null;default:0" json:"refunding_amount"`   // 已提交网关尚未入账的退款
	RefundingAt          *time.Time           `gorm:"index" json:"refunding_at"`                                       // 退款提交时间
	Currency             string               `gorm:"size:8;not null" json:"currency"`                                 // 币种
	Gateway              string               `gorm:"size:32;not null" json:"gateway"`                                 // 网关标识
	GatewayReference     string               `gorm:"size:128" json:"gateway_reference"`                               // 网关受理单号
	GatewayTransactionID *string              `gorm:"uniqueIndex;size:128" json:"gateway_transaction_id"`              // 网关交易号（确认后写入）
	Status               string               `gorm:"index;size:32;not null" json:"status"`                            // 支付状态
	FailureReason        string               `gorm:"type:text" json:"failure_reason"`                                 // 失败原因
	ErrorCode            string               `gorm:"size:64" json:"error_code"`                                       // 错误码
	PromotionUsageID     *uint                `gorm:"index" json:"promotion_usage_id"`                                 // 主促销使用记录
	ExtraUsageIDs        UintArray            `gorm:"type:text" json:"extra_usage_ids"`                                // 叠加促销使用记录
	PromotionCode        string               `gorm:"size:64" json:"promotion_code"`                                   // 促销码快照
	FreeShipping         bool                 `gorm:"not null;default:false" json:"free_shipping"`                     // 是否免运费
	Version              int64                `gorm:"not null;default:0" json:"version"`                               // 乐观锁版本
	InitiatedAt          time.Time            `gorm:"index" json:"initiated_at"`                                       // 创建时间
	ExpiresAt            time.Time            `gorm:"index" json:"expires_at"`                                         // 过期时间
	ProcessingAt         *time.Time           `json:"processing_at"`                                                   // 进入处理时间
	CompletedAt          *time.Time           `json:"completed_at"`                                                    // 完成时间
	FailedAt             *time.Time           `json:"failed_at"`                                                       // 失败时间
	CancelledAt          *time.Time           `json:"cancelled_at"`                                                    // 取消时间
	ExpiredAt            *time.Time           `json:"expired_at"`                                                      // 过期处理时间
	UpdatedAt            time.Time            `gorm:"index" json:"updated_at"`                                         // 更新时间
	DeletedAt            gorm.DeletedAt       `gorm:"index" json:"-"`                                                  // 软删除时间
	Transactions         []PaymentTransaction `gorm:"foreignKey:PaymentID;constraint:OnDelete:RESTRICT" json:"transactions,omitempty"` // 流水（只追加）
}

// TableName 指定表名
func (Payment) TableName() string {
	return "payments"
}

// HasPromotion 是否已挂载促销
func (p *Payment) HasPromotion() bool {
	return p != nil && p.PromotionUsageID != nil
}

// UsageIDs 返回全部挂载的促销使用记录
func (p *Payment) UsageIDs() []uint {
	if p == nil {
		return nil
	}
	ids := make([]uint, 0, 1+len(p.ExtraUsageIDs))
	if p.PromotionUsageID != nil {
		ids = append(ids, *p.PromotionUsageID)
	}
	return append(ids, p.ExtraUsageIDs...)
}

// RemainingRefundable 剩余可退金额
func (p *Payment) RemainingRefundable() Money {
	if p == nil {
		return ZeroMoney()
	}
	return NewMoneyFromDecimal(p.RefundableAmount.Sub(p.RefundedAmount.Decimal))
}

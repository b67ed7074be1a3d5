package models

import "time"

// PromotionUsage 促销使用记录（预占库存的凭证）
type PromotionUsage struct {
	ID             uint       `gorm:"primarykey" json:"id"`                                          // 主键
	PromotionID    uint       `gorm:"index:idx_usage_promotion_order;not null" json:"promotion_id"`  // 促销ID
	Code           string     `gorm:"size:64;not null" json:"code"`                                  // 促销码快照
	UserID         uint       `gorm:"index;not null" json:"user_id"`                                 // 用户ID
	OrderID        uint       `gorm:"index:idx_usage_promotion_order;not null" json:"order_id"`      // 订单ID
	PaymentID      *uint      `gorm:"index" json:"payment_id"`                                       // 支付单ID
	OrderAmount    Money      `gorm:"type:decimal(20,2);not null" json:"order_amount"`               // 订单金额
	DiscountAmount Money      `gorm:"type:decimal(20,2);not null;default:0" json:"discount_amount"`  // 优惠金额（应用时计算，不再重算）
	FinalAmount    Money      `gorm:"type:decimal(20,2);not null" json:"final_amount"`               // 优惠后金额
	FreeShipping   bool       `gorm:"not null;default:false" json:"free_shipping"`                   // 是否免运费
	Status         string     `gorm:"index;size:32;not null" json:"status"`                          // 状态（APPLIED/CANCELLED/REFUNDED）
	AppliedAt      time.Time  `gorm:"index" json:"applied_at"`                                       // 应用时间
	CancelledAt    *time.Time `json:"cancelled_at"`                                                  // 取消时间
	RefundedAt     *time.Time `json:"refunded_at"`                                                   // 退款时间
	UpdatedAt      time.Time  `json:"updated_at"`                                                    // 更新时间
}

// TableName 指定表名
func (PromotionUsage) TableName() string {
	return "promotion_usages"
}

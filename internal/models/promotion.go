package models

import (
	"time"

	"gorm.io/gorm"
)

// Promotion 促销规则（含库存计数）
type Promotion struct {
	ID              uint           `gorm:"primarykey" json:"id"`                                       // 主键
	Code            string         `gorm:"uniqueIndex;size:64;not null" json:"code"`                   // 促销码
	Name            string         `gorm:"not null" json:"name"`                                       // 名称
	Type            string         `gorm:"size:32;not null" json:"type"`                               // 类型（PERCENTAGE/FIXED_AMOUNT/FREE_SHIPPING）
	Percent         Money          `gorm:"type:decimal(6,2);not null;default:0" json:"percent"`        // 折扣百分比
	DiscountAmount  Money          `gorm:"type:decimal(20,2);not null;default:0" json:"discount_amount"` // 固定减免金额
	MaxDiscount     Money          `gorm:"type:decimal(20,2);not null;default:0" json:"max_discount"`  // 最大优惠金额（0 表示不限制）
	MinOrderAmount  Money          `gorm:"type:decimal(20,2);not null;default:0" json:"min_order_amount"` // 使用门槛
	InitialStock    int            `gorm:"not null;default:0" json:"initial_stock"`                    // 发放总量
	Stock           int            `gorm:"not null;default:0" json:"stock"`                            // 剩余可用次数
	UsedCount       int            `gorm:"not null;default:0" json:"used_count"`                       // 已使用次数
	MaxUsesPerUser  int            `gorm:"not null;default:0" json:"max_uses_per_user"`                // 每人使用上限（0 表示不限制）
	StartsAt        *time.Time     `gorm:"index" json:"starts_at"`                                     // 生效时间
	EndsAt          *time.Time     `gorm:"index" json:"ends_at"`                                       // 失效时间
	IsActive        bool           `gorm:"index;not null;default:true" json:"is_active"`               // 是否启用
	Stackable       bool           `gorm:"not null;default:false" json:"stackable"`                    // 是否可叠加
	AutoApply       bool           `gorm:"index;not null;default:false" json:"auto_apply"`             // 是否自动应用
	Priority        int            `gorm:"not null;default:0" json:"priority"`                         // 优先级
	CategoryIDs     UintArray      `gorm:"type:text" json:"category_ids"`                              // 适用分类
	ProductIDs      UintArray      `gorm:"type:text" json:"product_ids"`                               // 适用商品
	BrandIDs        UintArray      `gorm:"type:text" json:"brand_ids"`                                 // 适用品牌
	UserGroups      StringArray    `gorm:"type:text" json:"user_groups"`                               // 适用用户组
	FirstTimeOnly   bool           `gorm:"not null;default:false" json:"first_time_only"`              // 仅限首单用户
	Version         int64          `gorm:"not null;default:0" json:"version"`                          // 乐观锁版本
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`                                    // 创建时间
	UpdatedAt       time.Time      `gorm:"index" json:"updated_at"`                                    // 更新时间
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`                                             // 软删除时间
}

// TableName 指定表名
func (Promotion) TableName() string {
	return "promotions"
}

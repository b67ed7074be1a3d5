package repository

import "time"

// PaymentListFilter 查询支付列表的过滤条件
type PaymentListFilter struct {
	Page        int
	PageSize    int
	UserID      uint
	OrderID     uint
	Gateway     string
	Status      string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// PromotionListFilter 促销列表筛选
type PromotionListFilter struct {
	Code     string
	Keyword  string
	Type     string
	IsActive *bool
	Page     int
	PageSize int
}

// PromotionUsageListFilter 促销使用记录筛选
type PromotionUsageListFilter struct {
	Page        int
	PageSize    int
	PromotionID uint
	UserID      uint
	OrderID     uint
	Status      string
}

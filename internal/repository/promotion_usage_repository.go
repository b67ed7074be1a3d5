package repository

import (
	"errors"
	"time"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/models"

	"gorm.io/gorm"
)

// PromotionUsageRepository 促销使用记录数据访问接口
type PromotionUsageRepository interface {
	Create(usage *models.PromotionUsage) error
	GetByID(id uint) (*models.PromotionUsage, error)
	GetAppliedByPromotionOrder(promotionID, orderID uint) (*models.PromotionUsage, error)
	CountAppliedByUser(promotionID, userID uint) (int64, error)
	CountAppliedByPromotion(promotionID uint) (int64, error)
	HasNonCancelledByUser(userID uint) (bool, error)
	MarkReleased(id uint, target string, at time.Time) (int64, error)
	ListOrphaned(limit int) ([]models.PromotionUsage, error)
	List(filter PromotionUsageListFilter) ([]models.PromotionUsage, int64, error)
	WithTx(tx *gorm.DB) *GormPromotionUsageRepository
}

// GormPromotionUsageRepository GORM 实现
type GormPromotionUsageRepository struct {
	db *gorm.DB
}

// NewPromotionUsageRepository 创建促销使用记录仓库
func NewPromotionUsageRepository(db *gorm.DB) *GormPromotionUsageRepository {
	return &GormPromotionUsageRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPromotionUsageRepository) WithTx(tx *gorm.DB) *GormPromotionUsageRepository {
	if tx == nil {
		return r
	}
	return &GormPromotionUsageRepository{db: tx}
}

// Create 创建使用记录
func (r *GormPromotionUsageRepository) Create(usage *models.PromotionUsage) error {
	return r.db.Create(usage).Error
}

// GetByID 根据ID获取使用记录
func (r *GormPromotionUsageRepository) GetByID(id uint) (*models.PromotionUsage, error) {
	var usage models.PromotionUsage
	if err := r.db.First(&usage, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &usage, nil
}

// GetAppliedByPromotionOrder 获取同一促销+订单下仍有效的使用记录
func (r *GormPromotionUsageRepository) GetAppliedByPromotionOrder(promotionID, orderID uint) (*models.PromotionUsage, error) {
	var usage models.PromotionUsage
	result := r.db.Where("promotion_id = ? AND order_id = ? AND status = ?", promotionID, orderID, constants.PromotionUsageStatusApplied).
		Limit(1).Find(&usage)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &usage, nil
}

// CountAppliedByUser 统计用户在该促销上的有效使用次数
func (r *GormPromotionUsageRepository) CountAppliedByUser(promotionID, userID uint) (int64, error) {
	var count int64
	if err := r.db.Model(&models.PromotionUsage{}).
		Where("promotion_id = ? AND user_id = ? AND status = ?", promotionID, userID, constants.PromotionUsageStatusApplied).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountAppliedByPromotion 统计促销仍被引用的次数
func (r *GormPromotionUsageRepository) CountAppliedByPromotion(promotionID uint) (int64, error) {
	var count int64
	if err := r.db.Model(&models.PromotionUsage{}).
		Where("promotion_id = ? AND status = ?", promotionID, constants.PromotionUsageStatusApplied).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// HasNonCancelledByUser 用户是否存在未取消的使用记录（首单判断）
func (r *GormPromotionUsageRepository) HasNonCancelledByUser(userID uint) (bool, error) {
	var count int64
	if err := r.db.Model(&models.PromotionUsage{}).
		Where("user_id = ? AND status <> ?", userID, constants.PromotionUsageStatusCancelled).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkReleased 仅当记录仍为 APPLIED 时改为目标状态，返回 0 表示已释放过
func (r *GormPromotionUsageRepository) MarkReleased(id uint, target string, at time.Time) (int64, error) {
	updates := map[string]interface{}{
		"status":     target,
		"updated_at": at,
	}
	switch target {
	case constants.PromotionUsageStatusCancelled:
		updates["cancelled_at"] = at
	case constants.PromotionUsageStatusRefunded:
		updates["refunded_at"] = at
	default:
		return 0, errors.New("invalid usage release target")
	}
	result := r.db.Model(&models.PromotionUsage{}).
		Where("id = ? AND status = ?", id, constants.PromotionUsageStatusApplied).
		UpdateColumns(updates)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ListOrphaned 获取支付已终止但仍为 APPLIED 的使用记录
func (r *GormPromotionUsageRepository) ListOrphaned(limit int) ([]models.PromotionUsage, error) {
	query := r.db.Model(&models.PromotionUsage{}).
		Joins("JOIN payments ON payments.id = promotion_usages.payment_id").
		Where("promotion_usages.status = ? AND payments.status IN ?",
			constants.PromotionUsageStatusApplied,
			[]string{constants.PaymentStatusFailed, constants.PaymentStatusCancelled, constants.PaymentStatusExpired},
		).
		Order("promotion_usages.id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var usages []models.PromotionUsage
	if err := query.Find(&usages).Error; err != nil {
		return nil, err
	}
	return usages, nil
}

// List 获取使用记录列表
func (r *GormPromotionUsageRepository) List(filter PromotionUsageListFilter) ([]models.PromotionUsage, int64, error) {
	query := r.db.Model(&models.PromotionUsage{})
	if filter.PromotionID != 0 {
		query = query.Where("promotion_id = ?", filter.PromotionID)
	}
	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.OrderID != 0 {
		query = query.Where("order_id = ?", filter.OrderID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var usages []models.PromotionUsage
	if err := query.Order("id desc").Find(&usages).Error; err != nil {
		return nil, 0, err
	}
	return usages, total, nil
}

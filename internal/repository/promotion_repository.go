package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/paysettle/internal/models"

	"gorm.io/gorm"
)

// PromotionRepository 促销数据访问接口
type PromotionRepository interface {
	GetByID(id uint) (*models.Promotion, error)
	GetByCode(code string) (*models.Promotion, error)
	ListAutoApply(now time.Time) ([]models.Promotion, error)
	Create(promotion *models.Promotion) error
	Update(promotion *models.Promotion) error
	Delete(id uint) error
	List(filter PromotionListFilter) ([]models.Promotion, int64, error)
	ReserveStock(id uint, version int64) (int64, error)
	ReleaseStock(id uint) (int64, error)
	AdjustStock(id uint, delta int) (int64, error)
	SetActive(id uint, active bool) (int64, error)
	DeactivateExhausted(now time.Time, limit int) (int64, error)
	WithTx(tx *gorm.DB) *GormPromotionRepository
}

// GormPromotionRepository GORM 实现
type GormPromotionRepository struct {
	db *gorm.DB
}

// NewPromotionRepository 创建促销仓库
func NewPromotionRepository(db *gorm.DB) *GormPromotionRepository {
	return &GormPromotionRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPromotionRepository) WithTx(tx *gorm.DB) *GormPromotionRepository {
	if tx == nil {
		return r
	}
	return &GormPromotionRepository{db: tx}
}

// GetByID 根据ID获取促销
func (r *GormPromotionRepository) GetByID(id uint) (*models.Promotion, error) {
	var promotion models.Promotion
	if err := r.db.First(&promotion, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &promotion, nil
}

// GetByCode 根据促销码获取促销（不区分大小写）
func (r *GormPromotionRepository) GetByCode(code string) (*models.Promotion, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil
	}
	var promotion models.Promotion
	if err := r.db.Where("code = ?", code).First(&promotion).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &promotion, nil
}

// ListAutoApply 获取当前可自动应用的促销
func (r *GormPromotionRepository) ListAutoApply(now time.Time) ([]models.Promotion, error) {
	var promotions []models.Promotion
	query := r.db.Where("auto_apply = ? AND is_active = ? AND stock > 0", true, true)
	query = query.Where("(starts_at IS NULL OR starts_at <= ?)", now)
	query = query.Where("(ends_at IS NULL OR ends_at >= ?)", now)
	if err := query.Order("priority desc, id asc").Find(&promotions).Error; err != nil {
		return nil, err
	}
	return promotions, nil
}

// Create 创建促销
func (r *GormPromotionRepository) Create(promotion *models.Promotion) error {
	return r.db.Create(promotion).Error
}

// Update 更新促销基础信息（不含库存计数与版本）
func (r *GormPromotionRepository) Update(promotion *models.Promotion) error {
	return r.db.Model(promotion).
		Omit("stock", "used_count", "initial_stock", "version", "created_at").
		Select("*").
		Updates(promotion).Error
}

// Delete 软删除促销
func (r *GormPromotionRepository) Delete(id uint) error {
	return r.db.Delete(&models.Promotion{}, id).Error
}

// List 获取促销列表
func (r *GormPromotionRepository) List(filter PromotionListFilter) ([]models.Promotion, int64, error) {
	query := r.db.Model(&models.Promotion{})

	if code := strings.ToUpper(strings.TrimSpace(filter.Code)); code != "" {
		query = query.Where("code = ?", code)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}
	if keyword := strings.TrimSpace(filter.Keyword); keyword != "" {
		condition, argCount := buildKeywordCondition(r.db, []string{"code", "name"})
		query = query.Where("("+condition+")", repeatLikeArgs(escapeLike(keyword), argCount)...)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var promotions []models.Promotion
	if err := query.Order("id desc").Find(&promotions).Error; err != nil {
		return nil, 0, err
	}
	return promotions, total, nil
}

// ReserveStock 以版本号为条件扣减一次库存；返回 0 表示版本冲突或库存耗尽
func (r *GormPromotionRepository) ReserveStock(id uint, version int64) (int64, error) {
	if id == 0 {
		return 0, errors.New("invalid promotion id")
	}
	result := r.db.Model(&models.Promotion{}).
		Where("id = ? AND version = ? AND stock > 0", id, version).
		UpdateColumns(map[string]interface{}{
			"stock":      gorm.Expr("stock - 1"),
			"used_count": gorm.Expr("used_count + 1"),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ReleaseStock 归还一次库存；used_count 为 0 时不变更
func (r *GormPromotionRepository) ReleaseStock(id uint) (int64, error) {
	if id == 0 {
		return 0, errors.New("invalid promotion id")
	}
	result := r.db.Unscoped().Model(&models.Promotion{}).
		Where("id = ? AND used_count > 0", id).
		UpdateColumns(map[string]interface{}{
			"stock":      gorm.Expr("stock + 1"),
			"used_count": gorm.Expr("used_count - 1"),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// AdjustStock 同步调整剩余库存与发放总量，不允许调整为负数
func (r *GormPromotionRepository) AdjustStock(id uint, delta int) (int64, error) {
	if id == 0 || delta == 0 {
		return 0, errors.New("invalid stock adjust params")
	}
	result := r.db.Model(&models.Promotion{}).
		Where("id = ? AND stock + ? >= 0", id, delta).
		UpdateColumns(map[string]interface{}{
			"stock":         gorm.Expr("stock + ?", delta),
			"initial_stock": gorm.Expr("initial_stock + ?", delta),
			"version":       gorm.Expr("version + 1"),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// SetActive 启用或停用
func (r *GormPromotionRepository) SetActive(id uint, active bool) (int64, error) {
	result := r.db.Model(&models.Promotion{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"is_active":  active,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// DeactivateExhausted 停用已过期或库存耗尽的促销，单次最多处理 limit 条
func (r *GormPromotionRepository) DeactivateExhausted(now time.Time, limit int) (int64, error) {
	var ids []uint
	query := r.db.Model(&models.Promotion{}).
		Where("is_active = ? AND ((ends_at IS NOT NULL AND ends_at < ?) OR stock <= 0)", true, now).
		Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.Model(&models.Promotion{}).
		Where("id IN ? AND is_active = ?", ids, true).
		UpdateColumns(map[string]interface{}{
			"is_active":  false,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

package service

import (
	"context"
	"strings"
	"time"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PromotionAdminService 促销管理服务
type PromotionAdminService struct {
	repo      repository.PromotionRepository
	usageRepo repository.PromotionUsageRepository
}

// NewPromotionAdminService 创建促销管理服务
func NewPromotionAdminService(repo repository.PromotionRepository, usageRepo repository.PromotionUsageRepository) *PromotionAdminService {
	return &PromotionAdminService{repo: repo, usageRepo: usageRepo}
}

// PromotionInput 创建/更新促销输入
type PromotionInput struct {
	Code           string
	Name           string
	Type           string
	Percent        models.Money
	DiscountAmount models.Money
	MaxDiscount    models.Money
	MinOrderAmount models.Money
	Stock          int
	MaxUsesPerUser int
	StartsAt       *time.Time
	EndsAt         *time.Time
	IsActive       *bool
	Stackable      bool
	AutoApply      bool
	Priority       int
	CategoryIDs    []uint
	ProductIDs     []uint
	BrandIDs       []uint
	UserGroups     []string
	FirstTimeOnly  bool
}

func (in PromotionInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return ErrInvalidRequest
	}
	zero := decimal.Zero
	switch in.Type {
	case constants.PromotionTypePercentage:
		if in.Percent.LessThanOrEqual(zero) || in.Percent.GreaterThan(hundred) {
			return ErrInvalidRequest
		}
	case constants.PromotionTypeFixedAmount:
		if in.DiscountAmount.LessThanOrEqual(zero) {
			return ErrInvalidRequest
		}
	case constants.PromotionTypeFreeShipping:
	default:
		return ErrInvalidRequest
	}
	if in.MaxDiscount.LessThan(zero) || in.MinOrderAmount.LessThan(zero) || in.MaxUsesPerUser < 0 {
		return ErrInvalidRequest
	}
	if in.StartsAt != nil && in.EndsAt != nil && in.EndsAt.Before(*in.StartsAt) {
		return ErrInvalidRequest
	}
	return nil
}

func (in PromotionInput) apply(promotion *models.Promotion) {
	promotion.Name = strings.TrimSpace(in.Name)
	promotion.Type = in.Type
	promotion.Percent = in.Percent
	promotion.DiscountAmount = in.DiscountAmount
	promotion.MaxDiscount = in.MaxDiscount
	promotion.MinOrderAmount = in.MinOrderAmount
	promotion.MaxUsesPerUser = in.MaxUsesPerUser
	promotion.StartsAt = in.StartsAt
	promotion.EndsAt = in.EndsAt
	promotion.Stackable = in.Stackable
	promotion.AutoApply = in.AutoApply
	promotion.Priority = in.Priority
	promotion.CategoryIDs = models.UintArray(in.CategoryIDs)
	promotion.ProductIDs = models.UintArray(in.ProductIDs)
	promotion.BrandIDs = models.UintArray(in.BrandIDs)
	promotion.UserGroups = models.StringArray(in.UserGroups)
	promotion.FirstTimeOnly = in.FirstTimeOnly
	if in.IsActive != nil {
		promotion.IsActive = *in.IsActive
	}
}

// Create 创建促销，initial_stock = stock
func (s *PromotionAdminService) Create(ctx context.Context, input PromotionInput) (*models.Promotion, error) {
	code := strings.ToUpper(strings.TrimSpace(input.Code))
	if code == "" || input.Stock < 0 {
		return nil, ErrInvalidRequest
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByCode(code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrPromotionCodeExists
	}
	promotion := &models.Promotion{
		Code:         code,
		InitialStock: input.Stock,
		Stock:        input.Stock,
		IsActive:     true,
	}
	input.apply(promotion)
	if err := s.repo.Create(promotion); err != nil {
		return nil, err
	}
	logger.Infow("promotion_created", "promotion_id", promotion.ID, "code", promotion.Code, "stock", promotion.Stock)
	return promotion, nil
}

// Update 更新促销规则，库存计数只能通过 AdjustStock 修改
func (s *PromotionAdminService) Update(ctx context.Context, id uint, input PromotionInput) (*models.Promotion, error) {
	if id == 0 {
		return nil, ErrInvalidRequest
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPromotionNotFound
	}
	input.apply(existing)
	if err := s.repo.Update(existing); err != nil {
		return nil, err
	}
	return s.repo.GetByID(id)
}

// Get 获取促销
func (s *PromotionAdminService) Get(ctx context.Context, id uint) (*models.Promotion, error) {
	promotion, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if promotion == nil {
		return nil, ErrPromotionNotFound
	}
	return promotion, nil
}

// List 促销列表
func (s *PromotionAdminService) List(ctx context.Context, filter repository.PromotionListFilter) ([]models.Promotion, int64, error) {
	return s.repo.List(filter)
}

// ListUsages 促销使用记录
func (s *PromotionAdminService) ListUsages(ctx context.Context, filter repository.PromotionUsageListFilter) ([]models.PromotionUsage, int64, error) {
	return s.usageRepo.List(filter)
}

// Activate 启用
func (s *PromotionAdminService) Activate(ctx context.Context, id uint) (*models.Promotion, error) {
	return s.setActive(id, true)
}

// Deactivate 停用
func (s *PromotionAdminService) Deactivate(ctx context.Context, id uint) (*models.Promotion, error) {
	return s.setActive(id, false)
}

func (s *PromotionAdminService) setActive(id uint, active bool) (*models.Promotion, error) {
	rows, err := s.repo.SetActive(id, active)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrPromotionNotFound
	}
	logger.Infow("promotion_active_changed", "promotion_id", id, "is_active", active)
	return s.repo.GetByID(id)
}

// AdjustStock 追加或回收库存，同时调整发放总量
func (s *PromotionAdminService) AdjustStock(ctx context.Context, id uint, delta int) (*models.Promotion, error) {
	if id == 0 || delta == 0 {
		return nil, ErrInvalidRequest
	}
	existing, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPromotionNotFound
	}
	rows, err := s.repo.AdjustStock(id, delta)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrStockAdjustInvalid
	}
	logger.Infow("promotion_stock_adjusted", "promotion_id", id, "delta", delta)
	return s.repo.GetByID(id)
}

// Delete 软删除；仍有 APPLIED 使用记录时拒绝
func (s *PromotionAdminService) Delete(ctx context.Context, id uint) error {
	return models.DB.Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.GetByID(id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrPromotionNotFound
		}
		count, err := s.usageRepo.WithTx(tx).CountAppliedByPromotion(id)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrPromotionInUse
		}
		return repo.Delete(id)
	})
}

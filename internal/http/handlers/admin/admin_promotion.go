package admin

import (
	"strconv"
	"strings"
	"time"

	"github.com/paysettle/internal/http/response"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/repository"
	"github.com/paysettle/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// PromotionRequest 创建/更新促销请求
type PromotionRequest struct {
	Code           string          `json:"code"`
	Name           string          `json:"name" binding:"required"`
	Type           string          `json:"type" binding:"required"`
	Percent        decimal.Decimal `json:"percent"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	MaxDiscount    decimal.Decimal `json:"max_discount"`
	MinOrderAmount decimal.Decimal `json:"min_order_amount"`
	Stock          int             `json:"stock"`
	MaxUsesPerUser int             `json:"max_uses_per_user"`
	StartsAt       string          `json:"starts_at"`
	EndsAt         string          `json:"ends_at"`
	IsActive       *bool           `json:"is_active"`
	Stackable      bool            `json:"stackable"`
	AutoApply      bool            `json:"auto_apply"`
	Priority       int             `json:"priority"`
	CategoryIDs    []uint          `json:"category_ids"`
	ProductIDs     []uint          `json:"product_ids"`
	BrandIDs       []uint          `json:"brand_ids"`
	UserGroups     []string        `json:"user_groups"`
	FirstTimeOnly  bool            `json:"first_time_only"`
}

// AdjustStockRequest 库存调整请求
type AdjustStockRequest struct {
	Delta int `json:"delta" binding:"required"`
}

func (req PromotionRequest) toInput() (service.PromotionInput, error) {
	startsAt, err := parseTimeNullable(req.StartsAt)
	if err != nil {
		return service.PromotionInput{}, err
	}
	endsAt, err := parseTimeNullable(req.EndsAt)
	if err != nil {
		return service.PromotionInput{}, err
	}
	return service.PromotionInput{
		Code:           req.Code,
		Name:           req.Name,
		Type:           strings.ToUpper(strings.TrimSpace(req.Type)),
		Percent:        models.NewMoneyFromDecimal(req.Percent),
		DiscountAmount: models.NewMoneyFromDecimal(req.DiscountAmount),
		MaxDiscount:    models.NewMoneyFromDecimal(req.MaxDiscount),
		MinOrderAmount: models.NewMoneyFromDecimal(req.MinOrderAmount),
		Stock:          req.Stock,
		MaxUsesPerUser: req.MaxUsesPerUser,
		StartsAt:       startsAt,
		EndsAt:         endsAt,
		IsActive:       req.IsActive,
		Stackable:      req.Stackable,
		AutoApply:      req.AutoApply,
		Priority:       req.Priority,
		CategoryIDs:    req.CategoryIDs,
		ProductIDs:     req.ProductIDs,
		BrandIDs:       req.BrandIDs,
		UserGroups:     req.UserGroups,
		FirstTimeOnly:  req.FirstTimeOnly,
	}, nil
}

// CreatePromotion 创建促销
func (h *Handler) CreatePromotion(c *gin.Context) {
	var req PromotionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	input, err := req.toInput()
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	promotion, err := h.PromotionAdminService.Create(c.Request.Context(), input)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	requestLog(c).Infow("admin_promotion_created", "admin_subject", adminSubject(c), "promotion_id", promotion.ID)
	response.Created(c, promotion)
}

// UpdatePromotion 更新促销
func (h *Handler) UpdatePromotion(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req PromotionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	input, err := req.toInput()
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	promotion, err := h.PromotionAdminService.Update(c.Request.Context(), id, input)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, promotion)
}

// GetPromotion 促销详情
func (h *Handler) GetPromotion(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	promotion, err := h.PromotionAdminService.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, promotion)
}

// DeletePromotion 删除促销
func (h *Handler) DeletePromotion(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.PromotionAdminService.Delete(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	requestLog(c).Infow("admin_promotion_deleted", "admin_subject", adminSubject(c), "promotion_id", id)
	response.Success(c, gin.H{
		"deleted": true,
	})
}

// ActivatePromotion 启用促销
func (h *Handler) ActivatePromotion(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	promotion, err := h.PromotionAdminService.Activate(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, promotion)
}

// DeactivatePromotion 停用促销
func (h *Handler) DeactivatePromotion(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	promotion, err := h.PromotionAdminService.Deactivate(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, promotion)
}

// AdjustPromotionStock 调整库存
func (h *Handler) AdjustPromotionStock(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	promotion, err := h.PromotionAdminService.AdjustStock(c.Request.Context(), id, req.Delta)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	requestLog(c).Infow("admin_promotion_stock_adjusted", "admin_subject", adminSubject(c), "promotion_id", id, "delta", req.Delta)
	response.Success(c, promotion)
}

// ListPromotions 促销列表
func (h *Handler) ListPromotions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = normalizePagination(page, pageSize)

	var isActive *bool
	if raw := c.Query("is_active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondBadRequest(c, err)
			return
		}
		isActive = &parsed
	}

	promotions, total, err := h.PromotionAdminService.List(c.Request.Context(), repository.PromotionListFilter{
		Code:     strings.ToUpper(strings.TrimSpace(c.Query("code"))),
		Keyword:  c.Query("keyword"),
		Type:     strings.ToUpper(strings.TrimSpace(c.Query("type"))),
		IsActive: isActive,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.SuccessWithPage(c, promotions, response.BuildPagination(page, pageSize, total))
}

// ListPromotionUsages 促销使用记录
func (h *Handler) ListPromotionUsages(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = normalizePagination(page, pageSize)
	userID, _ := strconv.ParseUint(c.Query("user_id"), 10, 64)
	orderID, _ := strconv.ParseUint(c.Query("order_id"), 10, 64)

	usages, total, err := h.PromotionAdminService.ListUsages(c.Request.Context(), repository.PromotionUsageListFilter{
		Page:        page,
		PageSize:    pageSize,
		PromotionID: id,
		UserID:      uint(userID),
		OrderID:     uint(orderID),
		Status:      strings.ToUpper(strings.TrimSpace(c.Query("status"))),
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.SuccessWithPage(c, usages, response.BuildPagination(page, pageSize, total))
}

func parseTimeNullable(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

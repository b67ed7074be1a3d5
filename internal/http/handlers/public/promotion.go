package public

import (
	"strconv"
	"strings"

	"github.com/paysettle/internal/constants"
	handlershared "github.com/paysettle/internal/http/handlers/shared"
	"github.com/paysettle/internal/http/response"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// PromotionQuoteRequest 促销校验/应用请求
type PromotionQuoteRequest struct {
	Code        string                     `json:"code" binding:"required"`
	UserID      uint                       `json:"user_id"`
	OrderID     uint                       `json:"order_id"`
	OrderAmount decimal.Decimal            `json:"order_amount"`
	Currency    string                     `json:"currency"`
	Filters     service.EligibilityFilters `json:"filters"`
}

// PromotionApplicationResult 促销应用结果，失败时 ErrorCode 为拒绝原因
type PromotionApplicationResult struct {
	Success        bool          `json:"success"`
	PromotionID    uint          `json:"promotion_id,omitempty"`
	DiscountAmount *models.Money `json:"discount_amount,omitempty"`
	FinalAmount    *models.Money `json:"final_amount,omitempty"`
	FreeShipping   bool          `json:"free_shipping"`
	UsageID        uint          `json:"usage_id,omitempty"`
	ErrorCode      string        `json:"error_code,omitempty"`
}

func (h *Handler) currencyOrDefault(raw string) string {
	if currency := strings.ToUpper(strings.TrimSpace(raw)); currency != "" {
		return currency
	}
	return h.Config.Payment.DefaultCurrency
}

// ValidatePromotion 只校验不预占，返回报价
func (h *Handler) ValidatePromotion(c *gin.Context) {
	var req PromotionQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	quote, err := h.PromotionService.Validate(c.Request.Context(), service.ValidateInput{
		Code:        req.Code,
		UserID:      req.UserID,
		OrderID:     req.OrderID,
		OrderAmount: req.OrderAmount,
		Currency:    h.currencyOrDefault(req.Currency),
		Filters:     req.Filters,
	})
	if err != nil {
		if reason, ok := service.RejectionReason(err); ok {
			handlershared.RespondServiceErrorWithData(c, err, gin.H{"reason": reason, "valid": false})
			return
		}
		respondServiceError(c, err)
		return
	}
	response.Success(c, quote)
}

// ApplyPromotion 促销引擎入口：校验并预占库存
func (h *Handler) ApplyPromotion(c *gin.Context) {
	var req PromotionQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	reservation, err := h.PromotionService.ValidateAndReserve(c.Request.Context(), service.ReserveInput{
		Code:        req.Code,
		UserID:      req.UserID,
		OrderID:     req.OrderID,
		OrderAmount: req.OrderAmount,
		Currency:    h.currencyOrDefault(req.Currency),
		Filters:     req.Filters,
	})
	if err != nil {
		handlershared.RespondServiceErrorWithData(c, err, gin.H{
			"result": PromotionApplicationResult{Success: false, ErrorCode: service.CodeOf(err)},
		})
		return
	}
	quote := reservation.Quote
	response.Success(c, PromotionApplicationResult{
		Success:        true,
		PromotionID:    quote.PromotionID,
		DiscountAmount: &quote.DiscountAmount,
		FinalAmount:    &quote.FinalAmount,
		FreeShipping:   quote.FreeShipping,
		UsageID:        reservation.UsageID,
	})
}

// GetAutoApplyPromotions 可自动应用的促销列表
func (h *Handler) GetAutoApplyPromotions(c *gin.Context) {
	amount, err := decimal.NewFromString(firstQuery(c, "order_amount", "orderAmount"))
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	filters, err := filtersFromQuery(c)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	userID, _ := strconv.ParseUint(firstQuery(c, "user_id", "userId"), 10, 64)
	orderID, _ := strconv.ParseUint(firstQuery(c, "order_id", "orderId"), 10, 64)
	quotes, err := h.PromotionService.GetAutoApplyPromotions(c.Request.Context(), service.AutoApplyInput{
		UserID:      uint(userID),
		OrderID:     uint(orderID),
		OrderAmount: amount,
		Currency:    h.currencyOrDefault(c.Query("currency")),
		Filters:     filters,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, quotes)
}

// CancelPromotionUsage 释放预占（取消）
func (h *Handler) CancelPromotionUsage(c *gin.Context) {
	h.releaseUsage(c, constants.PromotionUsageStatusCancelled)
}

// RefundPromotionUsage 释放预占（退款）
func (h *Handler) RefundPromotionUsage(c *gin.Context) {
	h.releaseUsage(c, constants.PromotionUsageStatusRefunded)
}

func (h *Handler) releaseUsage(c *gin.Context, target string) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	released, err := h.PromotionService.Release(c.Request.Context(), id, target)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, gin.H{
		"usage_id": id,
		"status":   target,
		"released": released,
	})
}

package public

import (
	"errors"
	"strconv"
	"strings"

	handlershared "github.com/paysettle/internal/http/handlers/shared"
	"github.com/paysettle/internal/http/response"
	"github.com/paysettle/internal/repository"
	"github.com/paysettle/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// CreatePaymentRequest 创建支付请求
type CreatePaymentRequest struct {
	OrderID  uint            `json:"order_id" binding:"required"`
	UserID   uint            `json:"user_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Gateway  string          `json:"gateway"`
}

// ApplyPromotionRequest 支付单应用促销码
type ApplyPromotionRequest struct {
	Code    string                     `json:"code" binding:"required"`
	UserID  uint                       `json:"user_id"`
	Filters service.EligibilityFilters `json:"filters"`
}

// AutoPromotionsRequest 支付单自动促销
type AutoPromotionsRequest struct {
	Filters service.EligibilityFilters `json:"filters"`
}

// CancelPaymentRequest 取消支付
type CancelPaymentRequest struct {
	Reason string `json:"reason"`
}

// RefundPaymentRequest 退款请求
type RefundPaymentRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	Partial          bool            `json:"partial"`
	GatewayReference string          `json:"gateway_reference"`
}

// RefundPaymentResponse 退款响应
type RefundPaymentResponse struct {
	Payment     interface{} `json:"payment"`
	Transaction interface{} `json:"transaction"`
}

// CreatePayment 创建支付单
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = h.Config.Payment.DefaultCurrency
	}
	payment, err := h.PaymentService.Create(c.Request.Context(), service.CreatePaymentInput{
		OrderID:  req.OrderID,
		UserID:   req.UserID,
		Amount:   req.Amount,
		Currency: currency,
		Gateway:  req.Gateway,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Created(c, payment)
}

// GetPayment 查询支付单
func (h *Handler) GetPayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	payment, err := h.PaymentService.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// ListPayments 支付单列表
func (h *Handler) ListPayments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = handlershared.NormalizePagination(page, pageSize)
	userID, _ := strconv.ParseUint(firstQuery(c, "user_id", "userId"), 10, 64)
	orderID, _ := strconv.ParseUint(firstQuery(c, "order_id", "orderId"), 10, 64)

	payments, total, err := h.PaymentService.List(c.Request.Context(), repository.PaymentListFilter{
		Page:     page,
		PageSize: pageSize,
		UserID:   uint(userID),
		OrderID:  uint(orderID),
		Gateway:  c.Query("gateway"),
		Status:   strings.ToUpper(strings.TrimSpace(c.Query("status"))),
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.SuccessWithPage(c, payments, response.BuildPagination(page, pageSize, total))
}

// ListPaymentTransactions 支付流水
func (h *Handler) ListPaymentTransactions(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	txns, err := h.PaymentService.ListTransactions(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, txns)
}

// VerifyPaymentLedger 以流水重算退款台账
func (h *Handler) VerifyPaymentLedger(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	summary, err := h.PaymentService.VerifyLedger(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrInvariantViolation) && summary != nil {
			handlershared.RespondServiceErrorWithData(c, err, gin.H{"ledger": summary})
			return
		}
		respondServiceError(c, err)
		return
	}
	response.Success(c, summary)
}

// ApplyPaymentPromotion 支付单应用促销码
func (h *Handler) ApplyPaymentPromotion(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ApplyPromotionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	payment, err := h.PaymentService.ApplyPromotion(c.Request.Context(), id, req.Code, req.UserID, req.Filters)
	if err != nil {
		if reason, ok := service.RejectionReason(err); ok {
			handlershared.RespondServiceErrorWithData(c, err, gin.H{"reason": reason})
			return
		}
		respondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// ApplyPaymentAutoPromotions 支付单自动应用促销
func (h *Handler) ApplyPaymentAutoPromotions(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req AutoPromotionsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, err)
			return
		}
	}
	payment, err := h.PaymentService.ApplyAutoPromotions(c.Request.Context(), id, req.Filters)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// RemovePaymentPromotion 移除支付单促销
func (h *Handler) RemovePaymentPromotion(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	payment, err := h.PaymentService.RemovePromotion(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// ProcessPayment 提交网关授权
func (h *Handler) ProcessPayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	payment, err := h.PaymentService.Process(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// ConfirmPayment 确认支付成功
func (h *Handler) ConfirmPayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	txnID := firstQuery(c, "gatewayTransactionId", "gateway_transaction_id")
	if txnID == "" {
		respondBadRequest(c, errors.New("gatewayTransactionId is required"))
		return
	}
	payment, err := h.PaymentService.Confirm(c.Request.Context(), id, txnID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// FailPayment 标记支付失败
func (h *Handler) FailPayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	payment, err := h.PaymentService.Fail(c.Request.Context(), id, c.Query("reason"), firstQuery(c, "errorCode", "error_code"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// CancelPayment 取消支付
func (h *Handler) CancelPayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req CancelPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, err)
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = c.Query("reason")
	}
	payment, err := h.PaymentService.Cancel(c.Request.Context(), id, reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// RefundPayment 全额或部分退款
func (h *Handler) RefundPayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req RefundPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	result, err := h.PaymentService.Refund(c.Request.Context(), service.RefundInput{
		PaymentID:        id,
		Amount:           req.Amount,
		Partial:          req.Partial,
		GatewayReference: req.GatewayReference,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, RefundPaymentResponse{
		Payment:     result.Payment,
		Transaction: result.Transaction,
	})
}

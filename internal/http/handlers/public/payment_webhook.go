package public

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/paysettle/internal/gateway"
	"github.com/paysettle/internal/http/response"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	webhookBodyLimit    = 1 << 20
	callbackLogValueMax = 4096
	defaultSigTolerance = 5 * time.Minute
)

// PaymentStatusWebhookRequest 网关支付状态回调
type PaymentStatusWebhookRequest struct {
	Gateway              string `json:"gateway"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
	EventType            string `json:"event_type"`
	OrderID              uint   `json:"order_id"`
	PaymentReference     string `json:"payment_reference"`
	PaymentStatus        string `json:"payment_status"`
	Reason               string `json:"reason"`
	ErrorCode            string `json:"error_code"`
}

// PaymentStatusWebhook 网关回调入口：验签后交给对账服务，重复投递返回成功
func (h *Handler) PaymentStatusWebhook(c *gin.Context) {
	log := requestLog(c)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
	if err != nil {
		log.Warnw("payment_webhook_body_read_failed", "error", err)
		respondBadRequest(c, err)
		return
	}
	signature := strings.TrimSpace(c.GetHeader(gateway.SignatureHeader))
	log.Infow("payment_webhook_received",
		"client_ip", c.ClientIP(),
		"body_size", len(body),
		"signature", logger.MaskSecret(signature),
		"raw_body", truncateForLog(string(body)),
	)

	tolerance := defaultSigTolerance
	if seconds := h.Config.Webhook.SignatureToleranceSeconds; seconds > 0 {
		tolerance = time.Duration(seconds) * time.Second
	}
	if err := gateway.VerifySignature(h.Config.Gateway.WebhookSecret, signature, body, time.Now(), tolerance); err != nil {
		log.Warnw("payment_webhook_signature_invalid", "error", err)
		code := service.CodeOf(service.ErrWebhookSignatureInvalid)
		if errors.Is(err, gateway.ErrConfigInvalid) {
			response.ErrorWithData(c, response.CodeUnauthorized, "webhook secret not configured", gin.H{"error_code": code})
			return
		}
		response.ErrorWithData(c, response.CodeUnauthorized, service.ErrWebhookSignatureInvalid.Error(), gin.H{"error_code": code})
		return
	}

	var req PaymentStatusWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warnw("payment_webhook_body_invalid", "error", err)
		respondServiceError(c, service.ErrWebhookPayloadInvalid)
		return
	}
	var raw models.JSON
	_ = json.Unmarshal(body, &raw)

	result, err := h.WebhookService.Handle(c.Request.Context(), service.WebhookNotification{
		Gateway:              req.Gateway,
		GatewayTransactionID: req.GatewayTransactionID,
		EventType:            req.EventType,
		OrderID:              req.OrderID,
		PaymentReference:     req.PaymentReference,
		PaymentStatus:        req.PaymentStatus,
		Reason:               req.Reason,
		ErrorCode:            req.ErrorCode,
		Payload:              raw,
	})
	if err != nil {
		// 非 2xx 让网关重投
		respondServiceError(c, err)
		return
	}
	log.Infow("payment_webhook_handled",
		"event_id", result.EventID,
		"outcome", result.Outcome,
		"applied", result.Applied,
		"duplicate", result.Duplicate,
	)
	response.Success(c, result)
}

func truncateForLog(value string) string {
	if len(value) <= callbackLogValueMax {
		return value
	}
	return value[:callbackLogValueMax] + "...(truncated)"
}

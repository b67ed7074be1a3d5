package admin

import (
	"time"

	"github.com/paysettle/internal/http/response"

	"github.com/gin-gonic/gin"
)

const manualSweepBatch = 100

// RetryWebhookEvent 手动重试 PENDING_RETRY 回调
func (h *Handler) RetryWebhookEvent(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	result, err := h.WebhookService.Retry(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	requestLog(c).Infow("admin_webhook_retried", "admin_subject", adminSubject(c), "event_id", id, "outcome", result.Outcome)
	response.Success(c, result)
}

// RunSweep 立即执行一轮清理
func (h *Handler) RunSweep(c *gin.Context) {
	report := h.SweepService.RunOnce(c.Request.Context(), time.Now(), manualSweepBatch)
	requestLog(c).Infow("admin_sweep_triggered", "admin_subject", adminSubject(c))
	response.Success(c, report)
}

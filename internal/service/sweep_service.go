package service

import (
	"context"
	"time"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/metrics"
	"github.com/paysettle/internal/repository"
)

// SweepReport 单轮清理统计
type SweepReport struct {
	ExpiredPayments       int   `json:"expired_payments"`
	DeactivatedPromotions int64 `json:"deactivated_promotions"`
	ReleasedUsages        int   `json:"released_usages"`
	RetriedWebhooks       int   `json:"retried_webhooks"`
	ResumedRefunds        int   `json:"resumed_refunds"`
}

// refundResumeAfter 在途退款超过该时长仍未入账时由清理任务续办
const refundResumeAfter = 2 * time.Minute

// SweepService 周期性清理：过期支付、失效促销、孤儿预占、待重试回调、在途退款
type SweepService struct {
	payments      *PaymentService
	promotions    PromotionClient
	webhooks      *WebhookService
	paymentRepo   repository.PaymentRepository
	promotionRepo repository.PromotionRepository
	usageRepo     repository.PromotionUsageRepository
	eventRepo     repository.WebhookEventRepository
}

// SweepServiceOptions 清理服务依赖
type SweepServiceOptions struct {
	Payments      *PaymentService
	Promotions    PromotionClient
	Webhooks      *WebhookService
	PaymentRepo   repository.PaymentRepository
	PromotionRepo repository.PromotionRepository
	UsageRepo     repository.PromotionUsageRepository
	EventRepo     repository.WebhookEventRepository
}

// NewSweepService 创建清理服务
func NewSweepService(opts SweepServiceOptions) *SweepService {
	return &SweepService{
		payments:      opts.Payments,
		promotions:    opts.Promotions,
		webhooks:      opts.Webhooks,
		paymentRepo:   opts.PaymentRepo,
		promotionRepo: opts.PromotionRepo,
		usageRepo:     opts.UsageRepo,
		eventRepo:     opts.EventRepo,
	}
}

// RunOnce 依次执行全部清理任务，单项失败不影响其余
func (s *SweepService) RunOnce(ctx context.Context, now time.Time, batch int) SweepReport {
	var report SweepReport
	var err error
	if report.ExpiredPayments, err = s.ExpireStalePayments(ctx, now, batch); err != nil {
		logger.Warnw("sweep_expire_payments_failed", "error", err)
	}
	if report.DeactivatedPromotions, err = s.DeactivatePromotions(ctx, now, batch); err != nil {
		logger.Warnw("sweep_deactivate_promotions_failed", "error", err)
	}
	if report.ReleasedUsages, err = s.ReleaseOrphanedUsages(ctx, batch); err != nil {
		logger.Warnw("sweep_release_usages_failed", "error", err)
	}
	if report.RetriedWebhooks, err = s.RetryWebhooks(ctx, now, batch); err != nil {
		logger.Warnw("sweep_retry_webhooks_failed", "error", err)
	}
	if report.ResumedRefunds, err = s.ResumeRefunds(ctx, now, batch); err != nil {
		logger.Warnw("sweep_resume_refunds_failed", "error", err)
	}
	return report
}

// ExpireStalePayments 将到期的 PENDING/PROCESSING 支付置为 EXPIRED；竞争失败视为跳过
func (s *SweepService) ExpireStalePayments(ctx context.Context, now time.Time, batch int) (int, error) {
	if s.payments == nil || s.paymentRepo == nil {
		return 0, nil
	}
	payments, err := s.paymentRepo.ListExpirable(now, batch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, payment := range payments {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if _, err := s.payments.Expire(ctx, payment.ID); err != nil {
			if KindOf(err) == KindConflict {
				continue
			}
			logger.Warnw("sweep_expire_payment_failed", "payment_id", payment.ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		metrics.SweepItems.WithLabelValues("expire_payments").Add(float64(expired))
		logger.Infow("sweep_payments_expired", "count", expired)
	}
	return expired, nil
}

// DeactivatePromotions 停用过期或库存耗尽的促销
func (s *SweepService) DeactivatePromotions(ctx context.Context, now time.Time, batch int) (int64, error) {
	if s.promotionRepo == nil {
		return 0, nil
	}
	count, err := s.promotionRepo.DeactivateExhausted(now, batch)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.SweepItems.WithLabelValues("deactivate_promotions").Add(float64(count))
		logger.Infow("sweep_promotions_deactivated", "count", count)
	}
	return count, nil
}

// ReleaseOrphanedUsages 补偿支付已终止但释放失败的使用记录
func (s *SweepService) ReleaseOrphanedUsages(ctx context.Context, batch int) (int, error) {
	if s.promotions == nil || s.usageRepo == nil {
		return 0, nil
	}
	usages, err := s.usageRepo.ListOrphaned(batch)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, usage := range usages {
		ok, err := s.promotions.Release(ctx, usage.ID, constants.PromotionUsageStatusCancelled)
		if err != nil {
			logger.Warnw("sweep_release_usage_failed", "usage_id", usage.ID, "error", err)
			continue
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		metrics.SweepItems.WithLabelValues("release_usages").Add(float64(released))
		logger.Infow("sweep_usages_released", "count", released)
	}
	return released, nil
}

// RetryWebhooks 重放退避期已过的 PENDING_RETRY 回调，兜底队列投递失败
func (s *SweepService) RetryWebhooks(ctx context.Context, now time.Time, batch int) (int, error) {
	if s.webhooks == nil || s.eventRepo == nil {
		return 0, nil
	}
	events, err := s.eventRepo.ListPendingRetry(now.Add(-s.webhooks.retryBackoff), batch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, event := range events {
		result, err := s.webhooks.Retry(ctx, event.ID)
		if err != nil {
			continue
		}
		if result != nil && result.Outcome != "" {
			settled++
		}
	}
	if settled > 0 {
		metrics.SweepItems.WithLabelValues("retry_webhooks").Add(float64(settled))
		logger.Infow("sweep_webhooks_retried", "count", settled)
	}
	return settled, nil
}

// ResumeRefunds 续办提交网关后未能入账的退款
func (s *SweepService) ResumeRefunds(ctx context.Context, now time.Time, batch int) (int, error) {
	if s.payments == nil || s.paymentRepo == nil {
		return 0, nil
	}
	payments, err := s.paymentRepo.ListRefundsInFlight(now.Add(-refundResumeAfter), batch)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, payment := range payments {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		result, err := s.payments.ResumeRefund(ctx, payment.ID)
		if err != nil {
			logger.Warnw("sweep_resume_refund_failed", "payment_id", payment.ID, "error", err)
			continue
		}
		if result != nil {
			resumed++
		}
	}
	if resumed > 0 {
		metrics.SweepItems.WithLabelValues("resume_refunds").Add(float64(resumed))
		logger.Infow("sweep_refunds_resumed", "count", resumed)
	}
	return resumed, nil
}

package provider

import (
	"github.com/paysettle/internal/cache"
	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/events"
	"github.com/paysettle/internal/gateway"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/queue"
	"github.com/paysettle/internal/repository"
	"github.com/paysettle/internal/service"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	QueueClient *queue.Client
	Publisher   events.Publisher
	Gateway     gateway.Client

	// Repositories
	PaymentRepo        repository.PaymentRepository
	PromotionRepo      repository.PromotionRepository
	PromotionUsageRepo repository.PromotionUsageRepository
	WebhookEventRepo   repository.WebhookEventRepository

	// Services
	PromotionService      *service.PromotionService
	PromotionAdminService *service.PromotionAdminService
	PaymentService        *service.PaymentService
	WebhookService        *service.WebhookService
	SweepService          *service.SweepService
}

// NewContainer 初始化容器
func NewContainer(cfg *config.Config) (*Container, error) {
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 队列未启用时返回空实现，投递直接跳过
	queueClient, err := queue.NewClient(&cfg.Queue)
	if err != nil {
		logger.Errorw("provider_init_queue_client_failed", "error", err)
		return nil, err
	}

	gatewayClient, err := gateway.NewClient(cfg.Gateway)
	if err != nil {
		logger.Errorw("provider_init_gateway_failed", "driver", cfg.Gateway.Driver, "error", err)
		return nil, err
	}

	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
		Publisher:   events.NewPublisher(cfg.Events),
		Gateway:     gatewayClient,
	}
	c.initRepositories()
	c.initServices()
	return c, nil
}

func (c *Container) initRepositories() {
	db := models.DB
	c.PaymentRepo = repository.NewPaymentRepository(db)
	c.PromotionRepo = repository.NewPromotionRepository(db)
	c.PromotionUsageRepo = repository.NewPromotionUsageRepository(db)
	c.WebhookEventRepo = repository.NewWebhookEventRepository(db)
}

func (c *Container) initServices() {
	c.PromotionService = service.NewPromotionService(c.PromotionRepo, c.PromotionUsageRepo, c.Config.Promotion)
	c.PromotionAdminService = service.NewPromotionAdminService(c.PromotionRepo, c.PromotionUsageRepo)
	c.PaymentService = service.NewPaymentService(service.PaymentServiceOptions{
		PaymentRepo: c.PaymentRepo,
		Promotions:  c.PromotionService,
		Gateway:     c.Gateway,
		Scheduler:   c.QueueClient,
		Publisher:   c.Publisher,
		Config:      c.Config.Payment,
	})
	c.WebhookService = service.NewWebhookService(c.PaymentService, c.PaymentRepo, c.WebhookEventRepo, c.QueueClient, c.Config.Webhook)
	c.SweepService = service.NewSweepService(service.SweepServiceOptions{
		Payments:      c.PaymentService,
		Promotions:    c.PromotionService,
		Webhooks:      c.WebhookService,
		PaymentRepo:   c.PaymentRepo,
		PromotionRepo: c.PromotionRepo,
		UsageRepo:     c.PromotionUsageRepo,
		EventRepo:     c.WebhookEventRepo,
	})
}

// Close 释放外部连接
func (c *Container) Close() {
	if c == nil {
		return
	}
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			logger.Warnw("provider_close_publisher_failed", "error", err)
		}
	}
	if c.QueueClient != nil {
		if err := c.QueueClient.Close(); err != nil {
			logger.Warnw("provider_close_queue_client_failed", "error", err)
		}
	}
}

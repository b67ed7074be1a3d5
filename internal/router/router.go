package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/paysettle/internal/cache"
	"github.com/paysettle/internal/config"
	adminhandlers "github.com/paysettle/internal/http/handlers/admin"
	publichandlers "github.com/paysettle/internal/http/handlers/public"
	"github.com/paysettle/internal/http/response"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/metrics"
	"github.com/paysettle/internal/models"
	"github.com/paysettle/internal/provider"
	"github.com/paysettle/internal/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	publicHandler := publichandlers.New(c)
	adminHandler := adminhandlers.New(c)
	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "ps"
	}
	promotionApplyRule := RateLimitRule{
		Prefix:        fmt.Sprintf("%s:rate:promotion_apply", redisPrefix),
		WindowSeconds: cfg.RateLimit.PromotionApplyWindowSeconds,
		MaxRequests:   cfg.RateLimit.PromotionApplyMaxRequests,
	}

	// 中间件
	r.Use(gin.Recovery())
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(tracing.ServiceName(cfg.Tracing)))
	}
	r.Use(RequestIDMiddleware())
	metricsPath := strings.TrimSpace(cfg.Metrics.Path)
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Use(LoggerMiddleware(log, "/healthz", metricsPath))
	r.Use(CORSMiddleware(cfg.CORS))
	if cfg.Metrics.Enabled {
		r.Use(metrics.GinMiddleware())
		r.GET(metricsPath, metrics.Handler())
	}

	r.GET("/healthz", healthHandler)

	apiV1 := r.Group("/api/v1")
	{
		payments := apiV1.Group("/payments")
		{
			payments.POST("", publicHandler.CreatePayment)
			payments.GET("", publicHandler.ListPayments)
			payments.GET("/:id", publicHandler.GetPayment)
			payments.GET("/:id/transactions", publicHandler.ListPaymentTransactions)
			payments.GET("/:id/ledger", publicHandler.VerifyPaymentLedger)
			payments.POST("/:id/apply-promotion", publicHandler.ApplyPaymentPromotion)
			payments.POST("/:id/auto-promotions", publicHandler.ApplyPaymentAutoPromotions)
			payments.POST("/:id/remove-promotion", publicHandler.RemovePaymentPromotion)
			payments.POST("/:id/process", publicHandler.ProcessPayment)
			payments.PUT("/:id/confirm", publicHandler.ConfirmPayment)
			payments.PUT("/:id/fail", publicHandler.FailPayment)
			payments.POST("/:id/cancel", publicHandler.CancelPayment)
			payments.POST("/:id/refund", publicHandler.RefundPayment)
		}

		apiV1.POST("/orders/webhooks/payment-status", publicHandler.PaymentStatusWebhook)

		promotions := apiV1.Group("/promotions")
		{
			promotions.POST("/validate", publicHandler.ValidatePromotion)
			promotions.POST("/apply", RateLimitMiddleware(cache.Client(), promotionApplyRule, KeyByJSONField("user_id")), publicHandler.ApplyPromotion)
			promotions.GET("/auto-apply", publicHandler.GetAutoApplyPromotions)
			promotions.POST("/usage/:id/cancel", publicHandler.CancelPromotionUsage)
			promotions.POST("/usage/:id/refund", publicHandler.RefundPromotionUsage)
		}

		admin := apiV1.Group("/admin")
		admin.Use(AdminJWTAuthMiddleware(cfg.JWT))
		{
			admin.GET("/promotions", adminHandler.ListPromotions)
			admin.POST("/promotions", adminHandler.CreatePromotion)
			admin.GET("/promotions/:id", adminHandler.GetPromotion)
			admin.PUT("/promotions/:id", adminHandler.UpdatePromotion)
			admin.DELETE("/promotions/:id", adminHandler.DeletePromotion)
			admin.POST("/promotions/:id/activate", adminHandler.ActivatePromotion)
			admin.POST("/promotions/:id/deactivate", adminHandler.DeactivatePromotion)
			admin.POST("/promotions/:id/stock", adminHandler.AdjustPromotionStock)
			admin.GET("/promotions/:id/usages", adminHandler.ListPromotionUsages)
			admin.POST("/webhooks/:id/retry", adminHandler.RetryWebhookEvent)
			admin.POST("/sweep", adminHandler.RunSweep)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "route not found")
	})

	return r
}

// healthHandler 数据库不可用即 degraded；Redis 只降级限流与去重缓存，单独报告
func healthHandler(c *gin.Context) {
	ctx := c.Request.Context()
	status := gin.H{"status": "ok", "redis": "disabled"}
	if cache.Enabled() {
		if err := cache.Ping(ctx); err != nil {
			status["redis"] = "unreachable"
		} else {
			status["redis"] = "ok"
		}
	}
	if models.DB != nil {
		sqlDB, err := models.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			status["status"] = "degraded"
			status["database"] = false
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = true
	}
	c.JSON(http.StatusOK, status)
}

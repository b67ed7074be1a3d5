package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PaymentTransitions 支付状态迁移次数
	PaymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paysettle_payment_transitions_total",
			Help: "Payment state transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	// PromotionReservations 促销预占结果
	PromotionReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paysettle_promotion_reservations_total",
			Help: "Promotion reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// PromotionReleases 促销释放次数
	PromotionReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paysettle_promotion_releases_total",
			Help: "Promotion usage releases by target status",
		},
		[]string{"target"},
	)

	// WebhookEvents 回调处理结果
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paysettle_webhook_events_total",
			Help: "Gateway webhook deliveries by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// GatewayCallDuration 网关调用耗时
	GatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paysettle_gateway_call_duration_seconds",
			Help:    "Gateway call latency by operation and result",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "result"},
	)

	// SweepItems 定时任务处理条数
	SweepItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paysettle_sweep_items_total",
			Help: "Items handled by periodic sweeps",
		},
		[]string{"job"},
	)

	// WorkerTaskErrors 队列任务处理失败次数
	WorkerTaskErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paysettle_worker_task_errors_total",
			Help: "Failed asynq task executions by task type",
		},
		[]string{"task"},
	)

	// RateLimitDecisions 限流判定结果
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paysettle_rate_limit_decisions_total",
			Help: "Rate limiter decisions by rule prefix and decision",
		},
		[]string{"rule", "decision"},
	)

	// HTTPRequests HTTP 请求次数
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paysettle_http_requests_total",
			Help: "HTTP requests by route, method and status class",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPDuration HTTP 请求耗时
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paysettle_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

// ObserveGatewayCall 记录一次网关调用
func ObserveGatewayCall(operation string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GatewayCallDuration.WithLabelValues(operation, result).Observe(elapsed.Seconds())
}

// GinMiddleware 采集 HTTP 指标
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(route, c.Request.Method, statusClass(c.Writer.Status())).Inc()
		HTTPDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// Handler 暴露 /metrics
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/metrics"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultBackoff    = 200 * time.Millisecond
	maxResponseBytes  = 1 << 20
	authorizeEndpoint = "/v1/payments/authorize"
	refundEndpoint    = "/v1/refunds"
	tracerName        = "github.com/paysettle/internal/gateway"
)

// HTTPClient JSON over HTTP 网关客户端（超时 + 有限重试 + 熔断）
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

// NewHTTPClient 创建网关客户端
func NewHTTPClient(cfg config.GatewayConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base_url is required", ErrConfigInvalid)
	}
	timeout := defaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	backoff := defaultBackoff
	if cfg.BackoffMS > 0 {
		backoff = time.Duration(cfg.BackoffMS) * time.Millisecond
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    backoff,
		breaker:    newBreaker("payment-gateway", cfg),
	}, nil
}

func newBreaker(name string, cfg config.GatewayConfig) *gobreaker.CircuitBreaker[[]byte] {
	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := cfg.BreakerFailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	openFor := 30 * time.Second
	if cfg.BreakerOpenSeconds > 0 {
		openFor = time.Duration(cfg.BreakerOpenSeconds) * time.Second
	}
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		// 业务拒绝不计入熔断
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransient)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Component("gateway").Warnw("gateway_breaker_state_changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Authorize 发起支付
func (c *HTTPClient) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	body, err := c.call(ctx, "authorize", authorizeEndpoint, req, "authorize-"+req.PaymentReference,
		attribute.String("payment.reference", req.PaymentReference))
	if err != nil {
		return nil, err
	}
	var result AuthorizeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decode authorize response", ErrResponseInvalid)
	}
	return &result, nil
}

// Refund 发起退款
func (c *HTTPClient) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	body, err := c.call(ctx, "refund", refundEndpoint, req, req.IdempotencyKey,
		attribute.String("payment.reference", req.PaymentReference))
	if err != nil {
		return nil, err
	}
	var result RefundResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decode refund response", ErrResponseInvalid)
	}
	return &result, nil
}

// call 单次网关操作：一个 client span 覆盖全部重试，并记录耗时指标
func (c *HTTPClient) call(ctx context.Context, operation, path string, payload interface{}, idempotencyKey string, attrs ...attribute.KeyValue) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("http.route", path))...),
	)
	defer span.End()

	start := time.Now()
	body, err := c.postWithRetry(ctx, path, payload, idempotencyKey)
	metrics.ObserveGatewayCall(operation, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, classify(err))
	}
	return body, err
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

func (c *HTTPClient) postWithRetry(ctx context.Context, path string, payload interface{}, idempotencyKey string) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request", ErrConfigInvalid)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
			case <-time.After(wait):
			}
		}
		body, err := c.breaker.Execute(func() ([]byte, error) {
			return c.doPost(ctx, path, encoded, idempotencyKey)
		})
		if err == nil {
			return body, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return nil, err
		}
		logger.Component("gateway").Debugw("gateway_request_retry", "path", path, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *HTTPClient) doPost(ctx context.Context, path string, body []byte, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request failed", ErrConfigInvalid)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response failed", ErrTransient)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// NewClient 按配置选择网关实现
func NewClient(cfg config.GatewayConfig) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "noop":
		return NoopClient{}, nil
	case "http":
		return NewHTTPClient(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %s", ErrConfigInvalid, cfg.Driver)
	}
}

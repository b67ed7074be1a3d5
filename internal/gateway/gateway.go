package gateway

import (
	"context"
	"errors"
)

var (
	// ErrTransient 网络/超时/5xx 等可重试错误
	ErrTransient = errors.New("gateway transient failure")
	// ErrRejected 网关明确拒绝（4xx），不可重试
	ErrRejected = errors.New("gateway rejected request")
	// ErrCircuitOpen 熔断打开，快速失败
	ErrCircuitOpen = errors.New("gateway circuit open")
	// ErrConfigInvalid 配置错误
	ErrConfigInvalid = errors.New("gateway config invalid")
	// ErrResponseInvalid 响应无法解析
	ErrResponseInvalid = errors.New("gateway response invalid")
	// ErrSignatureInvalid 回调签名校验失败
	ErrSignatureInvalid = errors.New("gateway signature invalid")
)

// AuthorizeRequest 发起支付请求
type AuthorizeRequest struct {
	PaymentReference string `json:"payment_reference"`
	OrderID          uint   `json:"order_id"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Gateway          string `json:"gateway"`
}

// AuthorizeResult 发起支付结果
type AuthorizeResult struct {
	GatewayReference string `json:"gateway_reference"`
	Status           string `json:"status"`
}

// RefundRequest 退款请求
type RefundRequest struct {
	PaymentReference     string `json:"payment_reference"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
	IdempotencyKey       string `json:"-"`
}

// RefundResult 退款结果
type RefundResult struct {
	GatewayReference string `json:"gateway_reference"`
	Status           string `json:"status"`
}

// Client 支付网关能力接口，启动时注入
type Client interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// IsTransient 判断是否为可重试错误
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrCircuitOpen)
}

// NoopClient 本地运行用网关，直接受理
type NoopClient struct{}

// Authorize 直接受理
func (NoopClient) Authorize(_ context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	return &AuthorizeResult{GatewayReference: "noop-" + req.PaymentReference, Status: "accepted"}, nil
}

// Refund 直接受理
func (NoopClient) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	return &RefundResult{GatewayReference: "noop-refund-" + req.IdempotencyKey, Status: "succeeded"}, nil
}

package service

import (
	"errors"

	"github.com/paysettle/internal/constants"
)

// ErrorKind 错误分类，决定对外 HTTP 状态
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindExternal   ErrorKind = "external"
	KindInvariant  ErrorKind = "invariant"
	KindInternal   ErrorKind = "internal"
)

// Error 带分类与机器可读错误码的业务错误
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidRequest              = newError(KindValidation, "INVALID_REQUEST", "invalid request")
	ErrCurrencyUnsupported         = newError(KindValidation, "CURRENCY_UNSUPPORTED", "currency is not supported")
	ErrInvalidStatus               = newError(KindValidation, "INVALID_STATUS", "unknown payment status")
	ErrExceedsRefundable           = newError(KindValidation, "EXCEEDS_REFUNDABLE", "refund amount exceeds refundable amount")
	ErrWebhookPayloadInvalid       = newError(KindValidation, "WEBHOOK_PAYLOAD_INVALID", "webhook payload invalid")
	ErrWebhookSignatureInvalid     = newError(KindValidation, "WEBHOOK_SIGNATURE_INVALID", "webhook signature invalid")
	ErrPaymentNotFound             = newError(KindNotFound, "PAYMENT_NOT_FOUND", "payment not found")
	ErrPromotionNotFound           = newError(KindNotFound, "PROMOTION_NOT_FOUND", "promotion not found")
	ErrUsageNotFound               = newError(KindNotFound, "USAGE_NOT_FOUND", "promotion usage not found")
	ErrWebhookEventNotFound        = newError(KindNotFound, "WEBHOOK_EVENT_NOT_FOUND", "webhook event not found")
	ErrInvalidState                = newError(KindConflict, "INVALID_STATE", "illegal payment state transition")
	ErrPaymentStateChanged         = newError(KindConflict, "STATE_CHANGED", "payment was modified concurrently")
	ErrPromotionAlreadyAttached    = newError(KindConflict, constants.PromotionRejectAlreadyApplied, "payment already has a promotion")
	ErrNoPromotionAttached         = newError(KindConflict, "NO_PROMOTION", "payment has no promotion attached")
	ErrDuplicateGatewayTransaction = newError(KindConflict, "DUPLICATE_GATEWAY_TRANSACTION", "gateway transaction id already used by another payment")
	ErrReservationConflict         = newError(KindConflict, "RESERVATION_CONFLICT", "promotion stock reservation kept losing races")
	ErrPromotionInUse              = newError(KindConflict, "PROMOTION_IN_USE", "promotion is referenced by applied usages")
	ErrPromotionCodeExists         = newError(KindConflict, "PROMOTION_CODE_EXISTS", "promotion code already exists")
	ErrRefundInProgress            = newError(KindConflict, "REFUND_IN_PROGRESS", "another refund for this payment is being settled")
	ErrStockAdjustInvalid          = newError(KindConflict, "STOCK_ADJUST_INVALID", "stock adjustment would make stock negative")
	ErrExternalService             = newError(KindExternal, "EXTERNAL_SERVICE", "external service unavailable")
	ErrGatewayRejected             = newError(KindExternal, "GATEWAY_REJECTED", "gateway rejected the request")
	ErrInvariantViolation          = newError(KindInvariant, "INVARIANT_VIOLATION", "ledger invariant violated")
)

// RejectionError 促销校验拒绝，携带原因码
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "promotion rejected: " + e.Reason
}

// Kind 按原因码分类
func (e *RejectionError) Kind() ErrorKind {
	switch e.Reason {
	case constants.PromotionRejectNotFound:
		return KindNotFound
	case constants.PromotionRejectOutOfStock, constants.PromotionRejectAlreadyApplied:
		return KindConflict
	default:
		return KindValidation
	}
}

func reject(reason string) *RejectionError {
	return &RejectionError{Reason: reason}
}

// RejectionReason 提取促销拒绝原因码
func RejectionReason(err error) (string, bool) {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason, true
	}
	return "", false
}

// KindOf 返回错误分类，未知错误视为 internal
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Kind()
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// CodeOf 返回机器可读错误码
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return "INTERNAL"
}

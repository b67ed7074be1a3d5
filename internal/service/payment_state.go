package service

import "github.com/paysettle/internal/constants"

// paymentTransitions 支付状态迁移表，未列出的迁移一律非法
var paymentTransitions = map[string]map[string]bool{
	constants.PaymentStatusPending: {
		constants.PaymentStatusProcessing: true,
		constants.PaymentStatusFailed:     true,
		constants.PaymentStatusCancelled:  true,
		constants.PaymentStatusExpired:    true,
	},
	constants.PaymentStatusProcessing: {
		constants.PaymentStatusCompleted: true,
		constants.PaymentStatusFailed:    true,
		constants.PaymentStatusCancelled: true,
		constants.PaymentStatusExpired:   true,
	},
	constants.PaymentStatusCompleted: {
		constants.PaymentStatusPartiallyRefunded: true,
		constants.PaymentStatusRefunded:          true,
	},
	// 多次部分退款停留在 PARTIALLY_REFUNDED
	constants.PaymentStatusPartiallyRefunded: {
		constants.PaymentStatusPartiallyRefunded: true,
		constants.PaymentStatusRefunded:          true,
	},
	constants.PaymentStatusFailed:    {},
	constants.PaymentStatusCancelled: {},
	constants.PaymentStatusExpired:   {},
	constants.PaymentStatusRefunded:  {},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to string) bool {
	targets, ok := paymentTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsKnownPaymentStatus 是否为已知支付状态
func IsKnownPaymentStatus(status string) bool {
	_, ok := paymentTransitions[status]
	return ok
}

// PaymentStatuses 全部支付状态
func PaymentStatuses() []string {
	return []string{
		constants.PaymentStatusPending,
		constants.PaymentStatusProcessing,
		constants.PaymentStatusCompleted,
		constants.PaymentStatusFailed,
		constants.PaymentStatusCancelled,
		constants.PaymentStatusExpired,
		constants.PaymentStatusPartiallyRefunded,
		constants.PaymentStatusRefunded,
	}
}

// isReleaseStatus 进入该状态时需要释放促销预占
func isReleaseStatus(status string) bool {
	switch status {
	case constants.PaymentStatusFailed, constants.PaymentStatusCancelled, constants.PaymentStatusExpired:
		return true
	}
	return false
}

package constants

// 支付状态常量
const (
	PaymentStatusPending           = "PENDING"
	PaymentStatusProcessing        = "PROCESSING"
	PaymentStatusCompleted         = "COMPLETED"
	PaymentStatusFailed            = "FAILED"
	PaymentStatusCancelled         = "CANCELLED"
	PaymentStatusExpired           = "EXPIRED"
	PaymentStatusPartiallyRefunded = "PARTIALLY_REFUNDED"
	PaymentStatusRefunded          = "REFUNDED"
)

// 支付流水类型常量
const (
	PaymentTxnTypeCapture       = "CAPTURE"
	PaymentTxnTypeRefund        = "REFUND"
	PaymentTxnTypePartialRefund = "PARTIAL_REFUND"
)

// 支付流水状态常量
const (
	PaymentTxnStatusSucceeded = "SUCCEEDED"
)

// 促销折扣类型常量
const (
	PromotionTypePercentage   = "PERCENTAGE"
	PromotionTypeFixedAmount  = "FIXED_AMOUNT"
	PromotionTypeFreeShipping = "FREE_SHIPPING"
)

// 促销使用记录状态常量
const (
	PromotionUsageStatusApplied   = "APPLIED"
	PromotionUsageStatusCancelled = "CANCELLED"
	PromotionUsageStatusRefunded  = "REFUNDED"
)

// 促销拒绝原因码
const (
	PromotionRejectNotFound          = "NOT_FOUND"
	PromotionRejectInactive          = "INACTIVE"
	PromotionRejectNotStarted        = "NOT_STARTED"
	PromotionRejectExpired           = "EXPIRED"
	PromotionRejectOutOfStock        = "OUT_OF_STOCK"
	PromotionRejectBelowMinimum      = "BELOW_MINIMUM"
	PromotionRejectAlreadyUsedByUser = "ALREADY_USED_BY_USER"
	PromotionRejectNotEligible       = "NOT_ELIGIBLE"
	PromotionRejectAlreadyApplied    = "ALREADY_APPLIED"
)

// 网关回调事件类型常量
const (
	WebhookEventPaymentConfirmed = "payment_confirmed"
	WebhookEventPaymentFailed    = "payment_failed"
	WebhookEventPaymentStatus    = "payment_status"
)

// 回调事件处理状态常量
const (
	WebhookStatusReceived     = "RECEIVED"
	WebhookStatusProcessed    = "PROCESSED"
	WebhookStatusIgnored      = "IGNORED"
	WebhookStatusPendingRetry = "PENDING_RETRY"
	WebhookStatusFailed       = "FAILED"
)

// 回调处理结果常量
const (
	WebhookOutcomeApplied         = "applied"
	WebhookOutcomeDuplicate       = "duplicate"
	WebhookOutcomePaymentNotFound = "payment_not_found"
	WebhookOutcomeRejected        = "rejected"
	WebhookOutcomeQueuedForRetry  = "queued_for_retry"
)

// 队列名称常量
const (
	QueueDefault  = "default"
	QueueCritical = "critical"
)

// 异步任务类型常量
const (
	TaskPaymentExpire    = "payment:expire"
	TaskWebhookReconcile = "webhook:reconcile"
)

// 支付事件主题
const (
	EventTopicPaymentStatus = "payment.status"
)

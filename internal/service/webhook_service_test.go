package service

import (
	"context"
	"testing"
	"time"

	"github.com/paysettle/internal/cache"
	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmedNotification(payment *models.Payment, txnID string) WebhookNotification {
	return WebhookNotification{
		Gateway:              "mock",
		GatewayTransactionID: txnID,
		EventType:            constants.WebhookEventPaymentConfirmed,
		OrderID:              payment.OrderID,
		PaymentReference:     payment.Reference,
		Payload:              models.JSON{"source": "test"},
	}
}

func TestWebhookConfirmIsIdempotent(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.createPayment(t, 1, "20")

	first, err := f.webhooks.Handle(ctx, confirmedNotification(payment, "txn-1"))
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, constants.WebhookOutcomeApplied, first.Outcome)
	assert.Equal(t, constants.PaymentStatusCompleted, first.Status)

	second, err := f.webhooks.Handle(ctx, confirmedNotification(payment, "txn-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Applied)
	assert.Equal(t, first.EventID, second.EventID)

	txns, err := f.payments.ListTransactions(ctx, payment.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	event, err := f.eventRepo.GetByID(first.EventID)
	require.NoError(t, err)
	assert.Equal(t, constants.WebhookStatusProcessed, event.Status)
	require.NotNil(t, event.PaymentID)
	assert.Equal(t, payment.ID, *event.PaymentID)
	assert.NotNil(t, event.Payload["notification"])
}

func TestWebhookDedupFastPathWithRedis(t *testing.T) {
	f := setupSettlementTest(t)
	mr := miniredis.RunT(t)
	cache.UseClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { cache.UseClient(nil, "") })
	ctx := context.Background()
	payment := f.createPayment(t, 1, "20")

	_, err := f.webhooks.Handle(ctx, confirmedNotification(payment, "txn-r"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:webhook:dedup:txn-r:payment_confirmed"))

	again, err := f.webhooks.Handle(ctx, confirmedNotification(payment, "txn-r"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	// 缓存失效后由持久化记录兜底
	mr.FlushAll()
	third, err := f.webhooks.Handle(ctx, confirmedNotification(payment, "txn-r"))
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
}

func TestWebhookUnknownPaymentIsAcknowledged(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()

	result, err := f.webhooks.Handle(ctx, WebhookNotification{
		GatewayTransactionID: "txn-ghost",
		EventType:            constants.WebhookEventPaymentConfirmed,
		OrderID:              404,
	})
	require.NoError(t, err)
	assert.Equal(t, constants.WebhookOutcomePaymentNotFound, result.Outcome)
	assert.False(t, result.Applied)

	event, err := f.eventRepo.GetByID(result.EventID)
	require.NoError(t, err)
	assert.Equal(t, constants.WebhookStatusIgnored, event.Status)
}

func TestWebhookFailAfterConfirmIsIgnored(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.createPayment(t, 1, "20")
	_, err := f.webhooks.Handle(ctx, confirmedNotification(payment, "txn-1"))
	require.NoError(t, err)

	result, err := f.webhooks.Handle(ctx, WebhookNotification{
		GatewayTransactionID: "txn-1",
		EventType:            constants.WebhookEventPaymentFailed,
		PaymentReference:     payment.Reference,
		Reason:               "late failure",
	})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, constants.WebhookOutcomeRejected, result.Outcome)
	assert.Equal(t, constants.PaymentStatusCompleted, result.Status)

	reloaded, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PaymentStatusCompleted, reloaded.Status)
}

func TestWebhookStatusEventsUseStatusInKey(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.createPayment(t, 1, "20")

	processing, err := f.webhooks.Handle(ctx, WebhookNotification{
		GatewayTransactionID: "txn-s",
		EventType:            constants.WebhookEventPaymentStatus,
		PaymentStatus:        "processing",
		OrderID:              payment.OrderID,
	})
	require.NoError(t, err)
	assert.True(t, processing.Applied)
	assert.Equal(t, constants.PaymentStatusProcessing, processing.Status)

	cancelled, err := f.webhooks.Handle(ctx, WebhookNotification{
		GatewayTransactionID: "txn-s",
		EventType:            constants.WebhookEventPaymentStatus,
		PaymentStatus:        constants.PaymentStatusCancelled,
		OrderID:              payment.OrderID,
		Reason:               "buyer abandoned",
	})
	require.NoError(t, err)
	assert.False(t, cancelled.Duplicate)
	assert.True(t, cancelled.Applied)
	assert.Equal(t, constants.PaymentStatusCancelled, cancelled.Status)

	event, err := f.eventRepo.GetByKey("txn-s", "payment_status:CANCELLED")
	require.NoError(t, err)
	require.NotNil(t, event)
}

func TestWebhookInvalidPayload(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	cases := []WebhookNotification{
		{EventType: constants.WebhookEventPaymentConfirmed, OrderID: 1},
		{GatewayTransactionID: "t", EventType: constants.WebhookEventPaymentConfirmed},
		{GatewayTransactionID: "t", EventType: "refund_created", OrderID: 1},
		{GatewayTransactionID: "t", EventType: constants.WebhookEventPaymentStatus, PaymentStatus: "LOST", OrderID: 1},
	}
	for _, n := range cases {
		_, err := f.webhooks.Handle(ctx, n)
		assert.ErrorIs(t, err, ErrWebhookPayloadInvalid)
	}
}

// flakyStateMachine 前 failures 次确认返回 failErr，默认外部服务错误
type flakyStateMachine struct {
	*PaymentService
	failures int
	failErr  error
	calls    int
}

func (m *flakyStateMachine) ConfirmCapture(ctx context.Context, id uint, gatewayTxnID string) (*models.Payment, error) {
	m.calls++
	if m.calls <= m.failures {
		if m.failErr != nil {
			return nil, m.failErr
		}
		return nil, ErrExternalService
	}
	return m.PaymentService.ConfirmCapture(ctx, id, gatewayTxnID)
}

func TestWebhookExternalErrorQueuesRetry(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.createPayment(t, 1, "20")
	f.webhooks.payments = &flakyStateMachine{PaymentService: f.payments, failures: 1}

	result, err := f.webhooks.Handle(ctx, confirmedNotification(payment, "txn-later"))
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, constants.WebhookOutcomeQueuedForRetry, result.Outcome)
	require.Len(t, f.scheduler.reconciles, 1)
	assert.Equal(t, result.EventID, f.scheduler.reconciles[0].EventID)

	event, err := f.eventRepo.GetByID(result.EventID)
	require.NoError(t, err)
	assert.Equal(t, constants.WebhookStatusPendingRetry, event.Status)

	retried, err := f.webhooks.Retry(ctx, result.EventID)
	require.NoError(t, err)
	assert.True(t, retried.Applied)
	assert.Equal(t, constants.PaymentStatusCompleted, retried.Status)

	duplicate, err := f.webhooks.Handle(ctx, confirmedNotification(payment, "txn-later"))
	require.NoError(t, err)
	assert.True(t, duplicate.Duplicate)
}

func TestWebhookRetryLifecycle(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.createPayment(t, 1, "20")

	event := &models.WebhookEvent{
		GatewayTransactionID: "txn-retry",
		EventType:            constants.WebhookEventPaymentConfirmed,
		OrderID:              payment.OrderID,
		PaymentReference:     payment.Reference,
		Payload:              notificationPayload(confirmedNotification(payment, "txn-retry")),
		Status:               constants.WebhookStatusPendingRetry,
		Attempts:             1,
	}
	created, err := f.eventRepo.CreateIfAbsent(event)
	require.NoError(t, err)
	require.True(t, created)

	result, err := f.webhooks.Retry(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, constants.PaymentStatusCompleted, result.Status)

	reloaded, err := f.eventRepo.GetByID(event.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.WebhookStatusProcessed, reloaded.Status)
	assert.Equal(t, 2, reloaded.Attempts)

	skipped, err := f.webhooks.Retry(ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, skipped.Applied)

	_, err = f.webhooks.Retry(ctx, 9999)
	assert.ErrorIs(t, err, ErrWebhookEventNotFound)
	assert.False(t, IsRetryable(err))
}

func TestWebhookRetryExhaustsToFailed(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.createPayment(t, 1, "20")

	event := &models.WebhookEvent{
		GatewayTransactionID: "txn-x",
		EventType:            constants.WebhookEventPaymentConfirmed,
		OrderID:              payment.OrderID,
		PaymentReference:     payment.Reference,
		Status:               constants.WebhookStatusPendingRetry,
		Attempts:             1,
	}
	_, err := f.eventRepo.CreateIfAbsent(event)
	require.NoError(t, err)

	f.webhooks.payments = &flakyStateMachine{PaymentService: f.payments, failures: 10}

	_, err = f.webhooks.Retry(ctx, event.ID)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	reloaded, _ := f.eventRepo.GetByID(event.ID)
	assert.Equal(t, constants.WebhookStatusPendingRetry, reloaded.Status)
	assert.Equal(t, 2, reloaded.Attempts)

	result, err := f.webhooks.Retry(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Outcome)
	reloaded, _ = f.eventRepo.GetByID(event.ID)
	assert.Equal(t, constants.WebhookStatusFailed, reloaded.Status)
	assert.Equal(t, 3, reloaded.Attempts)
	assert.NotEmpty(t, reloaded.LastError)
}

func TestWebhookPendingRetryListedAfterBackoff(t *testing.T) {
	f := setupSettlementTest(t)
	event := &models.WebhookEvent{
		GatewayTransactionID: "txn-wait",
		EventType:            constants.WebhookEventPaymentConfirmed,
		OrderID:              1,
		Status:               constants.WebhookStatusPendingRetry,
	}
	_, err := f.eventRepo.CreateIfAbsent(event)
	require.NoError(t, err)

	events, err := f.eventRepo.ListPendingRetry(time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = f.eventRepo.ListPendingRetry(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
}

func TestWebhookLostRaceIsRetriedNotIgnored(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	payment := f.createPayment(t, 1, "20")
	_, err := f.payments.Process(ctx, payment.ID)
	require.NoError(t, err)
	f.webhooks.payments = &flakyStateMachine{PaymentService: f.payments, failures: 1, failErr: ErrPaymentStateChanged}

	result, err := f.webhooks.Handle(ctx, confirmedNotification(payment, "txn-race"))
	require.NoError(t, err)
	assert.Equal(t, constants.WebhookOutcomeQueuedForRetry, result.Outcome)
	require.Len(t, f.scheduler.reconciles, 1)
	event, err := f.eventRepo.GetByID(result.EventID)
	require.NoError(t, err)
	assert.Equal(t, constants.WebhookStatusPendingRetry, event.Status)
	assert.True(t, IsRetryable(ErrPaymentStateChanged))

	retried, err := f.webhooks.Retry(ctx, result.EventID)
	require.NoError(t, err)
	assert.True(t, retried.Applied)
	assert.Equal(t, constants.PaymentStatusCompleted, retried.Status)

	reloaded, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PaymentStatusCompleted, reloaded.Status)
}

func TestWebhookConfirmOfPendingPaymentIsAtomic(t *testing.T) {
	f := setupSettlementTest(t)
	ctx := context.Background()
	owner := f.createPayment(t, 1, "20")
	_, err := f.webhooks.Handle(ctx, confirmedNotification(owner, "txn-dup"))
	require.NoError(t, err)

	other := f.createPayment(t, 2, "20")
	result, err := f.webhooks.Handle(ctx, confirmedNotification(other, "txn-dup"))
	require.NoError(t, err)
	assert.Equal(t, constants.WebhookOutcomeRejected, result.Outcome)

	reloaded, err := f.payments.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PaymentStatusPending, reloaded.Status)
	assert.Equal(t, other.Version, reloaded.Version)
	assert.Nil(t, reloaded.ProcessingAt)

	confirmed, err := f.payments.Get(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.PaymentStatusCompleted, confirmed.Status)
	assert.NotNil(t, confirmed.ProcessingAt)

	var hops []string
	for _, event := range f.publisher.Events() {
		if event.PaymentID == owner.ID {
			hops = append(hops, event.FromStatus+">"+event.ToStatus)
		}
	}
	assert.Equal(t, []string{">PENDING", "PENDING>PROCESSING", "PROCESSING>COMPLETED"}, hops)
}

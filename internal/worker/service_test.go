package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/metrics"
	"github.com/paysettle/internal/queue"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceRejectsMissingDeps(t *testing.T) {
	_, err := NewService(nil, &Consumer{})
	assert.Error(t, err)
	_, err = NewService(&config.QueueConfig{Enabled: false}, &Consumer{})
	assert.Error(t, err)
	_, err = NewService(&config.QueueConfig{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestNewServiceRegistersHandlers(t *testing.T) {
	svc, err := NewService(&config.QueueConfig{Enabled: true, Concurrency: 1}, &Consumer{})
	require.NoError(t, err)
	assert.Equal(t, "worker", svc.Name())

	h, pattern := svc.mux.Handler(asynq.NewTask(queue.TaskPaymentExpire, nil))
	assert.NotNil(t, h)
	assert.Equal(t, queue.TaskPaymentExpire, pattern)
	_, pattern = svc.mux.Handler(asynq.NewTask(queue.TaskWebhookReconcile, nil))
	assert.Equal(t, queue.TaskWebhookReconcile, pattern)
}

func TestReportTaskErrorCounts(t *testing.T) {
	counter := metrics.WorkerTaskErrors.WithLabelValues(queue.TaskWebhookReconcile)
	before := testutil.ToFloat64(counter)
	reportTaskError(context.Background(), asynq.NewTask(queue.TaskWebhookReconcile, nil), errors.New("gateway down"))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestStopUninitializedService(t *testing.T) {
	var svc *Service
	assert.NoError(t, svc.Stop(context.Background()))
	assert.Error(t, (&Service{}).Start(context.Background()))
}

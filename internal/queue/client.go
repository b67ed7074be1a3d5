package queue

import (
	"errors"
	"strconv"
	"time"

	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/logger"

	"github.com/hibiken/asynq"
)

// DefaultQueue 默认队列名称
const DefaultQueue = constants.QueueDefault

const defaultConcurrency = 10

// Client asynq 客户端封装；未启用时所有投递都是空操作，
// 由定时清理兜底。
type Client struct {
	client *asynq.Client
}

// NewClient 创建队列客户端
func NewClient(cfg *config.QueueConfig) (*Client, error) {
	if cfg == nil || !cfg.Enabled {
		return &Client{}, nil
	}
	return &Client{client: asynq.NewClient(redisOpt(cfg))}, nil
}

// Enabled 判断是否启用
func (c *Client) Enabled() bool {
	return c != nil && c.client != nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// EnqueuePaymentExpire 在 at 时刻触发过期检查。同一支付只保留一个任务。
func (c *Client) EnqueuePaymentExpire(payload PaymentExpirePayload, at time.Time) error {
	if !c.Enabled() {
		return nil
	}
	task, err := NewPaymentExpireTask(payload)
	if err != nil {
		return err
	}
	return c.enqueue(task,
		asynq.Queue(DefaultQueue),
		asynq.ProcessIn(max(time.Until(at), 0)),
		asynq.TaskID(TaskPaymentExpire+":"+strconv.FormatUint(uint64(payload.PaymentID), 10)),
	)
}

// EnqueueWebhookReconcile 延迟 delay 后重放一条待重试的回调
func (c *Client) EnqueueWebhookReconcile(payload WebhookReconcilePayload, delay time.Duration, maxRetry int) error {
	if !c.Enabled() {
		return nil
	}
	task, err := NewWebhookReconcileTask(payload)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(constants.QueueCritical), asynq.ProcessIn(max(delay, 0))}
	if maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(maxRetry))
	}
	return c.enqueue(task, opts...)
}

func (c *Client) enqueue(task *asynq.Task, opts ...asynq.Option) error {
	info, err := c.client.Enqueue(task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		logger.Component("queue").Warnw("queue_enqueue_failed", "task", task.Type(), "error", err)
		return err
	}
	logger.Component("queue").Debugw("queue_enqueued", "task", task.Type(), "task_id", info.ID, "queue", info.Queue)
	return nil
}

// BuildServerConfig 生成 worker 端 asynq 配置
func BuildServerConfig(cfg *config.QueueConfig) (asynq.RedisClientOpt, asynq.Config) {
	serverCfg := asynq.Config{
		Concurrency: defaultConcurrency,
		Queues:      map[string]int{constants.QueueCritical: 6, DefaultQueue: 3},
	}
	if cfg != nil && cfg.Concurrency > 0 {
		serverCfg.Concurrency = cfg.Concurrency
	}
	if cfg != nil && len(cfg.Queues) > 0 {
		serverCfg.Queues = cfg.Queues
	}
	return redisOpt(cfg), serverCfg
}

func redisOpt(cfg *config.QueueConfig) asynq.RedisClientOpt {
	if cfg == nil {
		cfg = &config.QueueConfig{}
	}
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

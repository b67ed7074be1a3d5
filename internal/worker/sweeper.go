package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/service"
)

// SweepRunner 单轮清理能力，*service.SweepService 实现
type SweepRunner interface {
	RunOnce(ctx context.Context, now time.Time, batch int) service.SweepReport
}

// Sweeper 周期执行清理任务，队列关闭时仍可独立运行
type Sweeper struct {
	runner   SweepRunner
	interval time.Duration
	batch    int
	now      func() time.Time

	mu   sync.Mutex
	stop context.CancelFunc
}

// NewSweeper 创建定时清理服务
func NewSweeper(cfg config.SweepConfig, runner SweepRunner) (*Sweeper, error) {
	if runner == nil {
		return nil, errors.New("sweep runner is nil")
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		runner:   runner,
		interval: cfg.Interval(),
		batch:    batch,
		now:      time.Now,
	}, nil
}

// Name 服务名称
func (s *Sweeper) Name() string {
	return "sweeper"
}

// Start 立即执行一轮，之后按周期执行直到 ctx 结束或 Stop
func (s *Sweeper) Start(ctx context.Context) error {
	if s == nil || s.runner == nil {
		return errors.New("sweeper not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()
	defer cancel()

	s.tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop 停止周期任务
func (s *Sweeper) Stop(_ context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	report := s.runner.RunOnce(ctx, s.now(), s.batch)
	if report == (service.SweepReport{}) {
		return
	}
	logger.Component("sweeper").Infow("worker_sweep_done",
		"expired_payments", report.ExpiredPayments,
		"deactivated_promotions", report.DeactivatedPromotions,
		"released_usages", report.ReleasedUsages,
		"retried_webhooks", report.RetriedWebhooks,
		"resumed_refunds", report.ResumedRefunds,
	)
}

package app

import (
	"context"
	"errors"

	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/provider"
	"github.com/paysettle/internal/router"
	"github.com/paysettle/internal/tracing"
	"github.com/paysettle/internal/worker"
)

// BuildRunner 构建服务运行器，返回的容器由调用方负责关闭
func BuildRunner(cfg *config.Config, mode string) (*Runner, *provider.Container, error) {
	if cfg == nil {
		return nil, nil, errors.New("config is nil")
	}

	container, err := provider.NewContainer(cfg)
	if err != nil {
		return nil, nil, err
	}

	var services []Service

	if mode == ModeAll || mode == ModeAPI {
		engine := router.SetupRouter(cfg, container)
		services = append(services, NewHTTPService(cfg.Server, engine))
	}

	if mode == ModeAll || mode == ModeWorker {
		if cfg.Queue.Enabled {
			workerService, err := worker.NewService(&cfg.Queue, worker.NewConsumer(container))
			if err != nil {
				container.Close()
				return nil, nil, err
			}
			services = append(services, workerService)
		}
		// 定时清理不依赖队列
		if cfg.Sweep.Enabled {
			sweeper, err := worker.NewSweeper(cfg.Sweep, container.SweepService)
			if err != nil {
				container.Close()
				return nil, nil, err
			}
			services = append(services, sweeper)
		}
	}

	if len(services) == 0 {
		container.Close()
		return nil, nil, errors.New("no services initialized (check mode and config)")
	}

	return NewRunner(services...), container, nil
}

// Run 应用启动入口
func Run(opts Options) error {
	opts = normalizeOptions(opts)
	if opts.Config == nil {
		return errors.New("config is nil")
	}

	mode, err := ParseMode(opts.Mode)
	if err != nil {
		return err
	}
	opts.Mode = mode

	shutdownTracing, err := tracing.Init(opts.Config.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			opts.Logger.Warnw("tracing_shutdown_failed", "error", err)
		}
	}()

	runner, container, err := BuildRunner(opts.Config, opts.Mode)
	if err != nil {
		return err
	}
	defer container.Close()

	opts.Logger.Infow("app_start",
		"addr", opts.Config.Server.Addr(),
		"mode", opts.Mode,
		"services", runner.Names(),
		"queue_enabled", opts.Config.Queue.Enabled,
		"sweep_enabled", opts.Config.Sweep.Enabled,
		"tracing_enabled", opts.Config.Tracing.Enabled,
	)
	return RunWithOptions(runner, opts)
}

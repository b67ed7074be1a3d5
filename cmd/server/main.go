package main

import (
	"flag"
	"os"
	"strings"

	"github.com/paysettle/internal/app"
	"github.com/paysettle/internal/config"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// 解析命令行参数
	var (
		mode        string
		envFile     string
		migrateOnly bool
	)
	flag.StringVar(&mode, "mode", app.ModeAll, "启动模式: all (默认), api, worker")
	flag.StringVar(&envFile, "env", ".env", "环境变量文件，不存在时忽略")
	flag.BoolVar(&migrateOnly, "migrate-only", false, "只执行数据库迁移后退出")
	flag.Parse()

	runMode, modeErr := app.ParseMode(mode)

	envLoadErr := godotenv.Load(envFile)

	// 加载配置
	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	defer logger.Sync()
	stdLog := logger.StdLogger()

	if modeErr != nil {
		stdLog.Fatalf("启动模式无效: %v", modeErr)
	}
	if envLoadErr != nil && !os.IsNotExist(envLoadErr) {
		logger.Warnw("env_file_load_failed", "file", envFile, "error", envLoadErr)
	}

	release := cfg.Server.Mode == "release"
	for _, problem := range secretProblems(cfg) {
		if release {
			stdLog.Fatalf("密钥配置不安全: %s", problem)
		}
		logger.Warnw("insecure_secret", "problem", problem)
	}

	// 初始化数据库
	if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, models.DBOptions{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
		SlowQueryMs:            cfg.Database.SlowQueryMs,
	}); err != nil {
		stdLog.Fatalf("数据库初始化失败: %v", err)
	}

	// 自动迁移数据库表
	if err := models.AutoMigrate(); err != nil {
		stdLog.Fatalf("数据库迁移失败: %v", err)
	}
	if migrateOnly {
		logger.Infow("migrate_only_done", "driver", cfg.Database.Driver)
		return
	}

	if release {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := app.Run(app.Options{
		Config: cfg,
		Logger: logger.S(),
		Mode:   runMode,
	}); err != nil {
		stdLog.Fatalf("服务运行失败: %v", err)
	}
}

// secretProblems 检查管理端 JWT 与网关回调密钥
func secretProblems(cfg *config.Config) []string {
	var problems []string
	if isWeakSecret(cfg.JWT.SecretKey) {
		problems = append(problems, "jwt.secret_key is weak or a placeholder")
	}
	if strings.TrimSpace(cfg.Gateway.WebhookSecret) == "" {
		problems = append(problems, "gateway.webhook_secret is empty, every webhook will be rejected")
	} else if len(cfg.Gateway.WebhookSecret) < 16 {
		problems = append(problems, "gateway.webhook_secret is shorter than 16 bytes")
	}
	return problems
}

func isWeakSecret(secret string) bool {
	if len(secret) < 32 {
		return true
	}
	normalized := strings.ToLower(secret)
	for _, placeholder := range []string{"change-me", "change-in-production", "your-secret-key"} {
		if strings.Contains(normalized, placeholder) {
			return true
		}
	}
	return false
}

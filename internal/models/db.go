package models

import (
	"fmt"
	"strings"
	"time"

	applogger "github.com/paysettle/internal/logger"

	"github.com/glebarez/sqlite" // 纯 Go SQLite 驱动（基于 modernc.org/sqlite）
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// DBOptions 连接池与慢查询设置
type DBOptions struct {
	MaxOpenConns           int
	MaxIdleConns           int
	ConnMaxLifetimeSeconds int
	ConnMaxIdleTimeSeconds int
	SlowQueryMs            int
}

// InitDB 打开连接并设置全局 DB
func InitDB(driver, dsn string, opts DBOptions) error {
	db, err := OpenDB(driver, dsn, opts)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// OpenDB 按驱动打开连接：sqlite（默认）或 postgres
func OpenDB(driver, dsn string, opts DBOptions) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(opts.SlowQueryMs),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetimeSeconds > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(opts.ConnMaxLifetimeSeconds) * time.Second)
	}
	if opts.ConnMaxIdleTimeSeconds > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(opts.ConnMaxIdleTimeSeconds) * time.Second)
	}
	return db, nil
}

// gormWriter 把 gorm 的日志转到 zap
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	applogger.Component("gorm").Warnf(format, args...)
}

func newGormLogger(slowQueryMs int) gormlogger.Interface {
	cfg := gormlogger.Config{
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	}
	if slowQueryMs > 0 {
		cfg.SlowThreshold = time.Duration(slowQueryMs) * time.Millisecond
	}
	return gormlogger.New(gormWriter{}, cfg)
}

// AutoMigrate 迁移全局 DB
func AutoMigrate() error {
	return MigrateTables(DB)
}

// MigrateTables 在指定连接上迁移结算相关表
func MigrateTables(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	return db.AutoMigrate(
		&Promotion{},
		&PromotionUsage{},
		&Payment{},
		&PaymentTransaction{},
		&WebhookEvent{},
	)
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/paysettle/internal/config"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "ps"

// ErrDisabled Redis 未启用
var ErrDisabled = errors.New("redis disabled")

var (
	mu     sync.RWMutex
	client *redis.Client
	prefix = defaultPrefix
)

// InitRedis 按配置建立连接；未启用时保持禁用状态
func InitRedis(cfg *config.RedisConfig) error {
	if cfg == nil || !cfg.Enabled {
		UseClient(nil, "")
		return nil
	}
	UseClient(redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}), cfg.Prefix)
	return nil
}

// UseClient 直接注入客户端（nil 表示禁用），测试里配合 miniredis 使用
func UseClient(c *redis.Client, keyPrefix string) {
	mu.Lock()
	defer mu.Unlock()
	client = c
	prefix = strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
}

// Enabled 判断缓存是否启用
func Enabled() bool {
	return Client() != nil
}

// Client 当前客户端，禁用时为 nil
func Client() *redis.Client {
	mu.RLock()
	defer mu.RUnlock()
	return client
}

// Prefix 当前 key 前缀
func Prefix() string {
	mu.RLock()
	defer mu.RUnlock()
	return prefix
}

// Ping 健康检查
func Ping(ctx context.Context) error {
	c := Client()
	if c == nil {
		return ErrDisabled
	}
	return c.Ping(ctx).Err()
}

// Claim 以 SET NX 抢占 key，返回是否首次写入。
// 禁用时总是返回 true，去重交给数据库唯一约束。
func Claim(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	c := Client()
	if c == nil {
		return true, nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.SetNX(ctx, buildKey(key), payload, ttl).Result()
}

// Release 释放 Claim 抢占的 key
func Release(ctx context.Context, key string) error {
	c := Client()
	if c == nil {
		return nil
	}
	return c.Del(ctx, buildKey(key)).Err()
}

func buildKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return Prefix()
	}
	return Prefix() + ":" + trimmed
}

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/paysettle/internal/http/response"
	"github.com/paysettle/internal/logger"
	"github.com/paysettle/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimitKeyFunc 生成限流 key 的函数
type RateLimitKeyFunc func(*gin.Context) string

// RateLimitRule 固定窗口限流规则
type RateLimitRule struct {
	Prefix        string
	WindowSeconds int
	MaxRequests   int
}

// 读取请求体用于取 key 时的上限
const rateLimitBodyLimit = 1 << 20

var errRateLimitReply = errors.New("unexpected rate limit reply")

// 窗口计数：首次命中设置过期，返回 {count, ttl}
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("TTL", KEYS[1])}
`)

type windowCount struct {
	count int64
	ttl   int64
}

func (r RateLimitRule) enabled() bool {
	return r.WindowSeconds > 0 && r.MaxRequests > 0
}

func (r RateLimitRule) key(raw string) string {
	if r.Prefix == "" {
		return raw
	}
	return r.Prefix + ":" + raw
}

// retryAfter 取剩余 TTL，异常时退回整窗口
func (r RateLimitRule) retryAfter(ttl int64) int {
	if ttl >= 1 {
		return int(ttl)
	}
	if r.WindowSeconds >= 1 {
		return r.WindowSeconds
	}
	return 1
}

func incrWindow(ctx context.Context, client *redis.Client, key string, windowSeconds int) (windowCount, error) {
	result, err := fixedWindowScript.Run(ctx, client, []string{key}, windowSeconds).Result()
	if err != nil {
		return windowCount{}, err
	}
	values, ok := result.([]interface{})
	if !ok || len(values) < 2 {
		return windowCount{}, errRateLimitReply
	}
	count, ok := toInt64(values[0])
	if !ok {
		return windowCount{}, errRateLimitReply
	}
	ttl, _ := toInt64(values[1])
	return windowCount{count: count, ttl: ttl}, nil
}

// RateLimitMiddleware Redis 固定窗口限流。Redis 不可用时放行并记录，
// 促销库存的正确性由数据库条件更新保证，不依赖这里。
func RateLimitMiddleware(client *redis.Client, rule RateLimitRule, keyFunc RateLimitKeyFunc) gin.HandlerFunc {
	limitHeader := strconv.Itoa(rule.MaxRequests)
	return func(c *gin.Context) {
		if client == nil || !rule.enabled() {
			c.Next()
			return
		}

		raw := ""
		if keyFunc != nil {
			raw = strings.TrimSpace(keyFunc(c))
		}
		if raw == "" {
			raw = c.ClientIP()
		}
		key := rule.key(raw)

		window, err := incrWindow(c.Request.Context(), client, key, rule.WindowSeconds)
		if err != nil {
			logger.Warnw("rate_limit_unavailable", "key", key, "error", err)
			metrics.RateLimitDecisions.WithLabelValues(rule.Prefix, "bypass").Inc()
			c.Next()
			return
		}

		remaining := int64(rule.MaxRequests) - window.count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", limitHeader)
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if window.count > int64(rule.MaxRequests) {
			wait := rule.retryAfter(window.ttl)
			metrics.RateLimitDecisions.WithLabelValues(rule.Prefix, "limited").Inc()
			response.TooManyRequests(c, wait, fmt.Sprintf("too many requests, retry in %d seconds", wait))
			c.Abort()
			return
		}
		metrics.RateLimitDecisions.WithLabelValues(rule.Prefix, "allowed").Inc()
		c.Next()
	}
}

// KeyByIP 使用 IP 作为限流 key
func KeyByIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByJSONField 使用 JSON 字段作为限流 key，缺失时退化为 IP
func KeyByJSONField(field string) RateLimitKeyFunc {
	return func(c *gin.Context) string {
		value := strings.ToLower(strings.TrimSpace(readJSONField(c, field)))
		if value == "" {
			return c.ClientIP()
		}
		return field + ":" + value
	}
}

// readJSONField 读取后把请求体放回去，后续 handler 仍可绑定
func readJSONField(c *gin.Context, field string) string {
	if c == nil || c.Request == nil || c.Request.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, rateLimitBodyLimit))
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), c.Request.Body))
	if len(body) == 0 {
		return ""
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch v := payload[field].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v <= 0 {
			return ""
		}
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

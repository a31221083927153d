package adapter

import (
	"context"
	"fmt"
	"time"

	"vouchercore/internal/pkg/redis"
)

const rateLimitScriptName = "redemption_rate_limit"

// RateLimitRedisAdapter 是 port.RateLimiter 的 Redis 实现，固定窗口计数。
type RateLimitRedisAdapter struct {
	redisClient *redis.Client
	limit       int
	window      time.Duration
}

// NewRateLimitRedisAdapter 创建限流适配器，并在创建时加载 Lua 脚本。
func NewRateLimitRedisAdapter(redisClient *redis.Client, limit int, window time.Duration) (*RateLimitRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(rateLimitScriptName, rateLimitScript); err != nil {
		return nil, fmt.Errorf("failed to load rate limit script: %w", err)
	}
	return &RateLimitRedisAdapter{redisClient: redisClient, limit: limit, window: window}, nil
}

// Allow 原子地累加计数并判断是否超限，超限时返回窗口剩余时间作为 retry-after。
func (a *RateLimitRedisAdapter) Allow(ctx context.Context, subject string) (bool, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:redeem:{%s}", subject)
	result, err := a.redisClient.RunScript(ctx, rateLimitScriptName, []string{key}, a.limit, a.window.Milliseconds())
	if err != nil {
		return false, 0, fmt.Errorf("rate limit adapter failed to run script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected result from rate limit script: %v", result)
	}
	allowed, _ := values[0].(int64)
	ttl, _ := values[1].(int64)
	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Duration(ttl) * time.Millisecond, nil
}

var rateLimitScript = `
-- KEYS[1]: 计数器 key, 例如: ratelimit:redeem:{user-1}
-- ARGV[1]: 窗口内允许的次数
-- ARGV[2]: 窗口长度(毫秒)

local current = redis.call('incr', KEYS[1])
if current == 1 then
    redis.call('pexpire', KEYS[1], ARGV[2])
end

local ttl = redis.call('pttl', KEYS[1])
if ttl < 0 then
    -- 计数器丢失了过期时间，重新设置，避免永久封禁
    redis.call('pexpire', KEYS[1], ARGV[2])
    ttl = tonumber(ARGV[2])
end

if current > tonumber(ARGV[1]) then
    return {0, ttl}
end
return {1, ttl}
`

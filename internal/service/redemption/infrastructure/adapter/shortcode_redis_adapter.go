package adapter

import (
	"context"
	"fmt"
	"time"

	"vouchercore/internal/pkg/redis"
	"vouchercore/internal/service/redemption/domain"
)

const (
	invalidateShortCodeScriptName = "invalidate_short_code"
	claimShortCodeScriptName      = "claim_short_code"
	releaseShortCodeScriptName    = "release_short_code"
)

// ShortCodeRedisAdapter 是 port.ShortCodeStore 的 Redis 实现。
// 每个短码是一个 hash：shortcode:<code> -> {voucher_id, type, customer_id}。
// 动态码被兑换占用时额外带 claimed_by / claimed_until 两个字段。
type ShortCodeRedisAdapter struct {
	redisClient *redis.Client
	now         func() time.Time
}

func NewShortCodeRedisAdapter(redisClient *redis.Client) (*ShortCodeRedisAdapter, error) {
	scripts := map[string]string{
		invalidateShortCodeScriptName: invalidateShortCodeScript,
		claimShortCodeScriptName:      claimShortCodeScript,
		releaseShortCodeScriptName:    releaseShortCodeScript,
	}
	for name, content := range scripts {
		if err := redisClient.LoadScriptFromContent(name, content); err != nil {
			return nil, fmt.Errorf("failed to load short code script %s: %w", name, err)
		}
	}
	return &ShortCodeRedisAdapter{redisClient: redisClient, now: time.Now}, nil
}

func shortCodeKey(code string) string {
	return "shortcode:" + code
}

func (a *ShortCodeRedisAdapter) Lookup(ctx context.Context, code string) (*domain.ShortCodeEntry, error) {
	fields, err := a.redisClient.GetClient().HGetAll(ctx, shortCodeKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("short code lookup failed: %w", err)
	}
	voucherID := fields["voucher_id"]
	if voucherID == "" {
		return nil, domain.ErrNotFound
	}
	entry := &domain.ShortCodeEntry{
		Code:       code,
		VoucherID:  voucherID,
		Type:       domain.ShortCodeType(fields["type"]),
		CustomerID: fields["customer_id"],
	}
	if entry.Type == "" {
		entry.Type = domain.ShortCodeStatic
	}
	return entry, nil
}

// Invalidate 只删除动态码。检查类型和删除在一个脚本里完成，避免误删同名的静态码。
func (a *ShortCodeRedisAdapter) Invalidate(ctx context.Context, code string) (bool, error) {
	result, err := a.redisClient.RunScript(ctx, invalidateShortCodeScriptName,
		[]string{shortCodeKey(code)}, string(domain.ShortCodeDynamic))
	if err != nil {
		return false, fmt.Errorf("short code invalidate failed: %w", err)
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from Lua script: %T", result)
	}
	return n == 1, nil
}

// Claim 在落库前独占动态码。同一个 claimID 重复调用会续租。
func (a *ShortCodeRedisAdapter) Claim(ctx context.Context, code, claimID string, lease time.Duration) (bool, error) {
	result, err := a.redisClient.RunScript(ctx, claimShortCodeScriptName,
		[]string{shortCodeKey(code)}, string(domain.ShortCodeDynamic), claimID,
		a.now().UnixMilli(), lease.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("short code claim failed: %w", err)
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from Lua script: %T", result)
	}
	return n == 1, nil
}

// Release 只释放自己持有的租约，租约过期后被他人接手时不做任何事。
func (a *ShortCodeRedisAdapter) Release(ctx context.Context, code, claimID string) error {
	if _, err := a.redisClient.RunScript(ctx, releaseShortCodeScriptName,
		[]string{shortCodeKey(code)}, claimID); err != nil {
		return fmt.Errorf("short code release failed: %w", err)
	}
	return nil
}

// Put (测试和管理用) 写入一个短码映射。ttl 为 0 时不过期。
func (a *ShortCodeRedisAdapter) Put(ctx context.Context, entry domain.ShortCodeEntry, ttl time.Duration) error {
	key := shortCodeKey(entry.Code)
	pipe := a.redisClient.GetClient().TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "voucher_id", entry.VoucherID, "type", string(entry.Type), "customer_id", entry.CustomerID)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store short code: %w", err)
	}
	return nil
}

var invalidateShortCodeScript = `
-- KEYS[1]: 短码 key, 例如: shortcode:AB12CD
-- ARGV[1]: 动态码的类型值

if redis.call('hget', KEYS[1], 'type') == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

var claimShortCodeScript = `
-- KEYS[1]: 短码 key
-- ARGV[1]: 动态码的类型值
-- ARGV[2]: 本次兑换的 claim id
-- ARGV[3]: 当前时间 (毫秒)
-- ARGV[4]: 租约时长 (毫秒)

if redis.call('hget', KEYS[1], 'type') ~= ARGV[1] then
    return 0
end
local owner = redis.call('hget', KEYS[1], 'claimed_by')
local expires = tonumber(redis.call('hget', KEYS[1], 'claimed_until') or '0')
if owner and owner ~= ARGV[2] and expires > tonumber(ARGV[3]) then
    return 0
end
redis.call('hset', KEYS[1], 'claimed_by', ARGV[2], 'claimed_until', tonumber(ARGV[3]) + tonumber(ARGV[4]))
return 1
`

var releaseShortCodeScript = `
-- KEYS[1]: 短码 key
-- ARGV[1]: claim id

if redis.call('hget', KEYS[1], 'claimed_by') == ARGV[1] then
    redis.call('hdel', KEYS[1], 'claimed_by', 'claimed_until')
    return 1
end
return 0
`

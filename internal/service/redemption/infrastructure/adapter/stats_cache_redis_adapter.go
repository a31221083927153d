package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"vouchercore/internal/pkg/redis"
	"vouchercore/internal/service/redemption/domain"
)

const (
	setStatsScriptName        = "set_voucher_stats"
	invalidateStatsScriptName = "invalidate_voucher_stats"
)

// StatsCacheRedisAdapter 缓存兑换统计读模型，兑换成功后按券和商户失效。
// 券的统计是一个 hash：voucher:stats:<voucherId> -> {gen, data}，代数和数据放在同一个 key 上，
// 回填时的代数比较不会跨槽位。
type StatsCacheRedisAdapter struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewStatsCacheRedisAdapter(redisClient *redis.Client, ttl time.Duration) (*StatsCacheRedisAdapter, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := redisClient.LoadScriptFromContent(setStatsScriptName, setStatsScript); err != nil {
		return nil, fmt.Errorf("failed to load stats script: %w", err)
	}
	if err := redisClient.LoadScriptFromContent(invalidateStatsScriptName, invalidateStatsScript); err != nil {
		return nil, fmt.Errorf("failed to load stats script: %w", err)
	}
	return &StatsCacheRedisAdapter{redisClient: redisClient, ttl: ttl}, nil
}

func voucherStatsKey(voucherID string) string {
	return "voucher:stats:" + voucherID
}

func providerStatsKey(providerID string) string {
	return "provider:stats:" + providerID
}

// GetStats 未命中时返回 (nil, gen, nil)，调用方回填时带上 gen。
func (a *StatsCacheRedisAdapter) GetStats(ctx context.Context, voucherID string) (*domain.RedemptionStats, int64, error) {
	vals, err := a.redisClient.GetClient().HMGet(ctx, voucherStatsKey(voucherID), "gen", "data").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("stats cache get failed: %w", err)
	}
	var gen int64
	if s, ok := vals[0].(string); ok {
		if gen, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, 0, fmt.Errorf("stats cache generation is corrupt: %w", err)
		}
	}
	raw, ok := vals[1].(string)
	if !ok || raw == "" {
		return nil, gen, nil
	}
	var stats domain.RedemptionStats
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return nil, gen, fmt.Errorf("stats cache decode failed: %w", err)
	}
	return &stats, gen, nil
}

func (a *StatsCacheRedisAdapter) SetStats(ctx context.Context, stats *domain.RedemptionStats, generation int64) (bool, error) {
	raw, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("stats cache encode failed: %w", err)
	}
	result, err := a.redisClient.RunScript(ctx, setStatsScriptName,
		[]string{voucherStatsKey(stats.VoucherID)}, generation, string(raw), a.ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("stats cache set failed: %w", err)
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from Lua script: %T", result)
	}
	return n == 1, nil
}

// Invalidate 两个 key 可能落在不同的集群槽位，分别执行。
func (a *StatsCacheRedisAdapter) Invalidate(ctx context.Context, voucherID, providerID string) error {
	if _, err := a.redisClient.RunScript(ctx, invalidateStatsScriptName,
		[]string{voucherStatsKey(voucherID)}, a.ttl.Milliseconds()); err != nil {
		return fmt.Errorf("stats cache invalidate failed: %w", err)
	}
	if providerID != "" {
		if err := a.redisClient.GetClient().Del(ctx, providerStatsKey(providerID)).Err(); err != nil {
			return fmt.Errorf("stats cache invalidate failed: %w", err)
		}
	}
	return nil
}

var setStatsScript = `
-- KEYS[1]: 统计 key, 例如: voucher:stats:v1
-- ARGV[1]: 读取时看到的代数
-- ARGV[2]: 统计 JSON
-- ARGV[3]: TTL (毫秒)

local gen = redis.call('hget', KEYS[1], 'gen') or '0'
if gen ~= ARGV[1] then
    return 0
end
redis.call('hset', KEYS[1], 'gen', gen, 'data', ARGV[2])
redis.call('pexpire', KEYS[1], ARGV[3])
return 1
`

var invalidateStatsScript = `
-- KEYS[1]: 统计 key
-- ARGV[1]: 代数保留时长 (毫秒)

redis.call('hincrby', KEYS[1], 'gen', 1)
redis.call('hdel', KEYS[1], 'data')
redis.call('pexpire', KEYS[1], ARGV[1])
return 1
`

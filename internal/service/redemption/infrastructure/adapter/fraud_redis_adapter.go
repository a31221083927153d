package adapter

import (
	"context"
	"fmt"

	"vouchercore/internal/pkg/redis"
)

const (
	caseNumberKey      = "fraud:case:seq"
	blockedDevicesKey  = "fraud:devices:blocked"
	caseNumberTemplate = "FC-%06d"
)

// FraudRedisAdapter 提供案件编号序列和设备黑名单。
type FraudRedisAdapter struct {
	redisClient *redis.Client
}

func NewFraudRedisAdapter(redisClient *redis.Client) *FraudRedisAdapter {
	return &FraudRedisAdapter{redisClient: redisClient}
}

// NextCaseNumber 生成形如 FC-000123 的案件编号。
func (a *FraudRedisAdapter) NextCaseNumber(ctx context.Context) (string, error) {
	n, err := a.redisClient.GetClient().Incr(ctx, caseNumberKey).Result()
	if err != nil {
		return "", fmt.Errorf("case number sequence failed: %w", err)
	}
	return fmt.Sprintf(caseNumberTemplate, n), nil
}

func (a *FraudRedisAdapter) IsBlocked(ctx context.Context, deviceID string) (bool, error) {
	ok, err := a.redisClient.GetClient().SIsMember(ctx, blockedDevicesKey, deviceID).Result()
	if err != nil {
		return false, fmt.Errorf("device blocklist lookup failed: %w", err)
	}
	return ok, nil
}

// BlockDevice 审核拒绝并选择封禁设备时调用。
func (a *FraudRedisAdapter) BlockDevice(ctx context.Context, deviceID string) error {
	if err := a.redisClient.GetClient().SAdd(ctx, blockedDevicesKey, deviceID).Err(); err != nil {
		return fmt.Errorf("device blocklist add failed: %w", err)
	}
	return nil
}

// internal/service/redemption/domain/port/ports.go
package port

import (
	"context"
	"time"

	"vouchercore/internal/service/redemption/domain"
)

// TokenVerifier 校验兑换 token 的签名与有效期。实现必须无状态、可并发调用。
type TokenVerifier interface {
	Verify(token string) (*domain.TokenClaims, error)
	// VerifyAt 以指定时刻判断过期，离线同步用客户声明的兑换时间校验。
	VerifyAt(token string, at time.Time) (*domain.TokenClaims, error)
}

// ShortCodeStore 是短码解析器的出站端口。
type ShortCodeStore interface {
	// Lookup 未找到时返回 domain.ErrNotFound。
	Lookup(ctx context.Context, code string) (*domain.ShortCodeEntry, error)
	// Invalidate 原子地删除动态码；静态码保持不变。返回是否真的删除了。
	Invalidate(ctx context.Context, code string) (bool, error)
	// Claim 为动态码加独占租约。码不存在、不是动态码或租约被他人持有时返回 false。
	Claim(ctx context.Context, code, claimID string, lease time.Duration) (bool, error)
	// Release 释放 claimID 持有的租约，兑换没有落库时调用。
	Release(ctx context.Context, code, claimID string) error
}

// VoucherService 是券服务（券的权威数据源）的出站端口。
// 网络故障或 5xx 时返回的错误需满足 errors.Is(err, httpclient.ErrServiceUnavailable)。
type VoucherService interface {
	GetVoucherByID(ctx context.Context, id string) (*domain.Voucher, error)
	UpdateVoucherState(ctx context.Context, voucherID string, update domain.VoucherStateUpdate) error
}

// ProviderService 是商户目录的出站端口，未找到时返回 domain.ErrNotFound。
type ProviderService interface {
	GetProviderByUserID(ctx context.Context, userID string) (*domain.Provider, error)
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)
}

// RateLimiter 原子地累加并检查计数。
type RateLimiter interface {
	Allow(ctx context.Context, subject string) (allowed bool, retryAfter time.Duration, err error)
}

// StatsCache 缓存按券/商户聚合的读模型。
type StatsCache interface {
	// GetStats 返回缓存的统计和当前代数，未命中时统计为 nil。
	GetStats(ctx context.Context, voucherID string) (*domain.RedemptionStats, int64, error)
	// SetStats 只在代数仍等于 generation 时写入，期间发生过 Invalidate 则放弃并返回 false。
	SetStats(ctx context.Context, stats *domain.RedemptionStats, generation int64) (bool, error)
	// Invalidate 删除缓存并推进代数。
	Invalidate(ctx context.Context, voucherID, providerID string) error
}

// FraudDetector 对一次兑换打分，不做任何持久化。
type FraudDetector interface {
	Check(ctx context.Context, in domain.FraudCheckInput) (domain.FraudAssessment, error)
}

// CaseNumberSequence 生成人类可读的案件编号。
type CaseNumberSequence interface {
	NextCaseNumber(ctx context.Context) (string, error)
}

// RetryScheduler 把失败的副作用写入持久重试队列。
type RetryScheduler interface {
	Enqueue(ctx context.Context, key, op string, payload interface{}, attempts int, cause error, ttl time.Duration) error
}

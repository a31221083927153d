// internal/service/redemption/domain/repository.go
package domain

import (
	"context"
	"time"
)

// RedemptionRepository 是兑换台账。它位于领域层，但由基础设施层实现。
type RedemptionRepository interface {
	// Insert 写入一条兑换记录。存储层保证同一 (voucher, customer) 的记录数不超过 perUserLimit，
	// 超出时返回 ErrAlreadyRedeemed。
	Insert(ctx context.Context, r *Redemption, perUserLimit int) error

	CountByVoucher(ctx context.Context, voucherID string) (int64, error)
	CountByVoucherAndCustomer(ctx context.Context, voucherID, customerID string) (int64, error)

	// FindByCode 按原始码查找已有记录，用于离线同步幂等。customerID/redeemedAt 为空值时不参与过滤。
	FindByCode(ctx context.Context, code, customerID string, redeemedAt time.Time) (*Redemption, error)

	Stats(ctx context.Context, voucherID string) (*RedemptionStats, error)
}

// FraudCaseRepository 是欺诈案件的持久化接口。
type FraudCaseRepository interface {
	// Create 写入案件以及一条创建历史。同一 redemption 重复创建时返回已有案件。
	Create(ctx context.Context, c *FraudCase) (*FraudCase, error)

	FindByID(ctx context.Context, id string) (*FraudCase, error)
	FindByRedemptionID(ctx context.Context, redemptionID string) (*FraudCase, error)

	// SaveReview 仅在案件仍为 PENDING 时落库审核结果并追加历史，否则返回 ErrNotPending。
	SaveReview(ctx context.Context, c *FraudCase, history FraudCaseHistory) error

	History(ctx context.Context, caseID string) ([]FraudCaseHistory, error)
}

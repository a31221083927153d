package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/service/redemption/domain"
)

const defaultInsertAttempts = 3

// GormRedemptionRepository 是 RedemptionRepository 的 GORM 实现，同时为欺诈引擎提供信号查询。
type GormRedemptionRepository struct {
	db             *gorm.DB
	insertAttempts int
}

// NewGormRedemptionRepository 创建台账仓储。insertAttempts 是唯一键冲突后的额外重试次数。
func NewGormRedemptionRepository(db *gorm.DB, insertAttempts int) *GormRedemptionRepository {
	if insertAttempts <= 0 {
		insertAttempts = defaultInsertAttempts
	}
	return &GormRedemptionRepository{db: db, insertAttempts: insertAttempts}
}

// Insert 先计数再以 count+1 作为 sequence 写入。并发请求抢到同一序号时唯一索引拒绝其中一条，
// 失败方重新计数；每次冲突都意味着另一条记录写入成功，所以循环次数有上界。
func (r *GormRedemptionRepository) Insert(ctx context.Context, red *domain.Redemption, perUserLimit int) error {
	if perUserLimit <= 0 {
		perUserLimit = 1
	}
	if red.ID == "" {
		red.ID = uuid.NewString()
	}
	maxTries := perUserLimit + r.insertAttempts
	for try := 0; try < maxTries; try++ {
		count, err := r.CountByVoucherAndCustomer(ctx, red.VoucherID, red.CustomerID)
		if err != nil {
			return err
		}
		if count >= int64(perUserLimit) {
			return domain.NewError(domain.CodeAlreadyRedeemed,
				fmt.Sprintf("customer reached the limit of %d redemptions for this voucher", perUserLimit))
		}

		model := FromDomainRedemption(red, int(count)+1)
		err = r.db.WithContext(ctx).Create(model).Error
		if err == nil {
			red.RedeemedAt = model.RedeemedAt
			return nil
		}
		if !isDuplicateKey(err) {
			return errors.Wrapf(err, "insert redemption voucher=%s customer=%s", red.VoucherID, red.CustomerID)
		}
		logger.Ctx(ctx).Debug().
			Str("voucher_id", red.VoucherID).
			Int("sequence", model.Sequence).
			Msg("redemption sequence taken by a concurrent request, recounting")
	}
	return domain.NewError(domain.CodeAlreadyRedeemed, "redemption limit reached under concurrent submissions")
}

func (r *GormRedemptionRepository) CountByVoucher(ctx context.Context, voucherID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&RedemptionModel{}).
		Where("voucher_id = ?", voucherID).
		Count(&n).Error
	return n, errors.Wrapf(err, "count redemptions voucher=%s", voucherID)
}

func (r *GormRedemptionRepository) CountByVoucherAndCustomer(ctx context.Context, voucherID, customerID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&RedemptionModel{}).
		Where("voucher_id = ? AND customer_id = ?", voucherID, customerID).
		Count(&n).Error
	return n, errors.Wrapf(err, "count redemptions voucher=%s customer=%s", voucherID, customerID)
}

func (r *GormRedemptionRepository) FindByCode(ctx context.Context, code, customerID string, redeemedAt time.Time) (*domain.Redemption, error) {
	q := r.db.WithContext(ctx).Where("code_hash = ?", codeHash(code))
	if customerID != "" {
		q = q.Where("customer_id = ?", customerID)
	}
	if !redeemedAt.IsZero() {
		q = q.Where("redeemed_at = ?", normalizeTime(redeemedAt))
	}
	var models []RedemptionModel
	if err := q.Order("redeemed_at ASC").Limit(10).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "find redemption by code")
	}
	for i := range models {
		// 哈希只是索引，最终以原始码比对
		if models[i].Code == code {
			return ToDomainRedemption(&models[i]), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *GormRedemptionRepository) Stats(ctx context.Context, voucherID string) (*domain.RedemptionStats, error) {
	var agg struct {
		Total           int64
		UniqueCustomers int64
		OfflineCount    int64
	}
	err := r.db.WithContext(ctx).Model(&RedemptionModel{}).
		Select("COUNT(*) AS total, COUNT(DISTINCT customer_id) AS unique_customers, " +
			"COALESCE(SUM(CASE WHEN offline THEN 1 ELSE 0 END), 0) AS offline_count").
		Where("voucher_id = ?", voucherID).
		Scan(&agg).Error
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate redemptions voucher=%s", voucherID)
	}

	stats := &domain.RedemptionStats{
		VoucherID:       voucherID,
		Total:           agg.Total,
		UniqueCustomers: agg.UniqueCustomers,
		OfflineCount:    agg.OfflineCount,
	}
	var latest []RedemptionModel
	if err := r.db.WithContext(ctx).Where("voucher_id = ?", voucherID).
		Order("redeemed_at DESC").Limit(1).Find(&latest).Error; err != nil {
		return nil, errors.Wrapf(err, "latest redemption voucher=%s", voucherID)
	}
	if len(latest) > 0 {
		at := latest[0].RedeemedAt.UTC()
		stats.LastRedeemedAt = &at
	}
	return stats, nil
}

// ---- 欺诈信号查询（fraud.SignalSource） ----

func (r *GormRedemptionRepository) CustomerRedemptionsSince(ctx context.Context, customerID string, since time.Time, excludeID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&RedemptionModel{}).
		Where("customer_id = ? AND redeemed_at >= ? AND id <> ?", customerID, normalizeTime(since), excludeID).
		Count(&n).Error
	return n, errors.Wrap(err, "count customer redemptions")
}

func (r *GormRedemptionRepository) LastLocatedRedemption(ctx context.Context, customerID string, before time.Time, excludeID string) (*domain.Redemption, error) {
	var models []RedemptionModel
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND redeemed_at <= ? AND id <> ? AND lat IS NOT NULL AND lng IS NOT NULL",
			customerID, normalizeTime(before), excludeID).
		Order("redeemed_at DESC").Limit(1).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "find last located redemption")
	}
	if len(models) == 0 {
		return nil, nil
	}
	return ToDomainRedemption(&models[0]), nil
}

func (r *GormRedemptionRepository) DistinctCustomersForDevice(ctx context.Context, deviceID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&RedemptionModel{}).
		Where("device_id = ? AND redeemed_at >= ?", deviceID, normalizeTime(since)).
		Distinct("customer_id").
		Count(&n).Error
	return n, errors.Wrap(err, "count device customers")
}

func (r *GormRedemptionRepository) ProviderRedemptionsSince(ctx context.Context, providerID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&RedemptionModel{}).
		Where("provider_id = ? AND redeemed_at >= ?", providerID, normalizeTime(since)).
		Count(&n).Error
	return n, errors.Wrap(err, "count provider redemptions")
}

// GormFraudCaseRepository 是 FraudCaseRepository 的 GORM 实现。
type GormFraudCaseRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormFraudCaseRepository(db *gorm.DB) *GormFraudCaseRepository {
	return &GormFraudCaseRepository{db: db, now: time.Now}
}

// Create 在同一事务中写入案件和创建历史。重试队列可能重复投递，因此按 redemption_id 幂等。
func (r *GormFraudCaseRepository) Create(ctx context.Context, c *domain.FraudCase) (*domain.FraudCase, error) {
	if existing, err := r.FindByRedemptionID(ctx, c.RedemptionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	if c.Status == "" {
		c.Status = domain.FraudStatusPending
	}
	model := FromDomainFraudCase(c)
	history := FromDomainFraudCaseHistory(domain.FraudCaseHistory{
		ID:        uuid.NewString(),
		CaseID:    c.ID,
		Actor:     "system",
		Action:    "created",
		ToStatus:  c.Status,
		Notes:     fmt.Sprintf("risk score %d", c.RiskScore),
		CreatedAt: c.CreatedAt,
	})

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		return tx.Create(history).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			// 并发创建时另一方已写入
			return r.FindByRedemptionID(ctx, c.RedemptionID)
		}
		return nil, errors.Wrapf(err, "create fraud case redemption=%s", c.RedemptionID)
	}
	return ToDomainFraudCase(model), nil
}

func (r *GormFraudCaseRepository) FindByID(ctx context.Context, id string) (*domain.FraudCase, error) {
	var model FraudCaseModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find fraud case %s", id)
	}
	return ToDomainFraudCase(&model), nil
}

func (r *GormFraudCaseRepository) FindByRedemptionID(ctx context.Context, redemptionID string) (*domain.FraudCase, error) {
	var model FraudCaseModel
	err := r.db.WithContext(ctx).Where("redemption_id = ?", redemptionID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find fraud case by redemption %s", redemptionID)
	}
	return ToDomainFraudCase(&model), nil
}

// SaveReview 用带状态条件的 UPDATE 实现乐观并发：两个审核同时提交时只有一个能命中 PENDING 行。
func (r *GormFraudCaseRepository) SaveReview(ctx context.Context, c *domain.FraudCase, history domain.FraudCaseHistory) error {
	model := FromDomainFraudCase(c)
	if history.ID == "" {
		history.ID = uuid.NewString()
	}
	if history.CreatedAt.IsZero() {
		history.CreatedAt = r.now()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&FraudCaseModel{}).
			Where("id = ? AND status = ?", c.ID, domain.FraudStatusPending).
			Select("status", "reviewed_by", "reviewed_at", "review_notes", "actions_taken").
			Updates(model)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "update fraud case %s", c.ID)
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotPending
		}
		if err := tx.Create(FromDomainFraudCaseHistory(history)).Error; err != nil {
			return errors.Wrapf(err, "append fraud case history %s", c.ID)
		}
		return nil
	})
}

func (r *GormFraudCaseRepository) History(ctx context.Context, caseID string) ([]domain.FraudCaseHistory, error) {
	var models []FraudCaseHistoryModel
	if err := r.db.WithContext(ctx).Where("case_id = ?", caseID).
		Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, errors.Wrapf(err, "list fraud case history %s", caseID)
	}
	out := make([]domain.FraudCaseHistory, 0, len(models))
	for i := range models {
		out = append(out, ToDomainFraudCaseHistory(&models[i]))
	}
	return out, nil
}

// isDuplicateKey 兼容开启/未开启 TranslateError 的 MySQL，以及测试用的 SQLite。
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package infrastructure

import (
	"database/sql"
	"time"

	"vouchercore/internal/service/redemption/domain"
)

// RedemptionModel 对应数据库中的 redemption 表。
// (voucher_id, customer_id, sequence) 上的唯一索引是每人兑换次数的最终保证：
// sequence 只能取 1..maxRedemptionsPerUser，并发写入同一序号时只有一条能成功。
type RedemptionModel struct {
	ID         string          `gorm:"primaryKey;type:varchar(36)"`
	VoucherID  string          `gorm:"type:varchar(64);not null;uniqueIndex:uk_redemption_voucher_customer_seq,priority:1;index:idx_redemption_voucher"`
	CustomerID string          `gorm:"type:varchar(64);not null;uniqueIndex:uk_redemption_voucher_customer_seq,priority:2;index:idx_redemption_customer_time,priority:1"`
	Sequence   int             `gorm:"not null;uniqueIndex:uk_redemption_voucher_customer_seq,priority:3"`
	ProviderID string          `gorm:"type:varchar(64);not null;index:idx_redemption_provider_time,priority:1"`
	Code       string          `gorm:"type:text;not null"`
	CodeHash   string          `gorm:"type:char(64);not null;index:idx_redemption_code_hash"`
	RedeemedAt time.Time       `gorm:"not null;index:idx_redemption_customer_time,priority:2;index:idx_redemption_provider_time,priority:2;index:idx_redemption_device_time,priority:2"`
	Lat        sql.NullFloat64 `gorm:"type:double"`
	Lng        sql.NullFloat64 `gorm:"type:double"`
	Offline    bool            `gorm:"not null;default:false"`
	DeviceID   string          `gorm:"type:varchar(128);index:idx_redemption_device_time,priority:1"`
	UserAgent  string          `gorm:"type:varchar(512)"`
	IP         string          `gorm:"type:varchar(64)"`
	CreatedAt  time.Time
}

// TableName 指定 GORM 应该使用的表名
func (RedemptionModel) TableName() string {
	return "redemption"
}

// FraudCaseModel 对应 fraud_case 表。每个 redemption 至多一条案件。
type FraudCaseModel struct {
	ID                string                 `gorm:"primaryKey;type:varchar(36)"`
	CaseNumber        string                 `gorm:"type:varchar(32);not null;uniqueIndex:uk_fraud_case_number"`
	RedemptionID      string                 `gorm:"type:varchar(36);not null;uniqueIndex:uk_fraud_case_redemption"`
	VoucherID         string                 `gorm:"type:varchar(64);not null"`
	CustomerID        string                 `gorm:"type:varchar(64);not null"`
	ProviderID        string                 `gorm:"type:varchar(64);not null;index:idx_fraud_case_provider_status,priority:1"`
	RiskScore         int                    `gorm:"not null"`
	Flags             []domain.FraudFlag     `gorm:"type:text;serializer:json"`
	Status            domain.FraudCaseStatus `gorm:"type:varchar(20);not null;index:idx_fraud_case_provider_status,priority:2"`
	ReviewedBy        string                 `gorm:"type:varchar(64)"`
	ReviewedAt        *time.Time
	ReviewNotes       string                 `gorm:"type:text"`
	ActionsTaken      []domain.FraudAction   `gorm:"type:text;serializer:json"`
	DetectionMetadata map[string]interface{} `gorm:"type:text;serializer:json"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName 指定 GORM 应该使用的表名
func (FraudCaseModel) TableName() string {
	return "fraud_case"
}

// FraudCaseHistoryModel 对应 fraud_case_history 表，只追加不修改。
type FraudCaseHistoryModel struct {
	ID         string                 `gorm:"primaryKey;type:varchar(36)"`
	CaseID     string                 `gorm:"type:varchar(36);not null;index:idx_fraud_case_history_case"`
	Actor      string                 `gorm:"type:varchar(64);not null"`
	Action     string                 `gorm:"type:varchar(32);not null"`
	FromStatus domain.FraudCaseStatus `gorm:"type:varchar(20)"`
	ToStatus   domain.FraudCaseStatus `gorm:"type:varchar(20);not null"`
	Notes      string                 `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName 指定 GORM 应该使用的表名
func (FraudCaseHistoryModel) TableName() string {
	return "fraud_case_history"
}

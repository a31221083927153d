// internal/service/redemption/domain/redemption.go
package domain

import "time"

// Location 是兑换发生的位置。
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DeviceInfo 是客户端上报的设备信息，用于欺诈检测。
type DeviceInfo struct {
	DeviceID  string `json:"deviceId,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// Redemption 是一次兑换的审计记录。创建后不可修改、不可删除。
type Redemption struct {
	ID         string
	VoucherID  string
	CustomerID string
	ProviderID string
	Code       string // 客户出示的原始 token 或短码
	RedeemedAt time.Time
	Location   *Location
	Offline    bool
	Device     DeviceInfo
}

// RedemptionStats 是按券聚合的兑换统计，缓存在 Redis 中。
type RedemptionStats struct {
	VoucherID       string     `json:"voucherId"`
	Total           int64      `json:"total"`
	UniqueCustomers int64      `json:"uniqueCustomers"`
	OfflineCount    int64      `json:"offlineCount"`
	LastRedeemedAt  *time.Time `json:"lastRedeemedAt,omitempty"`
}

// AttemptState 是单次兑换尝试的状态机节点。
type AttemptState string

const (
	StateReceived         AttemptState = "RECEIVED"
	StateCodeResolved     AttemptState = "CODE_RESOLVED"
	StateVoucherValidated AttemptState = "VOUCHER_VALIDATED"
	StateLimitsChecked    AttemptState = "LIMITS_CHECKED"
	StateRecorded         AttemptState = "RECORDED"
	StateFraudScored      AttemptState = "FRAUD_SCORED"
	StateStatePropagated  AttemptState = "STATE_PROPAGATED"
	StateCompleted        AttemptState = "COMPLETED"
	StateRejected         AttemptState = "REJECTED"
)

// IsDurable 表示兑换记录已落库，之后只能前进，不能回滚。
func (s AttemptState) IsDurable() bool {
	switch s {
	case StateRecorded, StateFraudScored, StateStatePropagated, StateCompleted:
		return true
	}
	return false
}

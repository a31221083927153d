package application

import (
	"time"

	"vouchercore/internal/service/redemption/domain"
)

// RedeemRequest 是一次在线兑换请求。ActingUserID 来自认证后的请求头，不从 body 读取。
type RedeemRequest struct {
	Code         string           `json:"code"`
	CustomerID   string           `json:"customerId,omitempty"`
	Location     *domain.Location `json:"location,omitempty"`
	DeviceID     string           `json:"deviceId,omitempty"`
	Offline      bool             `json:"offline,omitempty"`
	Language     string           `json:"language,omitempty"`
	ActingUserID string           `json:"-"`
	UserAgent    string           `json:"-"`
	IP           string           `json:"-"`
}

// DisplayBundle 是返回给客户端展示的本地化文案。
type DisplayBundle struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Discount     string `json:"discount"`
	ProviderName string `json:"providerName"`
	Instructions string `json:"instructions,omitempty"`
}

type RedemptionResult struct {
	Success      bool          `json:"success"`
	RedemptionID string        `json:"redemptionId"`
	VoucherID    string        `json:"voucherId"`
	CustomerID   string        `json:"customerId"`
	RedeemedAt   time.Time     `json:"redeemedAt"`
	Display      DisplayBundle `json:"display"`
}

type OfflineValidateRequest struct {
	Token string `json:"token"`
}

type OfflineValidateResponse struct {
	Valid      bool       `json:"valid"`
	VoucherID  string     `json:"voucherId,omitempty"`
	CustomerID string     `json:"customerId,omitempty"`
	Expiry     *time.Time `json:"expiry,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// OfflineSyncItem 是一条离线期间完成的兑换，RedeemedAt 是门店设备记录的兑换时间。
type OfflineSyncItem struct {
	Code       string           `json:"code"`
	CustomerID string           `json:"customerId,omitempty"`
	RedeemedAt time.Time        `json:"redeemedAt"`
	Location   *domain.Location `json:"location,omitempty"`
	DeviceID   string           `json:"deviceId,omitempty"`
}

type OfflineSyncRequest struct {
	ProviderID   string            `json:"providerId"`
	Redemptions  []OfflineSyncItem `json:"redemptions"`
	ActingUserID string            `json:"-"`
	UserAgent    string            `json:"-"`
	IP           string            `json:"-"`
}

// SyncError 描述同步失败的一条记录。Index 指向请求中的位置，原始码不回显。
type SyncError struct {
	Index int    `json:"index"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type OfflineSyncResult struct {
	SyncedIDs []string    `json:"syncedIds"`
	Errors    []SyncError `json:"errors"`
}

type ReviewRequest struct {
	CaseID     string   `json:"-"`
	ReviewerID string   `json:"-"`
	IsAdmin    bool     `json:"-"`
	Status     string   `json:"status"`
	Notes      string   `json:"notes,omitempty"`
	Actions    []string `json:"actions,omitempty"`
}

// FraudCaseView 是欺诈案件的对外表示。
type FraudCaseView struct {
	ID                string                 `json:"id"`
	CaseNumber        string                 `json:"caseNumber"`
	RedemptionID      string                 `json:"redemptionId"`
	VoucherID         string                 `json:"voucherId"`
	CustomerID        string                 `json:"customerId"`
	ProviderID        string                 `json:"providerId"`
	RiskScore         int                    `json:"riskScore"`
	Flags             []domain.FraudFlag     `json:"flags"`
	Status            string                 `json:"status"`
	ReviewedBy        string                 `json:"reviewedBy,omitempty"`
	ReviewedAt        *time.Time             `json:"reviewedAt,omitempty"`
	ReviewNotes       string                 `json:"reviewNotes,omitempty"`
	ActionsTaken      []domain.FraudAction   `json:"actionsTaken,omitempty"`
	DetectionMetadata map[string]interface{} `json:"detectionMetadata,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
}

func toFraudCaseView(c *domain.FraudCase) *FraudCaseView {
	return &FraudCaseView{
		ID:                c.ID,
		CaseNumber:        c.CaseNumber,
		RedemptionID:      c.RedemptionID,
		VoucherID:         c.VoucherID,
		CustomerID:        c.CustomerID,
		ProviderID:        c.ProviderID,
		RiskScore:         c.RiskScore,
		Flags:             c.Flags,
		Status:            string(c.Status),
		ReviewedBy:        c.ReviewedBy,
		ReviewedAt:        c.ReviewedAt,
		ReviewNotes:       c.ReviewNotes,
		ActionsTaken:      c.ActionsTaken,
		DetectionMetadata: c.DetectionMetadata,
		CreatedAt:         c.CreatedAt,
	}
}

// StatsRequest 查询某张券的兑换统计。
type StatsRequest struct {
	VoucherID    string
	ActingUserID string
	IsAdmin      bool
}

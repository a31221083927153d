package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// VoucherState 是券在券服务中的生命周期状态。
type VoucherState string

const (
	VoucherStateDraft     VoucherState = "draft"
	VoucherStatePublished VoucherState = "published"
	VoucherStatePaused    VoucherState = "paused"
	VoucherStateRedeemed  VoucherState = "redeemed"
	VoucherStateExpired   VoucherState = "expired"
)

type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// LocalizedText 是按语言代码索引的文案。
type LocalizedText map[string]string

// Resolve 依次尝试：请求语言 → 默认语言 → 任意可用语言（按语言代码排序取第一个）→ 空串。
func (t LocalizedText) Resolve(lang, defaultLang string) string {
	if v, ok := t[lang]; ok && v != "" {
		return v
	}
	if v, ok := t[defaultLang]; ok && v != "" {
		return v
	}
	keys := make([]string, 0, len(t))
	for k, v := range t {
		if v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return t[keys[0]]
}

// Voucher 是券服务返回的只读视图。
type Voucher struct {
	ID                    string
	ProviderID            string
	State                 VoucherState
	ExpiresAt             time.Time
	MaxRedemptions        int // 0 表示不限总量
	MaxRedemptionsPerUser int
	DiscountType          DiscountType
	DiscountValue         decimal.Decimal
	Currency              string
	Title                 LocalizedText
	Description           LocalizedText
	Instructions          LocalizedText
}

func (v *Voucher) IsExpired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

func (v *Voucher) IsPublished() bool {
	return v.State == VoucherStatePublished
}

// PerUserLimit 未配置时按每人一次处理。
func (v *Voucher) PerUserLimit() int {
	if v.MaxRedemptionsPerUser <= 0 {
		return 1
	}
	return v.MaxRedemptionsPerUser
}

// Provider 是兑换门店（商户）。
type Provider struct {
	ID           string
	UserID       string
	Active       bool
	BusinessName string
}

// VoucherStateUpdate 是回写给券服务的状态变更。
type VoucherStateUpdate struct {
	State      VoucherState `json:"state"`
	RedeemedAt time.Time    `json:"redeemedAt"`
	RedeemedBy string       `json:"redeemedBy"`
	Location   *Location    `json:"location,omitempty"`
}

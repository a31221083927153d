package application

import (
	"github.com/shopspring/decimal"

	"vouchercore/internal/service/redemption/domain"
)

// FormatDiscount 百分比渲染为 "20%"，固定金额渲染为 "EUR 5.00"。
func FormatDiscount(kind domain.DiscountType, value decimal.Decimal, currency string) string {
	switch kind {
	case domain.DiscountTypePercentage:
		return value.String() + "%"
	case domain.DiscountTypeFixed:
		if currency == "" {
			return value.StringFixed(2)
		}
		return currency + " " + value.StringFixed(2)
	default:
		return value.String()
	}
}

// BuildDisplay 组装本地化展示信息，语言回退规则见 LocalizedText.Resolve。
func BuildDisplay(v *domain.Voucher, providerName, lang, defaultLang string) DisplayBundle {
	if lang == "" {
		lang = defaultLang
	}
	return DisplayBundle{
		Title:        v.Title.Resolve(lang, defaultLang),
		Description:  v.Description.Resolve(lang, defaultLang),
		Discount:     FormatDiscount(v.DiscountType, v.DiscountValue, v.Currency),
		ProviderName: providerName,
		Instructions: v.Instructions.Resolve(lang, defaultLang),
	}
}

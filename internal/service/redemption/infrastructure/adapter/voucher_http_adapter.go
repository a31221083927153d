package adapter

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"vouchercore/internal/pkg/httpclient"
	"vouchercore/internal/service/redemption/domain"
)

// voucherResponse 是券服务 GET /vouchers/{id} 的响应体。
type voucherResponse struct {
	ID                    string            `json:"id"`
	ProviderID            string            `json:"providerId"`
	State                 string            `json:"state"`
	ExpiresAt             time.Time         `json:"expiresAt"`
	MaxRedemptions        int               `json:"maxRedemptions"`
	MaxRedemptionsPerUser int               `json:"maxRedemptionsPerUser"`
	DiscountType          string            `json:"discountType"`
	DiscountValue         decimal.Decimal   `json:"discountValue"`
	Currency              string            `json:"currency"`
	Title                 map[string]string `json:"title"`
	Description           map[string]string `json:"description"`
	Instructions          map[string]string `json:"instructions"`
}

func (r *voucherResponse) toDomain() *domain.Voucher {
	return &domain.Voucher{
		ID:                    r.ID,
		ProviderID:            r.ProviderID,
		State:                 domain.VoucherState(r.State),
		ExpiresAt:             r.ExpiresAt,
		MaxRedemptions:        r.MaxRedemptions,
		MaxRedemptionsPerUser: r.MaxRedemptionsPerUser,
		DiscountType:          domain.DiscountType(r.DiscountType),
		DiscountValue:         r.DiscountValue,
		Currency:              r.Currency,
		Title:                 r.Title,
		Description:           r.Description,
		Instructions:          r.Instructions,
	}
}

// VoucherHTTPAdapter 实现了 port.VoucherService 接口。
type VoucherHTTPAdapter struct {
	client      *httpclient.Client
	serviceName string
	timeout     time.Duration
}

// NewVoucherHTTPAdapter 创建券服务适配器，timeout 作用于每一次调用。
func NewVoucherHTTPAdapter(client *httpclient.Client, serviceName string, timeout time.Duration) *VoucherHTTPAdapter {
	return &VoucherHTTPAdapter{client: client, serviceName: serviceName, timeout: timeout}
}

func (a *VoucherHTTPAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *VoucherHTTPAdapter) GetVoucherByID(ctx context.Context, id string) (*domain.Voucher, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var resp voucherResponse
	if err := a.client.GetJSON(ctx, a.serviceName, "/vouchers/"+url.PathEscape(id), &resp); err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return nil, domain.ErrVoucherNotFound
		}
		return nil, errors.Wrapf(err, "get voucher %s", id)
	}
	return resp.toDomain(), nil
}

func (a *VoucherHTTPAdapter) UpdateVoucherState(ctx context.Context, voucherID string, update domain.VoucherStateUpdate) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	path := "/vouchers/" + url.PathEscape(voucherID) + "/state"
	if err := a.client.PostJSON(ctx, a.serviceName, path, update, nil); err != nil {
		return errors.Wrapf(err, "update voucher state %s", voucherID)
	}
	return nil
}

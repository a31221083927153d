package adapter

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"vouchercore/internal/pkg/httpclient"
	"vouchercore/internal/service/redemption/domain"
)

type providerResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Active       bool   `json:"active"`
	BusinessName string `json:"businessName"`
}

// ProviderHTTPAdapter 实现了 port.ProviderService 接口。
type ProviderHTTPAdapter struct {
	client      *httpclient.Client
	serviceName string
	timeout     time.Duration
}

func NewProviderHTTPAdapter(client *httpclient.Client, serviceName string, timeout time.Duration) *ProviderHTTPAdapter {
	return &ProviderHTTPAdapter{client: client, serviceName: serviceName, timeout: timeout}
}

func (a *ProviderHTTPAdapter) GetProviderByUserID(ctx context.Context, userID string) (*domain.Provider, error) {
	return a.get(ctx, "/providers/by-user/"+url.PathEscape(userID))
}

func (a *ProviderHTTPAdapter) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	return a.get(ctx, "/providers/"+url.PathEscape(id))
}

func (a *ProviderHTTPAdapter) get(ctx context.Context, path string) (*domain.Provider, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	var resp providerResponse
	if err := a.client.GetJSON(ctx, a.serviceName, path, &resp); err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get provider %s", path)
	}
	return &domain.Provider{
		ID:           resp.ID,
		UserID:       resp.UserID,
		Active:       resp.Active,
		BusinessName: resp.BusinessName,
	}, nil
}

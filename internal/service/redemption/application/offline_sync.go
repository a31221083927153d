package application

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/pkg/metrics"
	"vouchercore/internal/service/redemption/domain"
	"vouchercore/internal/service/redemption/token"
)

// SyncOffline 对账门店离线期间完成的兑换。每条记录独立处理，单条失败不影响其余记录。
// 已经同步过的记录（同一原始码、客户、兑换时间）直接报告为已同步。
func (s *RedemptionService) SyncOffline(ctx context.Context, req OfflineSyncRequest) (*OfflineSyncResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.SyncOffline")
	defer span.End()
	span.SetAttributes(attribute.Int("sync.items", len(req.Redemptions)))

	provider, err := s.syncProvider(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &OfflineSyncResult{SyncedIDs: []string{}, Errors: []SyncError{}}
	for i, item := range req.Redemptions {
		id, err := s.syncItem(ctx, provider, item, req)
		if err != nil {
			code, msg := errorCodeAndMessage(err)
			if code == domain.CodeInternal {
				logger.Ctx(ctx).Error().Err(err).Int("index", i).
					Str("code_fingerprint", token.Fingerprint(item.Code)).
					Msg("ERROR: offline redemption sync failed")
			}
			metrics.ObserveRedemption(channelOffline, string(code), 0)
			result.Errors = append(result.Errors, SyncError{Index: i, Code: string(code), Error: msg})
			continue
		}
		result.SyncedIDs = append(result.SyncedIDs, id)
	}

	logger.Ctx(ctx).Info().
		Str("provider_id", provider.ID).
		Int("synced", len(result.SyncedIDs)).
		Int("failed", len(result.Errors)).
		Msg("offline redemptions synced")
	return result, nil
}

// syncProvider 确认调用方就是批次声明的门店。
func (s *RedemptionService) syncProvider(ctx context.Context, req OfflineSyncRequest) (*domain.Provider, error) {
	provider, err := s.deps.Providers.GetProviderByUserID(ctx, req.ActingUserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewError(domain.CodeInvalidProvider, "no provider is linked to this user")
		}
		return nil, errors.Wrapf(err, "get provider for user=%s", req.ActingUserID)
	}
	if req.ProviderID != "" && req.ProviderID != provider.ID {
		logger.Ctx(ctx).Warn().
			Str("audit", "provider_mismatch").
			Str("acting_user_id", req.ActingUserID).
			Str("claimed_provider_id", req.ProviderID).
			Str("acting_provider_id", provider.ID).
			Msg("🚨 offline sync submitted for another provider")
		return nil, domain.ErrAccessDenied
	}
	if !provider.Active {
		return nil, domain.NewError(domain.CodeInvalidProvider, "provider is not active")
	}
	return provider, nil
}

func (s *RedemptionService) syncItem(ctx context.Context, provider *domain.Provider, item OfflineSyncItem, req OfflineSyncRequest) (string, error) {
	if item.RedeemedAt.IsZero() {
		return "", domain.NewError(domain.CodeInvalidInput, "redeemedAt is required")
	}
	if item.RedeemedAt.After(s.now().Add(s.opts.MaxClockSkew)) {
		return "", domain.NewError(domain.CodeInvalidInput, "redeemedAt is in the future")
	}
	_, code := domain.ClassifyCode(item.Code)
	if code == "" {
		return "", domain.NewError(domain.CodeInvalidCode, "redemption code is empty")
	}

	// 幂等检查必须先于解析：动态短码在第一次同步后就已作废
	existing, err := s.deps.Ledger.FindByCode(ctx, code, item.CustomerID, item.RedeemedAt)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	rc := &RedemptionContext{
		Ctx:              ctx,
		Tracer:           s.tracer,
		ActingUserID:     req.ActingUserID,
		RawCode:          item.Code,
		ExplicitCustomer: item.CustomerID,
		Now:              item.RedeemedAt,
		VerifyAt:         item.RedeemedAt,
		Provider:         provider,
	}
	rc.advance(domain.StateReceived)
	if err := s.offlineChain.Handle(rc); err != nil {
		rc.advance(domain.StateRejected)
		return "", err
	}

	rec := &domain.Redemption{
		ID:         uuid.NewString(),
		VoucherID:  rc.Voucher.ID,
		CustomerID: rc.Resolved.CustomerID,
		ProviderID: provider.ID,
		Code:       rc.Resolved.Code,
		RedeemedAt: item.RedeemedAt,
		Location:   item.Location,
		Offline:    true,
		Device:     domain.DeviceInfo{DeviceID: item.DeviceID, UserAgent: req.UserAgent, IP: req.IP},
	}
	if err := s.deps.Ledger.Insert(ctx, rec, rc.Voucher.PerUserLimit()); err != nil {
		s.releaseClaim(ctx, rc)
		return "", err
	}
	rc.advance(domain.StateRecorded)
	metrics.ObserveRedemption(channelOffline, "success", 0)

	s.afterRecord(ctx, rc, rec)
	return rec.ID, nil
}

// errorCodeAndMessage 把错误转换为对外的错误码和消息，内部错误不暴露细节。
func errorCodeAndMessage(err error) (domain.ErrorCode, string) {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Code, de.Message
	}
	return domain.CodeInternal, "internal error, redemption not synced"
}

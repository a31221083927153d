package application

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"vouchercore/internal/pkg/retryqueue"
	"vouchercore/internal/service/redemption/domain"
)

// 重试队列中的操作名。
const (
	OpCreateFraudCase    = "fraud.create_case"
	OpUpdateVoucherState = "voucher.update_state"
)

func fraudRetryKey(redemptionID string) string {
	return "fraud:retry:" + redemptionID
}

func voucherStateRetryKey(redemptionID string) string {
	return "voucher:state:retry:" + redemptionID
}

// FraudCasePayload 是创建欺诈案件所需的完整数据，案件编号在真正创建时分配。
type FraudCasePayload struct {
	RedemptionID string                 `json:"redemptionId"`
	VoucherID    string                 `json:"voucherId"`
	CustomerID   string                 `json:"customerId"`
	ProviderID   string                 `json:"providerId"`
	RiskScore    int                    `json:"riskScore"`
	Flags        []domain.FraudFlag     `json:"flags"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func newFraudCasePayload(rec *domain.Redemption, a domain.FraudAssessment) FraudCasePayload {
	meta := map[string]interface{}{
		"offline":        rec.Offline,
		"redeemedAt":     rec.RedeemedAt,
		"requiresReview": a.RequiresReview,
	}
	if rec.Device.DeviceID != "" {
		meta["deviceId"] = rec.Device.DeviceID
	}
	if rec.Device.IP != "" {
		meta["ip"] = rec.Device.IP
	}
	if rec.Location != nil {
		meta["location"] = map[string]float64{"lat": rec.Location.Lat, "lng": rec.Location.Lng}
	}
	return FraudCasePayload{
		RedemptionID: rec.ID,
		VoucherID:    rec.VoucherID,
		CustomerID:   rec.CustomerID,
		ProviderID:   rec.ProviderID,
		RiskScore:    a.RiskScore,
		Flags:        a.Flags,
		Metadata:     meta,
	}
}

type VoucherStatePayload struct {
	RedemptionID string                    `json:"redemptionId"`
	VoucherID    string                    `json:"voucherId"`
	Update       domain.VoucherStateUpdate `json:"update"`
}

// RetryRegistrar 由 retryqueue.Queue 实现。
type RetryRegistrar interface {
	Register(op string, h retryqueue.Handler)
}

// RegisterRetryHandlers 把落库后副作用的重放逻辑注册到重试队列。
func (s *RedemptionService) RegisterRetryHandlers(q RetryRegistrar) {
	q.Register(OpCreateFraudCase, s.retryCreateFraudCase)
	q.Register(OpUpdateVoucherState, s.retryUpdateVoucherState)
}

func (s *RedemptionService) retryCreateFraudCase(ctx context.Context, raw json.RawMessage) error {
	var p FraudCasePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(err, "decode fraud case payload")
	}
	// 上次可能已经写入成功但响应丢失，仓储按 redemption 幂等
	if _, err := s.deps.Cases.FindByRedemptionID(ctx, p.RedemptionID); err == nil {
		return nil
	}
	_, err := s.createFraudCase(ctx, p)
	return err
}

func (s *RedemptionService) retryUpdateVoucherState(ctx context.Context, raw json.RawMessage) error {
	var p VoucherStatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(err, "decode voucher state payload")
	}
	return s.deps.Vouchers.UpdateVoucherState(ctx, p.VoucherID, p.Update)
}

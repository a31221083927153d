package infrastructure

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"vouchercore/internal/service/redemption/domain"
)

// codeHash 是原始码的 sha256，用作可索引的查找键（token 可能超过普通索引长度）。
func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// normalizeTime 统一为 UTC 毫秒精度，保证写入值与按时间查询的参数一致。
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ToDomainRedemption 将数据库模型转换为领域模型
func ToDomainRedemption(model *RedemptionModel) *domain.Redemption {
	if model == nil {
		return nil
	}
	r := &domain.Redemption{
		ID:         model.ID,
		VoucherID:  model.VoucherID,
		CustomerID: model.CustomerID,
		ProviderID: model.ProviderID,
		Code:       model.Code,
		RedeemedAt: model.RedeemedAt.UTC(),
		Offline:    model.Offline,
		Device: domain.DeviceInfo{
			DeviceID:  model.DeviceID,
			UserAgent: model.UserAgent,
			IP:        model.IP,
		},
	}
	if model.Lat.Valid && model.Lng.Valid {
		r.Location = &domain.Location{Lat: model.Lat.Float64, Lng: model.Lng.Float64}
	}
	return r
}

// FromDomainRedemption 将领域模型转换为数据库模型，sequence 由台账在写入时分配。
func FromDomainRedemption(r *domain.Redemption, sequence int) *RedemptionModel {
	if r == nil {
		return nil
	}
	model := &RedemptionModel{
		ID:         r.ID,
		VoucherID:  r.VoucherID,
		CustomerID: r.CustomerID,
		Sequence:   sequence,
		ProviderID: r.ProviderID,
		Code:       r.Code,
		CodeHash:   codeHash(r.Code),
		RedeemedAt: normalizeTime(r.RedeemedAt),
		Offline:    r.Offline,
		DeviceID:   r.Device.DeviceID,
		UserAgent:  r.Device.UserAgent,
		IP:         r.Device.IP,
	}
	if r.Location != nil {
		model.Lat = sql.NullFloat64{Float64: r.Location.Lat, Valid: true}
		model.Lng = sql.NullFloat64{Float64: r.Location.Lng, Valid: true}
	}
	return model
}

func ToDomainFraudCase(model *FraudCaseModel) *domain.FraudCase {
	if model == nil {
		return nil
	}
	c := &domain.FraudCase{
		ID:                model.ID,
		CaseNumber:        model.CaseNumber,
		RedemptionID:      model.RedemptionID,
		VoucherID:         model.VoucherID,
		CustomerID:        model.CustomerID,
		ProviderID:        model.ProviderID,
		RiskScore:         model.RiskScore,
		Flags:             model.Flags,
		Status:            model.Status,
		ReviewedBy:        model.ReviewedBy,
		ReviewNotes:       model.ReviewNotes,
		ActionsTaken:      model.ActionsTaken,
		DetectionMetadata: model.DetectionMetadata,
		CreatedAt:         model.CreatedAt.UTC(),
	}
	if model.ReviewedAt != nil {
		at := model.ReviewedAt.UTC()
		c.ReviewedAt = &at
	}
	return c
}

func FromDomainFraudCase(c *domain.FraudCase) *FraudCaseModel {
	if c == nil {
		return nil
	}
	model := &FraudCaseModel{
		ID:                c.ID,
		CaseNumber:        c.CaseNumber,
		RedemptionID:      c.RedemptionID,
		VoucherID:         c.VoucherID,
		CustomerID:        c.CustomerID,
		ProviderID:        c.ProviderID,
		RiskScore:         c.RiskScore,
		Flags:             c.Flags,
		Status:            c.Status,
		ReviewedBy:        c.ReviewedBy,
		ReviewNotes:       c.ReviewNotes,
		ActionsTaken:      c.ActionsTaken,
		DetectionMetadata: c.DetectionMetadata,
		CreatedAt:         c.CreatedAt,
	}
	if c.ReviewedAt != nil {
		at := normalizeTime(*c.ReviewedAt)
		model.ReviewedAt = &at
	}
	return model
}

func ToDomainFraudCaseHistory(model *FraudCaseHistoryModel) domain.FraudCaseHistory {
	return domain.FraudCaseHistory{
		ID:         model.ID,
		CaseID:     model.CaseID,
		Actor:      model.Actor,
		Action:     model.Action,
		FromStatus: model.FromStatus,
		ToStatus:   model.ToStatus,
		Notes:      model.Notes,
		CreatedAt:  model.CreatedAt.UTC(),
	}
}

func FromDomainFraudCaseHistory(h domain.FraudCaseHistory) *FraudCaseHistoryModel {
	return &FraudCaseHistoryModel{
		ID:         h.ID,
		CaseID:     h.CaseID,
		Actor:      h.Actor,
		Action:     h.Action,
		FromStatus: h.FromStatus,
		ToStatus:   h.ToStatus,
		Notes:      h.Notes,
		CreatedAt:  h.CreatedAt,
	}
}

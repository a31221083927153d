package application

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/service/redemption/domain"
	"vouchercore/internal/service/redemption/domain/port"
)

// ActionBlockDevice 审核时拉黑案件关联的设备。
const ActionBlockDevice = "block_device"

// DeviceBlocker 由欺诈 Redis 适配器实现。
type DeviceBlocker interface {
	BlockDevice(ctx context.Context, deviceID string) error
}

// FraudReviewService 处理欺诈案件的人工审核。
type FraudReviewService struct {
	cases     domain.FraudCaseRepository
	providers port.ProviderService
	devices   DeviceBlocker
	tracer    trace.Tracer
	now       func() time.Time
}

func NewFraudReviewService(cases domain.FraudCaseRepository, providers port.ProviderService, devices DeviceBlocker, tracer trace.Tracer) *FraudReviewService {
	return &FraudReviewService{cases: cases, providers: providers, devices: devices, tracer: tracer, now: time.Now}
}

// Review 把 PENDING 案件推进到终态。管理员可以审核任何案件，门店只能审核自己的。
func (s *FraudReviewService) Review(ctx context.Context, req ReviewRequest) (*FraudCaseView, error) {
	ctx, span := s.tracer.Start(ctx, "app.ReviewFraudCase")
	defer span.End()
	span.SetAttributes(attribute.String("fraud_case.id", req.CaseID))

	status := domain.FraudCaseStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !status.IsReviewOutcome() {
		return nil, domain.NewError(domain.CodeInvalidInput, "status must be APPROVED, REJECTED or FALSE_POSITIVE")
	}

	c, err := s.cases.FindByID(ctx, req.CaseID)
	if err != nil {
		return nil, err
	}
	if !req.IsAdmin {
		if err := s.checkOwner(ctx, req.ReviewerID, c); err != nil {
			return nil, err
		}
	}

	from := c.Status
	at := s.now().UTC()
	if err := c.Review(req.ReviewerID, status, req.Notes, req.Actions, at); err != nil {
		return nil, err
	}
	history := domain.FraudCaseHistory{
		CaseID:     c.ID,
		Actor:      req.ReviewerID,
		Action:     "reviewed",
		FromStatus: from,
		ToStatus:   status,
		Notes:      req.Notes,
		CreatedAt:  at,
	}
	if err := s.cases.SaveReview(ctx, c, history); err != nil {
		span.RecordError(err)
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("case_number", c.CaseNumber).
		Str("reviewer_id", req.ReviewerID).
		Str("status", string(status)).
		Strs("actions", req.Actions).
		Msg("fraud case reviewed")

	s.applyActions(ctx, c, req.Actions)
	return toFraudCaseView(c), nil
}

func (s *FraudReviewService) checkOwner(ctx context.Context, userID string, c *domain.FraudCase) error {
	provider, err := s.providers.GetProviderByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrAccessDenied
		}
		return errors.Wrapf(err, "get provider for user=%s", userID)
	}
	if provider.ID != c.ProviderID {
		logger.Ctx(ctx).Warn().
			Str("audit", "fraud_review_denied").
			Str("reviewer_id", userID).
			Str("case_number", c.CaseNumber).
			Msg("🚨 provider attempted to review another provider's fraud case")
		return domain.ErrAccessDenied
	}
	return nil
}

// applyActions 执行审核附带的处置。审核结论已落库，处置失败只记录日志。
func (s *FraudReviewService) applyActions(ctx context.Context, c *domain.FraudCase, actions []string) {
	for _, a := range actions {
		if a != ActionBlockDevice || s.devices == nil {
			continue
		}
		deviceID, _ := c.DetectionMetadata["deviceId"].(string)
		if deviceID == "" {
			logger.Ctx(ctx).Warn().Str("case_number", c.CaseNumber).Msg("block_device requested but case has no device")
			continue
		}
		if err := s.devices.BlockDevice(ctx, deviceID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("case_number", c.CaseNumber).Msg("ERROR: failed to block device")
			continue
		}
		logger.Ctx(ctx).Warn().Str("case_number", c.CaseNumber).Str("device_id", deviceID).Msg("🚨 device blocked")
	}
}

// internal/service/redemption/application/service.go
package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/pkg/metrics"
	"vouchercore/internal/service/redemption/domain"
	"vouchercore/internal/service/redemption/domain/port"
	"vouchercore/internal/service/redemption/token"
)

const (
	channelOnline  = "online"
	channelOffline = "offline_sync"
)

// Options 是编排器的运行参数。
type Options struct {
	DefaultLanguage string
	FraudTimeout    time.Duration
	RetryTTL        time.Duration
	// MaxClockSkew 离线记录的兑换时间允许超前服务器时间的范围
	MaxClockSkew time.Duration
	// ClaimLease 动态码从占用到作废之间的租约时长
	ClaimLease time.Duration
}

// Dependencies 汇总编排器依赖的出站端口。
type Dependencies struct {
	Ledger      domain.RedemptionRepository
	Cases       domain.FraudCaseRepository
	Verifier    port.TokenVerifier
	ShortCodes  port.ShortCodeStore
	Vouchers    port.VoucherService
	Providers   port.ProviderService
	RateLimiter port.RateLimiter
	Stats       port.StatsCache
	Fraud       port.FraudDetector
	CaseNumbers port.CaseNumberSequence
	Retry       port.RetryScheduler
	Offline     *token.OfflineValidator
}

// RedemptionService 只关注兑换流程编排。
type RedemptionService struct {
	deps   Dependencies
	opts   Options
	tracer trace.Tracer

	resolver     *CodeResolver
	onlineChain  Handler
	offlineChain Handler

	now func() time.Time
}

func NewRedemptionService(deps Dependencies, opts Options, tracer trace.Tracer) *RedemptionService {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en"
	}
	if opts.FraudTimeout <= 0 {
		opts.FraudTimeout = 300 * time.Millisecond
	}
	if opts.RetryTTL <= 0 {
		opts.RetryTTL = 24 * time.Hour
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = 5 * time.Minute
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 5 * time.Minute
	}
	resolver := NewCodeResolver(deps.Verifier, deps.ShortCodes)
	s := &RedemptionService{deps: deps, opts: opts, tracer: tracer, resolver: resolver, now: time.Now}

	// 顺序即业务规则：过期先于状态，每人上限先于总量
	s.onlineChain = buildChain(
		&RateLimitHandler{limiter: deps.RateLimiter},
		&ProviderHandler{providers: deps.Providers},
		&CodeResolveHandler{resolver: resolver},
		&VoucherLoadHandler{vouchers: deps.Vouchers},
		&ExpiryHandler{},
		&PublishedHandler{},
		&OwnershipHandler{},
		&CustomerLimitHandler{ledger: deps.Ledger},
		&AggregateLimitHandler{ledger: deps.Ledger},
		&ClaimHandler{shortCodes: deps.ShortCodes, lease: opts.ClaimLease},
	)
	// 离线同步已在批次级别确认门店，不做限流
	s.offlineChain = buildChain(
		&ProviderHandler{providers: deps.Providers},
		&CodeResolveHandler{resolver: resolver},
		&VoucherLoadHandler{vouchers: deps.Vouchers},
		&ExpiryHandler{},
		&PublishedHandler{},
		&OwnershipHandler{},
		&CustomerLimitHandler{ledger: deps.Ledger},
		&AggregateLimitHandler{ledger: deps.Ledger},
		&ClaimHandler{shortCodes: deps.ShortCodes, lease: opts.ClaimLease},
	)
	return s
}

// ValidationSteps 返回在线兑换的校验顺序。
func (s *RedemptionService) ValidationSteps() []string {
	return chainNames(s.onlineChain)
}

// Redeem 处理一次在线兑换。落库之前的任何失败都会中止；落库之后的步骤只做尽力推进。
func (s *RedemptionService) Redeem(ctx context.Context, req RedeemRequest) (result *RedemptionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "app.Redeem", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	start := s.now()
	defer func() {
		metrics.ObserveRedemption(channelOnline, resultLabel(err), s.now().Sub(start))
	}()

	rc := &RedemptionContext{
		Ctx:              ctx,
		Tracer:           s.tracer,
		ActingUserID:     req.ActingUserID,
		RawCode:          req.Code,
		ExplicitCustomer: req.CustomerID,
		Now:              start,
	}
	rc.advance(domain.StateReceived)

	if err := s.onlineChain.Handle(rc); err != nil {
		return nil, s.reject(ctx, span, rc, err)
	}

	rec := &domain.Redemption{
		ID:         uuid.NewString(),
		VoucherID:  rc.Voucher.ID,
		CustomerID: rc.Resolved.CustomerID,
		ProviderID: rc.Provider.ID,
		Code:       rc.Resolved.Code,
		RedeemedAt: start,
		Location:   req.Location,
		Offline:    req.Offline,
		Device:     domain.DeviceInfo{DeviceID: req.DeviceID, UserAgent: req.UserAgent, IP: req.IP},
	}
	if err := s.deps.Ledger.Insert(ctx, rec, rc.Voucher.PerUserLimit()); err != nil {
		s.releaseClaim(ctx, rc)
		return nil, s.reject(ctx, span, rc, err)
	}
	rc.advance(domain.StateRecorded)
	span.SetAttributes(attribute.String("redemption.id", rec.ID))
	logger.Ctx(ctx).Info().
		Str("redemption_id", rec.ID).
		Str("voucher_id", rec.VoucherID).
		Str("customer_id", rec.CustomerID).
		Str("provider_id", rec.ProviderID).
		Str("code_kind", rc.Resolved.Kind.String()).
		Msg("✅ redemption recorded")

	s.afterRecord(ctx, rc, rec)

	return &RedemptionResult{
		Success:      true,
		RedemptionID: rec.ID,
		VoucherID:    rec.VoucherID,
		CustomerID:   rec.CustomerID,
		RedeemedAt:   rec.RedeemedAt,
		Display:      BuildDisplay(rc.Voucher, s.providerName(ctx, rc), req.Language, s.opts.DefaultLanguage),
	}, nil
}

// reject 把失败归一为业务错误或带上下文的内部错误。token 原文不进入日志或错误信息。
func (s *RedemptionService) reject(ctx context.Context, span trace.Span, rc *RedemptionContext, err error) error {
	rc.advance(domain.StateRejected)
	span.RecordError(err)
	span.SetStatus(codes.Error, "redemption rejected")

	var de *domain.Error
	if errors.As(err, &de) {
		logger.Ctx(ctx).Info().
			Str("error_code", string(de.Code)).
			Str("acting_user_id", rc.ActingUserID).
			Str("code_fingerprint", token.Fingerprint(rc.RawCode)).
			Msg("redemption rejected")
		return err
	}
	wrapped := errors.Wrapf(err, "redeem user=%s code=%s", rc.ActingUserID, token.Fingerprint(rc.RawCode))
	logger.Ctx(ctx).Error().Err(wrapped).Msg("ERROR: redemption failed before it was recorded")
	return wrapped
}

// afterRecord 执行落库之后的副作用：欺诈评分、状态回写、作废动态码、失效统计缓存。
// 这里的任何失败都不会影响已经成功的兑换。
func (s *RedemptionService) afterRecord(ctx context.Context, rc *RedemptionContext, rec *domain.Redemption) {
	// 客户端断开不应打断已落库兑换的后续步骤
	ctx = context.WithoutCancel(ctx)
	assessment := s.scoreFraud(ctx, rec)
	if assessment.Flagged() {
		s.openFraudCase(ctx, rec, assessment)
	}
	rc.advance(domain.StateFraudScored)

	s.propagateState(ctx, rec)
	rc.advance(domain.StateStatePropagated)

	if rc.Resolved.Dynamic {
		deleted, err := s.deps.ShortCodes.Invalidate(ctx, rc.Resolved.Code)
		switch {
		case err != nil:
			logger.Ctx(ctx).Error().Err(err).Str("redemption_id", rec.ID).
				Msg("ERROR: failed to invalidate dynamic short code")
		case !deleted:
			logger.Ctx(ctx).Warn().Str("redemption_id", rec.ID).
				Msg("dynamic short code was already gone when invalidating")
		}
	}
	if err := s.deps.Stats.Invalidate(ctx, rec.VoucherID, rec.ProviderID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("voucher_id", rec.VoucherID).Msg("failed to invalidate redemption stats cache")
	}
	rc.advance(domain.StateCompleted)
}

// releaseClaim 在兑换没有落库时归还动态码，让顾客可以重试。
func (s *RedemptionService) releaseClaim(ctx context.Context, rc *RedemptionContext) {
	if rc.ClaimID == "" {
		return
	}
	if err := s.deps.ShortCodes.Release(context.WithoutCancel(ctx), rc.Resolved.Code, rc.ClaimID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("voucher_id", rc.Resolved.VoucherID).
			Msg("failed to release dynamic short code claim, it frees up when the lease expires")
	}
	rc.ClaimID = ""
}

// scoreFraud 在时间预算内评分，超时或出错按无标记处理。
func (s *RedemptionService) scoreFraud(ctx context.Context, rec *domain.Redemption) domain.FraudAssessment {
	fctx, cancel := context.WithTimeout(ctx, s.opts.FraudTimeout)
	defer cancel()

	assessment, err := s.deps.Fraud.Check(fctx, domain.FraudCheckInput{
		RedemptionID: rec.ID,
		VoucherID:    rec.VoucherID,
		CustomerID:   rec.CustomerID,
		ProviderID:   rec.ProviderID,
		Location:     rec.Location,
		Timestamp:    rec.RedeemedAt,
		DeviceID:     rec.Device.DeviceID,
		Offline:      rec.Offline,
	})
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		metrics.IncFraudScoringFailure(reason)
		logger.Ctx(ctx).Warn().Err(err).Str("redemption_id", rec.ID).Str("reason", reason).
			Msg("fraud scoring failed, treating as no flags")
		return domain.FraudAssessment{}
	}
	return assessment
}

func (s *RedemptionService) openFraudCase(ctx context.Context, rec *domain.Redemption, assessment domain.FraudAssessment) {
	payload := newFraudCasePayload(rec, assessment)
	fc, err := s.createFraudCase(ctx, payload)
	if err == nil {
		logger.Ctx(ctx).Warn().
			Str("redemption_id", rec.ID).
			Str("case_number", fc.CaseNumber).
			Int("risk_score", assessment.RiskScore).
			Strs("flags", assessment.FlagNames()).
			Msg("🚨 fraud case opened")
		return
	}
	logger.Ctx(ctx).Error().Err(err).Str("redemption_id", rec.ID).Msg("ERROR: fraud case creation failed, scheduling retry")
	s.scheduleRetry(ctx, fraudRetryKey(rec.ID), OpCreateFraudCase, payload, err)
}

// createFraudCase 同时被在线流程和重试处理器调用；仓储按 redemption 幂等。
func (s *RedemptionService) createFraudCase(ctx context.Context, p FraudCasePayload) (*domain.FraudCase, error) {
	number, err := s.deps.CaseNumbers.NextCaseNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "allocate case number")
	}
	return s.deps.Cases.Create(ctx, &domain.FraudCase{
		CaseNumber:        number,
		RedemptionID:      p.RedemptionID,
		VoucherID:         p.VoucherID,
		CustomerID:        p.CustomerID,
		ProviderID:        p.ProviderID,
		RiskScore:         p.RiskScore,
		Flags:             p.Flags,
		Status:            domain.FraudStatusPending,
		DetectionMetadata: p.Metadata,
	})
}

func (s *RedemptionService) propagateState(ctx context.Context, rec *domain.Redemption) {
	payload := VoucherStatePayload{
		RedemptionID: rec.ID,
		VoucherID:    rec.VoucherID,
		Update: domain.VoucherStateUpdate{
			State:      domain.VoucherStateRedeemed,
			RedeemedAt: rec.RedeemedAt,
			RedeemedBy: rec.CustomerID,
			Location:   rec.Location,
		},
	}
	if err := s.deps.Vouchers.UpdateVoucherState(ctx, payload.VoucherID, payload.Update); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("redemption_id", rec.ID).Msg("ERROR: voucher state propagation failed, scheduling retry")
		s.scheduleRetry(ctx, voucherStateRetryKey(rec.ID), OpUpdateVoucherState, payload, err)
	}
}

func (s *RedemptionService) scheduleRetry(ctx context.Context, key, op string, payload interface{}, cause error) {
	if err := s.deps.Retry.Enqueue(ctx, key, op, payload, 1, cause, s.opts.RetryTTL); err != nil {
		// 重试队列也不可用时只能依赖日志人工补偿
		logger.Ctx(ctx).Error().Err(err).Str("retry_key", key).Str("op", op).
			Msg("ERROR: CRITICAL failed to enqueue retry item, side effect lost")
	}
}

// providerName 优先用已解析的门店名称，缺失时再查一次商户目录。
func (s *RedemptionService) providerName(ctx context.Context, rc *RedemptionContext) string {
	if rc.Provider.BusinessName != "" {
		return rc.Provider.BusinessName
	}
	p, err := s.deps.Providers.GetProvider(ctx, rc.Voucher.ProviderID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("provider_id", rc.Voucher.ProviderID).Msg("failed to load provider name for display")
		return ""
	}
	return p.BusinessName
}

// ValidateOffline 只用公钥校验 token，不访问任何存储。
func (s *RedemptionService) ValidateOffline(ctx context.Context, raw string) OfflineValidateResponse {
	res := s.deps.Offline.Validate(raw)
	logger.Ctx(ctx).Debug().
		Bool("valid", res.Valid).
		Str("code_fingerprint", token.Fingerprint(raw)).
		Msg("offline token validated")
	return OfflineValidateResponse{
		Valid:      res.Valid,
		VoucherID:  res.VoucherID,
		CustomerID: res.CustomerID,
		Expiry:     res.Expiry,
		Error:      res.Error,
	}
}

// Stats 返回券的兑换统计，优先读缓存。非管理员只能查询自己门店的券。
func (s *RedemptionService) Stats(ctx context.Context, req StatsRequest) (*domain.RedemptionStats, error) {
	ctx, span := s.tracer.Start(ctx, "app.Stats")
	defer span.End()

	if !req.IsAdmin {
		provider, err := s.deps.Providers.GetProviderByUserID(ctx, req.ActingUserID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.ErrAccessDenied
			}
			return nil, errors.Wrapf(err, "get provider for user=%s", req.ActingUserID)
		}
		voucher, err := s.deps.Vouchers.GetVoucherByID(ctx, req.VoucherID)
		if err != nil {
			if errors.Is(err, domain.ErrVoucherNotFound) {
				return nil, domain.ErrVoucherNotFound
			}
			return nil, errors.Wrapf(err, "get voucher %s", req.VoucherID)
		}
		if voucher.ProviderID != provider.ID {
			return nil, domain.ErrAccessDenied
		}
	}

	cached, gen, cacheErr := s.deps.Stats.GetStats(ctx, req.VoucherID)
	if cacheErr != nil {
		logger.Ctx(ctx).Warn().Err(cacheErr).Msg("stats cache read failed, falling back to ledger")
	} else if cached != nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}

	stats, err := s.deps.Ledger.Stats(ctx, req.VoucherID)
	if err != nil {
		return nil, err
	}
	// 读缓存失败时拿不到代数，不回填
	if cacheErr == nil {
		written, setErr := s.deps.Stats.SetStats(ctx, stats, gen)
		switch {
		case setErr != nil:
			logger.Ctx(ctx).Warn().Err(setErr).Msg("stats cache write failed")
		case !written:
			logger.Ctx(ctx).Debug().Str("voucher_id", req.VoucherID).
				Msg("stats changed while aggregating, cache not refilled")
		}
	}
	return stats, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return string(de.Code)
	}
	return string(domain.CodeInternal)
}

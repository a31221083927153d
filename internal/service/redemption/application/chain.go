package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/service/redemption/domain"
	"vouchercore/internal/service/redemption/domain/port"
)

// RedemptionContext 在校验链中传递一次兑换尝试的数据。
type RedemptionContext struct {
	Ctx    context.Context
	Tracer trace.Tracer

	ActingUserID     string
	RawCode          string
	ExplicitCustomer string
	// Now 是业务判断使用的时刻；离线同步时为门店记录的兑换时间
	Now time.Time
	// VerifyAt 非零时 token 按该时刻校验过期
	VerifyAt time.Time

	Provider *domain.Provider
	Resolved *domain.ResolvedCode
	Voucher  *domain.Voucher
	// ClaimID 非空表示本次尝试持有动态码的租约，落库失败时需要释放
	ClaimID string

	State  domain.AttemptState
	States []domain.AttemptState
}

// advance 推进状态机，并在当前 span 上留下事件。
func (rc *RedemptionContext) advance(state domain.AttemptState) {
	rc.State = state
	rc.States = append(rc.States, state)
	trace.SpanFromContext(rc.Ctx).AddEvent("redemption.state", trace.WithAttributes(
		attribute.String("state", string(state)),
	))
}

// Handler 定义了校验链中每个节点的接口
type Handler interface {
	// SetNext 设置链中的下一个处理器
	SetNext(handler Handler) Handler
	// Handle 执行当前节点的校验，失败即中断整条链
	Handle(rc *RedemptionContext) error
	Name() string
}

// NextHandler 可以嵌入到具体的处理器中，以减少重复代码
type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(rc *RedemptionContext) error {
	if h.next != nil {
		return h.next.Handle(rc)
	}
	return nil
}

// buildChain 按顺序串起处理器，返回链头。
func buildChain(handlers ...Handler) Handler {
	if len(handlers) == 0 {
		return nil
	}
	cur := handlers[0]
	for _, h := range handlers[1:] {
		cur = cur.SetNext(h)
	}
	return handlers[0]
}

// chainNames 返回链上处理器的名字，顺序即执行顺序。
func chainNames(head Handler) []string {
	var names []string
	for h := head; h != nil; {
		names = append(names, h.Name())
		n, ok := h.(interface{ nextHandler() Handler })
		if !ok {
			break
		}
		h = n.nextHandler()
	}
	return names
}

func (h *NextHandler) nextHandler() Handler { return h.next }

func stepSpan(rc *RedemptionContext, name string) (context.Context, trace.Span) {
	return rc.Tracer.Start(rc.Ctx, "validate."+name)
}

func failStep(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// RateLimitHandler 在任何其他工作之前检查调用方的频率。
type RateLimitHandler struct {
	NextHandler
	limiter port.RateLimiter
}

func (h *RateLimitHandler) Name() string { return "rate_limit" }

func (h *RateLimitHandler) Handle(rc *RedemptionContext) error {
	ctx, span := stepSpan(rc, h.Name())
	defer span.End()

	allowed, retryAfter, err := h.limiter.Allow(ctx, rc.ActingUserID)
	if err != nil {
		// 计数器不可用时放行，次数上限仍由台账保证
		span.RecordError(err)
		logger.Ctx(ctx).Warn().Err(err).Str("user_id", rc.ActingUserID).Msg("rate limiter unavailable, admitting request")
		return h.executeNext(rc)
	}
	if !allowed {
		logger.Ctx(ctx).Warn().Str("user_id", rc.ActingUserID).Dur("retry_after", retryAfter).Msg("redemption rate limited")
		return failStep(span, domain.RateLimited(retryAfter))
	}
	return h.executeNext(rc)
}

// ProviderHandler 把调用方用户解析为门店，门店必须处于启用状态。
type ProviderHandler struct {
	NextHandler
	providers port.ProviderService
}

func (h *ProviderHandler) Name() string { return "provider" }

func (h *ProviderHandler) Handle(rc *RedemptionContext) error {
	ctx, span := stepSpan(rc, h.Name())
	defer span.End()

	if rc.Provider == nil {
		provider, err := h.providers.GetProviderByUserID(ctx, rc.ActingUserID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return failStep(span, domain.NewError(domain.CodeInvalidProvider, "no provider is linked to this user"))
			}
			return failStep(span, errors.Wrapf(err, "get provider for user=%s", rc.ActingUserID))
		}
		rc.Provider = provider
	}
	if !rc.Provider.Active {
		return failStep(span, domain.NewError(domain.CodeInvalidProvider, "provider is not active"))
	}
	span.SetAttributes(attribute.String("provider.id", rc.Provider.ID))
	return h.executeNext(rc)
}

// CodeResolveHandler 确定码的类型并解析出 (voucherId, customerId)。
type CodeResolveHandler struct {
	NextHandler
	resolver *CodeResolver
}

func (h *CodeResolveHandler) Name() string { return "code" }

func (h *CodeResolveHandler) Handle(rc *RedemptionContext) error {
	ctx, span := stepSpan(rc, h.Name())
	defer span.End()

	resolved, err := h.resolver.Resolve(ctx, rc.RawCode, rc.ExplicitCustomer, rc.VerifyAt)
	if err != nil {
		return failStep(span, err)
	}
	rc.Resolved = resolved
	span.SetAttributes(
		attribute.String("code.kind", resolved.Kind.String()),
		attribute.String("voucher.id", resolved.VoucherID),
	)
	rc.advance(domain.StateCodeResolved)
	return h.executeNext(rc)
}

// VoucherLoadHandler 从券服务读取券。
type VoucherLoadHandler struct {
	NextHandler
	vouchers port.VoucherService
}

func (h *VoucherLoadHandler) Name() string { return "voucher" }

func (h *VoucherLoadHandler) Handle(rc *RedemptionContext) error {
	ctx, span := stepSpan(rc, h.Name())
	defer span.End()

	voucher, err := h.vouchers.GetVoucherByID(ctx, rc.Resolved.VoucherID)
	if err != nil {
		if errors.Is(err, domain.ErrVoucherNotFound) || errors.Is(err, domain.ErrNotFound) {
			return failStep(span, domain.ErrVoucherNotFound)
		}
		return failStep(span, errors.Wrapf(err, "get voucher %s", rc.Resolved.VoucherID))
	}
	rc.Voucher = voucher
	return h.executeNext(rc)
}

// ExpiryHandler 先于状态检查：过期但仍是 published 的券应报告过期。
type ExpiryHandler struct {
	NextHandler
}

func (h *ExpiryHandler) Name() string { return "expiry" }

func (h *ExpiryHandler) Handle(rc *RedemptionContext) error {
	if rc.Voucher.IsExpired(rc.Now) {
		return domain.ErrExpired
	}
	return h.executeNext(rc)
}

// PublishedHandler 只有 published 的券可以兑换。
type PublishedHandler struct {
	NextHandler
}

func (h *PublishedHandler) Name() string { return "published" }

func (h *PublishedHandler) Handle(rc *RedemptionContext) error {
	if !rc.Voucher.IsPublished() {
		return domain.NewError(domain.CodeInvalidCode, fmt.Sprintf("voucher is %s", rc.Voucher.State))
	}
	rc.advance(domain.StateVoucherValidated)
	return h.executeNext(rc)
}

// OwnershipHandler 券必须属于当前门店，不匹配时记录审计日志。
type OwnershipHandler struct {
	NextHandler
}

func (h *OwnershipHandler) Name() string { return "ownership" }

func (h *OwnershipHandler) Handle(rc *RedemptionContext) error {
	if rc.Voucher.ProviderID != rc.Provider.ID {
		logger.Ctx(rc.Ctx).Warn().
			Str("audit", "provider_mismatch").
			Str("acting_user_id", rc.ActingUserID).
			Str("acting_provider_id", rc.Provider.ID).
			Str("voucher_id", rc.Voucher.ID).
			Str("owner_provider_id", rc.Voucher.ProviderID).
			Msg("🚨 provider attempted to redeem a voucher it does not own")
		return domain.ErrInvalidProvider
	}
	return h.executeNext(rc)
}

// CustomerLimitHandler 每人次数检查。这里只是快速失败，最终由台账唯一约束保证。
type CustomerLimitHandler struct {
	NextHandler
	ledger domain.RedemptionRepository
}

func (h *CustomerLimitHandler) Name() string { return "customer_limit" }

func (h *CustomerLimitHandler) Handle(rc *RedemptionContext) error {
	ctx, span := stepSpan(rc, h.Name())
	defer span.End()

	limit := rc.Voucher.PerUserLimit()
	count, err := h.ledger.CountByVoucherAndCustomer(ctx, rc.Voucher.ID, rc.Resolved.CustomerID)
	if err != nil {
		return failStep(span, err)
	}
	if count >= int64(limit) {
		return failStep(span, domain.NewError(domain.CodeAlreadyRedeemed,
			fmt.Sprintf("customer already redeemed this voucher %d time(s)", count)))
	}
	return h.executeNext(rc)
}

// AggregateLimitHandler 总量检查，仅在券设置了 maxRedemptions 时生效。
type AggregateLimitHandler struct {
	NextHandler
	ledger domain.RedemptionRepository
}

func (h *AggregateLimitHandler) Name() string { return "aggregate_limit" }

func (h *AggregateLimitHandler) Handle(rc *RedemptionContext) error {
	if rc.Voucher.MaxRedemptions > 0 {
		ctx, span := stepSpan(rc, h.Name())
		count, err := h.ledger.CountByVoucher(ctx, rc.Voucher.ID)
		if err != nil {
			err = failStep(span, err)
			span.End()
			return err
		}
		span.End()
		if count >= int64(rc.Voucher.MaxRedemptions) {
			return domain.NewError(domain.CodeAlreadyRedeemed, "voucher redemption limit reached")
		}
	}
	rc.advance(domain.StateLimitsChecked)
	return h.executeNext(rc)
}

// ClaimHandler 是链上最后一步：在落库前独占动态短码，同一个动态码的并发兑换只有一个能继续。
type ClaimHandler struct {
	NextHandler
	shortCodes port.ShortCodeStore
	lease      time.Duration
}

func (h *ClaimHandler) Name() string { return "claim" }

func (h *ClaimHandler) Handle(rc *RedemptionContext) error {
	if rc.Resolved == nil || !rc.Resolved.Dynamic {
		return h.executeNext(rc)
	}
	ctx, span := stepSpan(rc, h.Name())
	defer span.End()

	claimID := uuid.NewString()
	ok, err := h.shortCodes.Claim(ctx, rc.Resolved.Code, claimID, h.lease)
	if err != nil {
		return failStep(span, errors.Wrap(err, "claim dynamic short code"))
	}
	if !ok {
		logger.Ctx(ctx).Warn().Str("voucher_id", rc.Resolved.VoucherID).
			Msg("dynamic short code already claimed by a concurrent redemption")
		return failStep(span, domain.NewError(domain.CodeInvalidCode, "short code has already been used"))
	}
	rc.ClaimID = claimID
	return h.executeNext(rc)
}

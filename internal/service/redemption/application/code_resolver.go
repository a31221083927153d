package application

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"vouchercore/internal/service/redemption/domain"
	"vouchercore/internal/service/redemption/domain/port"
	"vouchercore/internal/service/redemption/token"
)

// CodeResolver 按码的形态分派到 token 校验或短码查询，并确定最终的客户。
type CodeResolver struct {
	verifier   port.TokenVerifier
	shortCodes port.ShortCodeStore
}

func NewCodeResolver(verifier port.TokenVerifier, shortCodes port.ShortCodeStore) *CodeResolver {
	return &CodeResolver{verifier: verifier, shortCodes: shortCodes}
}

// Resolve 解析出示的码。verifyAt 非零时以该时刻判断 token 是否过期（离线同步）。
// explicitCustomer 是请求中显式给出的客户，静态短码必须提供。
func (r *CodeResolver) Resolve(ctx context.Context, raw, explicitCustomer string, verifyAt time.Time) (*domain.ResolvedCode, error) {
	kind, code := domain.ClassifyCode(raw)
	if code == "" {
		return nil, domain.NewError(domain.CodeInvalidCode, "redemption code is empty")
	}

	switch kind {
	case domain.CodeKindJWT:
		var (
			claims *domain.TokenClaims
			err    error
		)
		if verifyAt.IsZero() {
			claims, err = r.verifier.Verify(code)
		} else {
			claims, err = r.verifier.VerifyAt(code, verifyAt)
		}
		if err != nil {
			if errors.Is(err, token.ErrExpired) {
				return nil, domain.NewError(domain.CodeExpired, "redemption token has expired")
			}
			return nil, domain.NewError(domain.CodeInvalidCode, token.Reason(err))
		}
		if explicitCustomer != "" && explicitCustomer != claims.CustomerID {
			return nil, domain.NewError(domain.CodeInvalidCode, "redemption token belongs to another customer")
		}
		return &domain.ResolvedCode{
			Kind:       domain.CodeKindJWT,
			Code:       code,
			VoucherID:  claims.VoucherID,
			CustomerID: claims.CustomerID,
		}, nil

	default:
		entry, err := r.shortCodes.Lookup(ctx, code)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.ErrInvalidCode
			}
			return nil, errors.Wrap(err, "lookup short code")
		}
		resolved := &domain.ResolvedCode{
			Kind:      domain.CodeKindShort,
			Code:      code,
			VoucherID: entry.VoucherID,
			Dynamic:   entry.IsDynamic(),
		}
		switch {
		case entry.CustomerID != "":
			if explicitCustomer != "" && explicitCustomer != entry.CustomerID {
				return nil, domain.NewError(domain.CodeInvalidCode, "short code belongs to another customer")
			}
			resolved.CustomerID = entry.CustomerID
		case explicitCustomer != "":
			resolved.CustomerID = explicitCustomer
		default:
			return nil, domain.ErrMissingCustomer
		}
		return resolved, nil
	}
}

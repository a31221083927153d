package token

import (
	"time"

	"github.com/pkg/errors"
)

// 离线校验返回给终端的原因文案。
const (
	ReasonInvalidSignature = "Invalid token signature"
	ReasonExpired          = "Token has expired"
	ReasonMalformed        = "Malformed token"
	ReasonInvalid          = "Invalid token"
)

type OfflineResult struct {
	Valid      bool       `json:"valid"`
	VoucherID  string     `json:"voucherId,omitempty"`
	CustomerID string     `json:"customerId,omitempty"`
	Expiry     *time.Time `json:"expiry,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// OfflineValidator 只做签名与有效期校验，不访问台账，结果在同步对账前都是临时的。
type OfflineValidator struct {
	verifier *Verifier
}

func NewOfflineValidator(verifier *Verifier) *OfflineValidator {
	return &OfflineValidator{verifier: verifier}
}

func (o *OfflineValidator) Validate(token string) (result OfflineResult) {
	defer func() {
		if r := recover(); r != nil {
			result = OfflineResult{Valid: false, Error: ReasonInvalid}
		}
	}()

	claims, err := o.verifier.Verify(token)
	if err != nil {
		return OfflineResult{Valid: false, Error: Reason(err)}
	}
	expiry := claims.ExpiresAt
	return OfflineResult{
		Valid:      true,
		VoucherID:  claims.VoucherID,
		CustomerID: claims.CustomerID,
		Expiry:     &expiry,
	}
}

// Reason 把校验错误转成不泄露内部细节的文案。
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrMalformed):
		return ReasonMalformed
	default:
		return ReasonInvalid
	}
}

package domain

import (
	"fmt"
	"time"
)

// ErrorCode 是暴露给调用方的稳定错误码。
type ErrorCode string

const (
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeInvalidCode     ErrorCode = "INVALID_CODE"
	CodeInvalidProvider ErrorCode = "INVALID_PROVIDER"
	CodeVoucherNotFound ErrorCode = "VOUCHER_NOT_FOUND"
	CodeExpired         ErrorCode = "EXPIRED"
	CodeAlreadyRedeemed ErrorCode = "ALREADY_REDEEMED"
	CodeMissingCustomer ErrorCode = "MISSING_CUSTOMER"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeNotPending      ErrorCode = "NOT_PENDING"
	CodeAccessDenied    ErrorCode = "ACCESS_DENIED"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeInternal        ErrorCode = "INTERNAL"

	// CodeServiceUnavailable 表示协作服务不可达，调用方可稍后重试。
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error 是业务错误。Is 只比较 Code，因此带自定义消息的错误仍能匹配下面的哨兵值。
type Error struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration // 仅 RATE_LIMITED 使用
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrRateLimited     = &Error{Code: CodeRateLimited, Message: "too many redemption attempts, please retry later"}
	ErrInvalidCode     = &Error{Code: CodeInvalidCode, Message: "invalid or unknown redemption code"}
	ErrInvalidProvider = &Error{Code: CodeInvalidProvider, Message: "provider is not allowed to redeem this voucher"}
	ErrVoucherNotFound = &Error{Code: CodeVoucherNotFound, Message: "voucher not found"}
	ErrExpired         = &Error{Code: CodeExpired, Message: "voucher has expired"}
	ErrAlreadyRedeemed = &Error{Code: CodeAlreadyRedeemed, Message: "voucher already redeemed"}
	ErrMissingCustomer = &Error{Code: CodeMissingCustomer, Message: "customer id is required for this code"}
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "resource not found"}
	ErrNotPending      = &Error{Code: CodeNotPending, Message: "only pending fraud cases can be reviewed"}
	ErrAccessDenied    = &Error{Code: CodeAccessDenied, Message: "access denied"}
	ErrInvalidInput    = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrInternal        = &Error{Code: CodeInternal, Message: "internal error"}
)

// NewError 基于错误码构造带具体消息的业务错误。
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// RateLimited 返回携带重试等待时间的限流错误。
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: ErrRateLimited.Message, RetryAfter: retryAfter}
}

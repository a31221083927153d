package domain

import (
	"strings"
	"time"
)

// CodeKind 在入口处确定一次，决定走 token 校验还是短码查询。
type CodeKind int

const (
	CodeKindShort CodeKind = iota
	CodeKindJWT
)

func (k CodeKind) String() string {
	if k == CodeKindJWT {
		return "jwt"
	}
	return "short"
}

// ClassifyCode 判断出示的码是 JWT（三段非空、以点分隔）还是短码，并返回规范化后的值。
// 短码统一去空白并转大写。
func ClassifyCode(raw string) (CodeKind, string) {
	trimmed := strings.TrimSpace(raw)
	parts := strings.Split(trimmed, ".")
	if len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "" {
		return CodeKindJWT, trimmed
	}
	return CodeKindShort, strings.ToUpper(trimmed)
}

// ShortCodeType 区分可重复使用的静态码与一次性的动态码。
type ShortCodeType string

const (
	ShortCodeStatic  ShortCodeType = "static"
	ShortCodeDynamic ShortCodeType = "short"
)

// ShortCodeEntry 是短码到券的映射。静态码不绑定客户。
type ShortCodeEntry struct {
	Code       string
	VoucherID  string
	Type       ShortCodeType
	CustomerID string
}

func (e *ShortCodeEntry) IsDynamic() bool {
	return e.Type == ShortCodeDynamic
}

// TokenClaims 是兑换 token 中的声明，仅在一次校验内存在。
type TokenClaims struct {
	VoucherID  string
	CustomerID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// ResolvedCode 是码解析后的统一结果。
type ResolvedCode struct {
	Kind       CodeKind
	Code       string // 规范化后的码
	VoucherID  string
	CustomerID string
	Dynamic    bool
}

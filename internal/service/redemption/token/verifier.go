package token

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"vouchercore/internal/service/redemption/domain"
)

var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token has expired")
	ErrMalformed        = errors.New("malformed token")
)

// RedemptionClaims 是兑换二维码中携带的声明。
type RedemptionClaims struct {
	VoucherID  string `json:"voucherId"`
	CustomerID string `json:"customerId"`
	jwt.RegisteredClaims
}

// Verifier 只持有公钥，可以安全地在离线环境和多个 goroutine 中使用。
type Verifier struct {
	publicKey *ecdsa.PublicKey
	issuer    string
	now       func() time.Time
}

func NewVerifier(publicKey *ecdsa.PublicKey, issuer string) *Verifier {
	return &Verifier{publicKey: publicKey, issuer: issuer, now: time.Now}
}

// LoadVerifier 从 PEM 文件读取 ES256 公钥。
func LoadVerifier(path, issuer string) (*Verifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read public key %s", path)
	}
	key, err := jwt.ParseECPublicKeyFromPEM(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse public key %s", path)
	}
	return NewVerifier(key, issuer), nil
}

func (v *Verifier) Verify(token string) (*domain.TokenClaims, error) {
	return v.VerifyAt(token, v.now())
}

// VerifyAt 以 at 作为当前时间判断有效期，签名校验不受影响。
func (v *Verifier) VerifyAt(token string, at time.Time) (*domain.TokenClaims, error) {
	if kind, _ := domain.ClassifyCode(token); kind != domain.CodeKindJWT {
		return nil, ErrMalformed
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return at }),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &RedemptionClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		// 签名优先：载荷被篡改到无法解析或声明不合法时，仍按签名不符报告
		if v.signatureMismatch(token) {
			return nil, errors.Wrap(ErrInvalidSignature, err.Error())
		}
		return nil, classify(err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}
	if claims.VoucherID == "" || claims.CustomerID == "" {
		return nil, errors.Wrap(ErrMalformed, "missing voucherId or customerId")
	}

	out := &domain.TokenClaims{
		VoucherID:  claims.VoucherID,
		CustomerID: claims.CustomerID,
		ExpiresAt:  claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

// signatureMismatch 直接对 header.payload 原始字节验签，不解析载荷。签名段本身无法解码时返回 false。
func (v *Verifier) signatureMismatch(token string) bool {
	parts := strings.Split(strings.TrimSpace(token), ".")
	sig, err := jwt.NewParser().DecodeSegment(parts[2])
	if err != nil {
		return false
	}
	return jwt.SigningMethodES256.Verify(parts[0]+"."+parts[1], sig, v.publicKey) != nil
}

// classify 把 jwt 库的错误归入三类。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return errors.Wrap(ErrInvalidSignature, err.Error())
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return errors.Wrap(ErrMalformed, err.Error())
	}
}

// Fingerprint 返回 token 的短摘要，日志里只记录它而不记录原文。
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

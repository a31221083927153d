package token

import (
	"crypto/ecdsa"
	"os"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Issuer 用私钥签发兑换 token，只在签发端（客户 App 后端、测试）使用。
type Issuer struct {
	privateKey *ecdsa.PrivateKey
	issuer     string
	now        func() time.Time
}

func NewIssuer(privateKey *ecdsa.PrivateKey, issuer string) *Issuer {
	return &Issuer{privateKey: privateKey, issuer: issuer, now: time.Now}
}

func LoadIssuer(path, issuer string) (*Issuer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read private key %s", path)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse private key %s", path)
	}
	return NewIssuer(key, issuer), nil
}

func (i *Issuer) Issue(voucherID, customerID string, ttl time.Duration) (string, error) {
	now := i.now().UTC()
	claims := &RedemptionClaims{
		VoucherID:  voucherID,
		CustomerID: customerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(i.privateKey)
	if err != nil {
		return "", errors.Wrap(err, "sign redemption token")
	}
	return signed, nil
}

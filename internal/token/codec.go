// Package token signs and verifies HS256 bearer tokens carrying {jti, sub, iat, exp}.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgate.org/internal/auth"
)

type tokenClaims struct {
	JTI       int64            `json:"jti"`
	Subject   string           `json:"sub"`
	IssuedAt  *jwt.NumericDate `json:"iat"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
}

func (c tokenClaims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c tokenClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt, nil }
func (c tokenClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c tokenClaims) GetIssuer() (string, error)                   { return "", nil }
func (c tokenClaims) GetSubject() (string, error)                  { return c.Subject, nil }
func (c tokenClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// Codec encodes and decodes access tokens.
type Codec struct {
	now    func() time.Time
	parser *jwt.Parser
}

// Option configures Codec.
type Option func(*Codec)

// WithClock overrides the time source used for iat and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec constructs a Codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		now: time.Now,
		// expiry is judged against the codec clock, not the library's
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode signs claims with iat=now and exp=iat+ttl, both in whole seconds.
func (c *Codec) Encode(jti int64, subject string, ttl time.Duration, key auth.Secret) (string, error) {
	if key.Empty() {
		return "", fmt.Errorf("%w: signing key is empty", auth.ErrInvalidInput)
	}
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: subject is required", auth.ErrInvalidInput)
	}
	if ttl < 0 {
		return "", fmt.Errorf("%w: ttl must not be negative", auth.ErrInvalidInput)
	}
	iat := c.now().UTC().Truncate(time.Second)
	exp := iat.Add(ttl.Truncate(time.Second))
	claims := tokenClaims{
		JTI:       jti,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key.Bytes())
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature under key. With checkExpiry false an
// expired token still decodes; callers then judge expiry themselves.
func (c *Codec) Decode(raw string, key auth.Secret, checkExpiry bool) (auth.Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || key.Empty() {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	var claims tokenClaims
	parsed, err := c.parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return key.Bytes(), nil
	})
	if err != nil || !parsed.Valid {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil || claims.Subject == "" {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	out := auth.Claims{
		JTI:       claims.JTI,
		Subject:   claims.Subject,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}
	if checkExpiry && c.now().After(out.ExpiresAt) {
		return auth.Claims{}, fmt.Errorf("%w: %w", auth.ErrInvalidToken, auth.ErrExpired)
	}
	return out, nil
}

// DecodeAny tries each key in order and returns the claims together with the
// index of the key that verified. Empty keys are skipped.
func (c *Codec) DecodeAny(raw string, checkExpiry bool, keys ...auth.Secret) (auth.Claims, int, error) {
	for i, key := range keys {
		if key.Empty() {
			continue
		}
		claims, err := c.Decode(raw, key, checkExpiry)
		if err == nil {
			return claims, i, nil
		}
		if errors.Is(err, auth.ErrExpired) {
			return auth.Claims{}, i, err
		}
	}
	return auth.Claims{}, -1, auth.ErrInvalidToken
}

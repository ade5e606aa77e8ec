package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Secret holds signing keys and other credential material. Its textual
// forms never reveal the bytes.
type Secret []byte

// NewSecret returns 32 random bytes.
func NewSecret() (Secret, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return Secret(buf), nil
}

// ParseSecret decodes a hex encoded secret.
func ParseSecret(s string) (Secret, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: secret is not hex: %v", ErrInvalidInput, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: secret is empty", ErrInvalidInput)
	}
	return Secret(raw), nil
}

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// MarshalLogObject keeps zap.Any from dumping the bytes.
func (s Secret) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("secret", redacted)
	enc.AddInt("len", len(s))
	return nil
}

// Bytes exposes the raw material to signers.
func (s Secret) Bytes() []byte { return []byte(s) }

// Hex encodes the raw material; only for provisioning output.
func (s Secret) Hex() string { return hex.EncodeToString(s) }

// Empty reports whether no material is present.
func (s Secret) Empty() bool { return len(s) == 0 }

// Equal compares in constant time.
func (s Secret) Equal(other []byte) bool {
	return subtle.ConstantTimeCompare(s, other) == 1
}

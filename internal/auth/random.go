package auth

import (
	"crypto/rand"
	"fmt"
)

const opaqueAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// NewOpaqueToken returns a 32 character random string over [A-Za-z0-9_-].
func NewOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	// 64 symbols, so the low six bits map uniformly.
	for i, b := range buf {
		buf[i] = opaqueAlphabet[b&0x3f]
	}
	return string(buf), nil
}

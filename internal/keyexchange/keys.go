// Package keyexchange carries passwords from clients to the server under
// one-time RSA transport keys.
package keyexchange

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"authgate.org/internal/auth"
)

const (
	DefaultBits = 2048
	minBits     = 1024
)

// Generate returns a fresh transport keypair with the default modulus size.
func Generate() (*rsa.PrivateKey, error) {
	return GenerateBits(DefaultBits)
}

// GenerateBits returns a fresh transport keypair of the given size.
func GenerateBits(bits int) (*rsa.PrivateKey, error) {
	if bits < minBits {
		return nil, fmt.Errorf("%w: rsa modulus %d bits is below %d", auth.ErrInvalidInput, bits, minBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate transport key: %w", err)
	}
	return key, nil
}

// Export encodes a public key as PKIX DER for transmission.
func Export(pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: public key is nil", auth.ErrInvalidInput)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("export public key: %w", err)
	}
	return der, nil
}

// Decrypt opens an RSA-OAEP (SHA-256) ciphertext.
func Decrypt(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil || len(ciphertext) == 0 {
		return nil, auth.ErrDecrypt
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, auth.ErrDecrypt
	}
	return plain, nil
}

// Encrypt seals plaintext for the holder of the DER encoded public key.
func Encrypt(plaintext, pubDER []byte) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, auth.ErrEncrypt
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, auth.ErrEncrypt
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, auth.ErrEncrypt
	}
	return out, nil
}

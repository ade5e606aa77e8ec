package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"authgate.org/internal/auth"
	"authgate.org/internal/keyexchange"
)

// IssuerLoginRequest authenticates a downstream service as its issuer.
// PublicKey is the caller's own DER transport key; the new signing secret is sealed to it.
type IssuerLoginRequest struct {
	IssuerID          string
	KeyID             string
	EncryptedPassword []byte
	PublicKey         []byte
}

// IssuerCredentials is what a downstream service needs to run its own gate.
type IssuerCredentials struct {
	IssuerID        string
	EncryptedSecret []byte
	Grants          []auth.Grant
}

// IssuerLogin verifies the issuer password, rotates the issuer signing secret
// and returns it sealed to the caller together with the issuer's grants.
// Rotation invalidates every access token signed with the previous secret.
func (m *Manager) IssuerLogin(ctx context.Context, req IssuerLoginRequest) (IssuerCredentials, error) {
	if m.grants == nil {
		return IssuerCredentials{}, errors.New("session: issuer login is not configured")
	}
	if len(req.PublicKey) == 0 {
		return IssuerCredentials{}, fmt.Errorf("%w: public key is required", auth.ErrInvalidInput)
	}
	password, err := m.keys.DecryptWith(req.KeyID, req.EncryptedPassword)
	if err != nil {
		return IssuerCredentials{}, err
	}
	issuer, err := m.creds.Issuer(ctx, req.IssuerID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			_ = auth.VerifyPassword(dummyHash(), password)
			return IssuerCredentials{}, auth.ErrAuthFailed
		}
		return IssuerCredentials{}, fmt.Errorf("load issuer: %w", err)
	}
	if err := auth.VerifyPassword(issuer.PasswordHash, password); err != nil {
		return IssuerCredentials{}, auth.ErrAuthFailed
	}

	secret, err := auth.NewSecret()
	if err != nil {
		return IssuerCredentials{}, err
	}
	sealed, err := keyexchange.Encrypt(secret.Bytes(), req.PublicKey)
	if err != nil {
		return IssuerCredentials{}, err
	}
	grants, err := m.grants.Grants(ctx, issuer.ID)
	if err != nil {
		return IssuerCredentials{}, fmt.Errorf("load grants: %w", err)
	}
	if err := m.creds.RotateIssuerSecret(ctx, issuer.ID, secret); err != nil {
		return IssuerCredentials{}, fmt.Errorf("rotate issuer secret: %w", err)
	}
	m.logger.Info("issuer secret rotated", zap.String("issuer", issuer.ID))
	return IssuerCredentials{IssuerID: issuer.ID, EncryptedSecret: sealed, Grants: grants}, nil
}

// RegisterRequest creates a user account. Roles are assigned separately.
type RegisterRequest struct {
	Username          string
	KeyID             string
	EncryptedPassword []byte
	DisplayName       string
	Email             string
	Phone             string
}

// Register stores a new identity with a hashed password.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (auth.Identity, error) {
	name := strings.TrimSpace(req.Username)
	if name == "" {
		return auth.Identity{}, fmt.Errorf("%w: username is required", auth.ErrInvalidInput)
	}
	password, err := m.keys.DecryptWith(req.KeyID, req.EncryptedPassword)
	if err != nil {
		return auth.Identity{}, err
	}
	if m.root.IsRoot(name) {
		return auth.Identity{}, auth.ErrAlreadyExists
	}
	hash, err := auth.HashPassword(string(password))
	if err != nil {
		return auth.Identity{}, err
	}
	return m.creds.CreateUser(ctx, auth.Identity{
		Name:         name,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Email:        strings.TrimSpace(req.Email),
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: hash,
		CreatedAt:    m.now().UTC(),
	})
}

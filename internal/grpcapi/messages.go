package grpcapi

import (
	"time"

	"authgate.org/internal/auth"
)

type Empty struct{}

type TransportKey struct {
	KeyID     string    `json:"keyId"`
	PublicKey []byte    `json:"publicKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type LoginRequest struct {
	IssuerID          string `json:"issuerId,omitempty" validate:"omitempty,uuid"`
	KeyID             string `json:"keyId" validate:"required"`
	Username          string `json:"username" validate:"required,max=256"`
	EncryptedPassword []byte `json:"encryptedPassword" validate:"required"`
	Role              string `json:"role,omitempty" validate:"max=256"`
}

type LoginResponse struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	AccessID        int64     `json:"accessId"`
	RoleName        string    `json:"roleName"`
	UserID          string    `json:"userId"`
	ExpiresAt       time.Time `json:"expiresAt"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

type RefreshRequest struct {
	IssuerID     string `json:"issuerId" validate:"required,uuid"`
	AccessToken  string `json:"accessToken" validate:"required"`
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type RefreshResponse struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	ExpiresAt       time.Time `json:"expiresAt"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

type LogoutRequest struct {
	UserID      string `json:"userId" validate:"required"`
	AccessToken string `json:"accessToken" validate:"required"`
}

type IssuerIDResponse struct {
	IssuerID string `json:"issuerId"`
}

type ProcedureAccessResponse struct {
	Grants []auth.Grant `json:"grants"`
}

type RoleAccessResponse struct {
	Roles []auth.RoleGrant `json:"roles"`
}

type IssuerLoginRequest struct {
	IssuerID          string `json:"issuerId" validate:"required,uuid"`
	KeyID             string `json:"keyId" validate:"required"`
	EncryptedPassword []byte `json:"encryptedPassword" validate:"required"`
	PublicKey         []byte `json:"publicKey" validate:"required"`
}

type IssuerLoginResponse struct {
	IssuerID        string       `json:"issuerId"`
	EncryptedSecret []byte       `json:"encryptedSecret"`
	Grants          []auth.Grant `json:"grants"`
}

type ListSessionsRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type SessionInfo struct {
	IssuerID  string    `json:"issuerId"`
	AccessID  int64     `json:"accessId"`
	RoleName  string    `json:"roleName"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	SourceIP  string    `json:"sourceIp,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type RevokeSessionRequest struct {
	UserID   string `json:"userId" validate:"required"`
	IssuerID string `json:"issuerId" validate:"required,uuid"`
	AccessID int64  `json:"accessId" validate:"gt=0"`
}

type RegisterRequest struct {
	KeyID             string `json:"keyId" validate:"required"`
	Username          string `json:"username" validate:"required,max=256"`
	EncryptedPassword []byte `json:"encryptedPassword" validate:"required"`
	DisplayName       string `json:"displayName,omitempty" validate:"max=256"`
	Email             string `json:"email,omitempty" validate:"omitempty,email"`
	Phone             string `json:"phone,omitempty" validate:"omitempty,e164"`
}

type RegisterResponse struct {
	UserID string `json:"userId"`
}

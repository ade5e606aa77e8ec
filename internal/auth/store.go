package auth

import (
	"context"
	"time"
)

// CredentialStore resolves identities, roles and issuers.
type CredentialStore interface {
	UserByName(ctx context.Context, name string) (Identity, error)
	UserRoles(ctx context.Context, userID, issuerID string) ([]Role, error)
	Role(ctx context.Context, issuerID, name string) (Role, error)
	Issuer(ctx context.Context, id string) (Issuer, error)
	RotateIssuerSecret(ctx context.Context, issuerID string, secret Secret) error
	CreateUser(ctx context.Context, identity Identity) (Identity, error)
}

// SessionStore persists sessions. Implementations serialise writes per row;
// RotateSession must only succeed while the stored refresh token equals oldRefresh.
type SessionStore interface {
	// NextAccessID allocates the next access id of an issuer. Ids are never reused.
	NextAccessID(ctx context.Context, issuerID string) (int64, error)
	CreateSession(ctx context.Context, s Session) error
	Session(ctx context.Context, issuerID string, accessID int64) (Session, error)
	SessionByAccessToken(ctx context.Context, accessToken string) (Session, error)
	RotateSession(ctx context.Context, issuerID string, accessID int64, oldRefresh string, next SessionUpdate) error
	DeleteSession(ctx context.Context, issuerID string, accessID int64) error
	DeleteUserSessions(ctx context.Context, userID, issuerID string) (int64, error)
	ListUserSessions(ctx context.Context, userID string) ([]Session, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// GrantSource lists the persisted procedure grants of an issuer.
type GrantSource interface {
	Grants(ctx context.Context, issuerID string) ([]Grant, error)
}

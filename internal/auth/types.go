package auth

import (
	"time"

	"github.com/google/uuid"
)

// RootUserID identifies sessions owned by the root identity.
var RootUserID = uuid.Nil.String()

// Identity is a user account owned by the credential store.
type Identity struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name,omitempty"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Role is a named permission bundle bound to one issuer.
type Role struct {
	ID           string        `json:"id"`
	IssuerID     string        `json:"issuer_id"`
	Name         string        `json:"name"`
	MultiSession bool          `json:"multi_session"`
	IPLock       bool          `json:"ip_lock"`
	AccessTTL    time.Duration `json:"access_ttl"`
	RefreshTTL   time.Duration `json:"refresh_ttl"`
}

// Issuer is a tenant owning roles, procedures and a signing secret.
type Issuer struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PasswordHash string `json:"-"`
	Secret       Secret `json:"-"`
}

// Procedure is a protected operation of an issuer together with the role names allowed to call it.
type Procedure struct {
	ID       string   `json:"id"`
	IssuerID string   `json:"issuer_id"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
}

// Grant associates a procedure with the role names permitted to invoke it.
type Grant struct {
	Procedure string   `json:"procedure" yaml:"procedure"`
	Roles     []string `json:"roles" yaml:"roles"`
}

// RoleGrant is the inverse view of Grant: every procedure a role may invoke.
type RoleGrant struct {
	Role       string   `json:"role"`
	Procedures []string `json:"procedures"`
}

// Session is the persisted state of one login.
type Session struct {
	IssuerID     string
	AccessID     int64
	UserID       string
	RoleName     string
	RefreshToken string
	AccessToken  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	SourceIP     []byte
}

// Expired reports whether the session horizon has passed at now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionUpdate carries the fields replaced by a refresh.
type SessionUpdate struct {
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
	SourceIP     []byte
}

// Claims are the signed fields of an access token.
type Claims struct {
	JTI       int64     `json:"jti"`
	Subject   string    `json:"sub"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// TTL returns the lifetime the token was issued with.
func (c Claims) TTL() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Root is the optional privileged identity configured at process start.
// It is never persisted and bypasses policy checks.
type Root struct {
	Name       string
	Password   Secret
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Secret     Secret
}

// IsRoot reports whether subject names the configured root identity.
// A nil root matches nothing.
func (r *Root) IsRoot(subject string) bool {
	return r != nil && r.Name != "" && subject == r.Name
}

// Key returns the root signing secret, or nil when root is not configured.
func (r *Root) Key() Secret {
	if r == nil {
		return nil
	}
	return r.Secret
}

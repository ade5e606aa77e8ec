// Package session issues, refreshes and revokes login sessions.
package session

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"authgate.org/internal/auth"
	"authgate.org/internal/token"
)

const defaultRootDelay = 500 * time.Millisecond

// Decrypter opens a password sealed under a one-time transport key.
type Decrypter interface {
	DecryptWith(keyID string, ciphertext []byte) ([]byte, error)
}

// Manager drives the session lifecycle. It holds no locks across store calls;
// races between writers on one session are settled by the store's conditional writes.
type Manager struct {
	creds     auth.CredentialStore
	sessions  auth.SessionStore
	grants    auth.GrantSource
	keys      Decrypter
	codec     *token.Codec
	root      *auth.Root
	now       func() time.Time
	rootDelay time.Duration
	logger    *zap.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithRoot enables the root identity. A nil root leaves it disabled.
func WithRoot(root *auth.Root) Option {
	return func(m *Manager) { m.root = root }
}

// WithGrantSource enables IssuerLogin.
func WithGrantSource(src auth.GrantSource) Option {
	return func(m *Manager) { m.grants = src }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRootDelay overrides the fixed delay applied to root logins.
func WithRootDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.rootDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New constructs a Manager.
func New(creds auth.CredentialStore, sessions auth.SessionStore, keys Decrypter, codec *token.Codec, opts ...Option) (*Manager, error) {
	if creds == nil || sessions == nil {
		return nil, errors.New("session: stores are required")
	}
	if keys == nil || codec == nil {
		return nil, errors.New("session: key exchange and codec are required")
	}
	m := &Manager{
		creds:     creds,
		sessions:  sessions,
		keys:      keys,
		codec:     codec,
		now:       time.Now,
		rootDelay: defaultRootDelay,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the configured root identity, or nil.
func (m *Manager) Root() *auth.Root { return m.root }

// LoginRequest carries a login attempt.
type LoginRequest struct {
	IssuerID          string
	Username          string
	KeyID             string
	EncryptedPassword []byte
	// Role selects one of the user's roles under the issuer; empty picks the first by name.
	Role     string
	SourceIP []byte
}

// RefreshRequest carries a refresh attempt.
type RefreshRequest struct {
	IssuerID     string
	AccessToken  string
	RefreshToken string
	SourceIP     []byte
}

// Tokens is the result of a login or refresh.
type Tokens struct {
	AccessToken     string
	RefreshToken    string
	AccessID        int64
	IssuerID        string
	UserID          string
	RoleName        string
	ExpiresAt       time.Time
	AccessExpiresAt time.Time
}

// Login authenticates a user and opens a session.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (Tokens, error) {
	if strings.TrimSpace(req.IssuerID) == "" || strings.TrimSpace(req.Username) == "" {
		return Tokens{}, fmt.Errorf("%w: issuer and username are required", auth.ErrInvalidInput)
	}
	// consumed first: a cancelled or failed attempt must not leave the key usable
	password, err := m.keys.DecryptWith(req.KeyID, req.EncryptedPassword)
	if err != nil {
		return Tokens{}, err
	}

	issuer, err := m.creds.Issuer(ctx, req.IssuerID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Tokens{}, auth.ErrAuthFailed
		}
		return Tokens{}, fmt.Errorf("load issuer: %w", err)
	}

	if m.root.IsRoot(req.Username) {
		return m.loginRoot(ctx, issuer, password)
	}

	user, err := m.creds.UserByName(ctx, req.Username)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			_ = auth.VerifyPassword(dummyHash(), password)
			return Tokens{}, auth.ErrAuthFailed
		}
		return Tokens{}, fmt.Errorf("load user: %w", err)
	}
	if err := auth.VerifyPassword(user.PasswordHash, password); err != nil {
		return Tokens{}, auth.ErrAuthFailed
	}

	roles, err := m.creds.UserRoles(ctx, user.ID, issuer.ID)
	if err != nil {
		return Tokens{}, fmt.Errorf("load roles: %w", err)
	}
	role, ok := pickRole(roles, req.Role)
	if !ok {
		m.logger.Debug("login without role", zap.String("issuer", issuer.ID), zap.String("user", user.ID))
		return Tokens{}, auth.ErrAuthFailed
	}

	spec := sessionSpec{
		issuerID:   issuer.ID,
		userID:     user.ID,
		roleName:   role.Name,
		accessTTL:  role.AccessTTL,
		refreshTTL: role.RefreshTTL,
		key:        issuer.Secret,
		exclusive:  !role.MultiSession,
	}
	if role.IPLock {
		// an ip-locked session cannot be bound to an unknown address
		if len(req.SourceIP) == 0 {
			m.logger.Debug("ip-locked login without source address", zap.String("issuer", issuer.ID), zap.String("user", user.ID))
			return Tokens{}, auth.ErrAuthFailed
		}
		spec.sourceIP = cloneBytes(req.SourceIP)
	}
	return m.open(ctx, spec)
}

func (m *Manager) loginRoot(ctx context.Context, issuer auth.Issuer, password []byte) (Tokens, error) {
	if m.rootDelay > 0 {
		timer := time.NewTimer(m.rootDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Tokens{}, ctx.Err()
		case <-timer.C:
		}
	}
	if !m.root.Password.Equal(password) {
		return Tokens{}, auth.ErrAuthFailed
	}
	return m.open(ctx, sessionSpec{
		issuerID:   issuer.ID,
		userID:     auth.RootUserID,
		roleName:   m.root.Name,
		accessTTL:  m.root.AccessTTL,
		refreshTTL: m.root.RefreshTTL,
		key:        m.root.Secret,
	})
}

// sessionSpec describes a session about to be opened.
type sessionSpec struct {
	issuerID   string
	userID     string
	roleName   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	key        auth.Secret
	sourceIP   []byte
	// exclusive revokes the user's other sessions under the issuer.
	exclusive bool
}

func (m *Manager) open(ctx context.Context, spec sessionSpec) (Tokens, error) {
	accessID, err := m.sessions.NextAccessID(ctx, spec.issuerID)
	if err != nil {
		return Tokens{}, fmt.Errorf("allocate access id: %w", err)
	}
	refresh, err := auth.NewOpaqueToken()
	if err != nil {
		return Tokens{}, err
	}
	access, err := m.codec.Encode(accessID, spec.roleName, spec.accessTTL, spec.key)
	if err != nil {
		return Tokens{}, err
	}

	now := m.now().UTC()
	sess := auth.Session{
		IssuerID:     spec.issuerID,
		AccessID:     accessID,
		UserID:       spec.userID,
		RoleName:     spec.roleName,
		RefreshToken: refresh,
		AccessToken:  access,
		CreatedAt:    now,
		ExpiresAt:    now.Add(spec.refreshTTL),
		SourceIP:     spec.sourceIP,
	}
	// revoked only once the replacement is ready, so a failed allocation
	// leaves the previous sessions intact
	if spec.exclusive {
		if _, err := m.sessions.DeleteUserSessions(ctx, spec.userID, spec.issuerID); err != nil {
			return Tokens{}, fmt.Errorf("revoke previous sessions: %w", err)
		}
	}
	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		return Tokens{}, fmt.Errorf("persist session: %w", err)
	}
	return Tokens{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessID:        accessID,
		IssuerID:        spec.issuerID,
		UserID:          spec.userID,
		RoleName:        spec.roleName,
		ExpiresAt:       sess.ExpiresAt,
		AccessExpiresAt: now.Add(spec.accessTTL),
	}, nil
}

// Refresh rotates the refresh token of a live session and issues a new access token.
func (m *Manager) Refresh(ctx context.Context, req RefreshRequest) (Tokens, error) {
	issuer, err := m.creds.Issuer(ctx, req.IssuerID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Tokens{}, auth.ErrUnauthenticated
		}
		return Tokens{}, fmt.Errorf("load issuer: %w", err)
	}
	keys := []auth.Secret{issuer.Secret, m.root.Key()}
	claims, idx, err := m.codec.DecodeAny(req.AccessToken, false, keys...)
	if err != nil {
		return Tokens{}, auth.ErrUnauthenticated
	}

	sess, err := m.sessions.Session(ctx, issuer.ID, claims.JTI)
	if err != nil {
		return Tokens{}, err
	}
	now := m.now().UTC()
	if sess.Expired(now) {
		return Tokens{}, auth.ErrExpired
	}
	if claims.Subject != sess.RoleName {
		return Tokens{}, auth.ErrUnauthenticated
	}

	accessTTL, refreshTTL, ipLock, err := m.sessionPolicy(ctx, issuer.ID, sess, idx == 1)
	if err != nil {
		return Tokens{}, err
	}
	// a session without a stored address never passes the lock
	if ipLock && (len(sess.SourceIP) == 0 || !bytes.Equal(sess.SourceIP, req.SourceIP)) {
		return Tokens{}, auth.ErrIPMismatch
	}
	if subtle.ConstantTimeCompare([]byte(sess.RefreshToken), []byte(req.RefreshToken)) != 1 {
		return Tokens{}, auth.ErrNotFound
	}

	refresh, err := auth.NewOpaqueToken()
	if err != nil {
		return Tokens{}, err
	}
	for refresh == req.RefreshToken {
		if refresh, err = auth.NewOpaqueToken(); err != nil {
			return Tokens{}, err
		}
	}
	access, err := m.codec.Encode(claims.JTI, claims.Subject, accessTTL, keys[idx])
	if err != nil {
		return Tokens{}, err
	}
	next := auth.SessionUpdate{
		RefreshToken: refresh,
		AccessToken:  access,
		ExpiresAt:    now.Add(refreshTTL),
		SourceIP:     sess.SourceIP,
	}
	if err := m.sessions.RotateSession(ctx, issuer.ID, claims.JTI, sess.RefreshToken, next); err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessID:        claims.JTI,
		IssuerID:        issuer.ID,
		UserID:          sess.UserID,
		RoleName:        sess.RoleName,
		ExpiresAt:       next.ExpiresAt,
		AccessExpiresAt: now.Add(accessTTL),
	}, nil
}

func (m *Manager) sessionPolicy(ctx context.Context, issuerID string, sess auth.Session, signedByRoot bool) (time.Duration, time.Duration, bool, error) {
	if signedByRoot || (sess.UserID == auth.RootUserID && m.root.IsRoot(sess.RoleName)) {
		if m.root == nil {
			return 0, 0, false, auth.ErrUnauthenticated
		}
		return m.root.AccessTTL, m.root.RefreshTTL, false, nil
	}
	role, err := m.creds.Role(ctx, issuerID, sess.RoleName)
	if err != nil {
		return 0, 0, false, err
	}
	return role.AccessTTL, role.RefreshTTL, role.IPLock, nil
}

// Logout deletes the session holding accessToken. Unknown tokens are a no-op;
// a token owned by another user is refused.
func (m *Manager) Logout(ctx context.Context, userID, accessToken string) error {
	sess, err := m.sessions.SessionByAccessToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.UserID != userID {
		return auth.ErrForbidden
	}
	return m.Revoke(ctx, sess.IssuerID, sess.AccessID)
}

// Revoke deletes a session by its access id. Deleting a missing session succeeds.
func (m *Manager) Revoke(ctx context.Context, issuerID string, accessID int64) error {
	if err := m.sessions.DeleteSession(ctx, issuerID, accessID); err != nil && !errors.Is(err, auth.ErrNotFound) {
		return err
	}
	return nil
}

// Introspect decodes a token without enforcing its embedded expiry and checks
// the persisted session instead, so revocation takes effect immediately.
func (m *Manager) Introspect(ctx context.Context, issuerID, accessToken string) (auth.Claims, auth.Session, error) {
	issuer, err := m.creds.Issuer(ctx, issuerID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Claims{}, auth.Session{}, auth.ErrUnauthenticated
		}
		return auth.Claims{}, auth.Session{}, err
	}
	claims, _, err := m.codec.DecodeAny(accessToken, false, issuer.Secret, m.root.Key())
	if err != nil {
		return auth.Claims{}, auth.Session{}, auth.ErrUnauthenticated
	}
	sess, err := m.sessions.Session(ctx, issuer.ID, claims.JTI)
	if err != nil {
		return auth.Claims{}, auth.Session{}, err
	}
	if sess.AccessToken != accessToken {
		return auth.Claims{}, auth.Session{}, auth.ErrNotFound
	}
	if sess.Expired(m.now()) {
		return auth.Claims{}, auth.Session{}, auth.ErrExpired
	}
	return claims, sess, nil
}

// Resolve finds the live session holding accessToken.
func (m *Manager) Resolve(ctx context.Context, accessToken string) (auth.Session, error) {
	if strings.TrimSpace(accessToken) == "" {
		return auth.Session{}, auth.ErrUnauthenticated
	}
	sess, err := m.sessions.SessionByAccessToken(ctx, accessToken)
	if err != nil {
		return auth.Session{}, err
	}
	if sess.Expired(m.now()) {
		return auth.Session{}, auth.ErrExpired
	}
	return sess, nil
}

// Sessions lists the unexpired sessions of a user, newest first.
func (m *Manager) Sessions(ctx context.Context, userID string) ([]auth.Session, error) {
	all, err := m.sessions.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	live := all[:0]
	for _, s := range all {
		if !s.Expired(now) {
			live = append(live, s)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].CreatedAt.After(live[j].CreatedAt) })
	return live, nil
}

func pickRole(roles []auth.Role, want string) (auth.Role, bool) {
	if len(roles) == 0 {
		return auth.Role{}, false
	}
	if want != "" {
		for _, r := range roles {
			if r.Name == want {
				return r, true
			}
		}
		return auth.Role{}, false
	}
	sorted := append([]auth.Role(nil), roles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted[0], true
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

var dummyHash = sync.OnceValue(func() string {
	h, err := auth.HashPassword("authgate-timing-equaliser")
	if err != nil {
		return ""
	}
	return h
})

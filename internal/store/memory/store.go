// Package memory is an in-process store for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"authgate.org/internal/auth"
	"authgate.org/internal/ids"
)

var (
	_ auth.CredentialStore = (*Store)(nil)
	_ auth.SessionStore    = (*Store)(nil)
	_ auth.GrantSource     = (*Store)(nil)
)

type sessionKey struct {
	issuerID string
	accessID int64
}

// Store keeps every record in maps guarded by one RWMutex.
type Store struct {
	mu         sync.RWMutex
	issuers    map[string]auth.Issuer
	roles      map[string][]auth.Role
	users      map[string]auth.Identity
	userRoles  map[string]map[string][]string
	procedures map[string][]auth.Procedure
	counters   map[string]int64
	sessions   map[sessionKey]auth.Session
}

// New returns an empty store.
func New() *Store {
	return &Store{
		issuers:    make(map[string]auth.Issuer),
		roles:      make(map[string][]auth.Role),
		users:      make(map[string]auth.Identity),
		userRoles:  make(map[string]map[string][]string),
		procedures: make(map[string][]auth.Procedure),
		counters:   make(map[string]int64),
		sessions:   make(map[sessionKey]auth.Session),
	}
}

// PutIssuer inserts or replaces an issuer.
func (s *Store) PutIssuer(iss auth.Issuer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iss.Secret = append(auth.Secret(nil), iss.Secret...)
	s.issuers[iss.ID] = iss
}

// PutRole inserts or replaces a role by (issuer, name).
func (s *Store) PutRole(role auth.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role.ID == "" {
		role.ID = ids.NewUUID()
	}
	list := s.roles[role.IssuerID]
	for i, r := range list {
		if r.Name == role.Name {
			list[i] = role
			return
		}
	}
	s.roles[role.IssuerID] = append(list, role)
}

// PutProcedure inserts or replaces a procedure grant by (issuer, name).
func (s *Store) PutProcedure(p auth.Procedure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = ids.NewUUID()
	}
	p.Roles = append([]string(nil), p.Roles...)
	list := s.procedures[p.IssuerID]
	for i, existing := range list {
		if existing.Name == p.Name {
			list[i] = p
			return
		}
	}
	s.procedures[p.IssuerID] = append(list, p)
}

// AssignRole grants userID the named role under issuerID.
func (s *Store) AssignRole(userID, issuerID, roleName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIssuer, ok := s.userRoles[userID]
	if !ok {
		byIssuer = make(map[string][]string)
		s.userRoles[userID] = byIssuer
	}
	for _, name := range byIssuer[issuerID] {
		if name == roleName {
			return
		}
	}
	byIssuer[issuerID] = append(byIssuer[issuerID], roleName)
}

func (s *Store) UserByName(_ context.Context, name string) (auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) UserRoles(_ context.Context, userID, issuerID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for _, name := range s.userRoles[userID][issuerID] {
		for _, r := range s.roles[issuerID] {
			if r.Name == name {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *Store) Role(_ context.Context, issuerID, name string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles[issuerID] {
		if r.Name == name {
			return r, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (s *Store) Issuer(_ context.Context, id string) (auth.Issuer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iss, ok := s.issuers[id]
	if !ok {
		return auth.Issuer{}, auth.ErrNotFound
	}
	iss.Secret = append(auth.Secret(nil), iss.Secret...)
	return iss, nil
}

func (s *Store) RotateIssuerSecret(_ context.Context, issuerID string, secret auth.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	iss, ok := s.issuers[issuerID]
	if !ok {
		return auth.ErrNotFound
	}
	iss.Secret = append(auth.Secret(nil), secret...)
	s.issuers[issuerID] = iss
	return nil
}

func (s *Store) CreateUser(_ context.Context, identity auth.Identity) (auth.Identity, error) {
	if strings.TrimSpace(identity.Name) == "" {
		return auth.Identity{}, fmt.Errorf("%w: name is required", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[identity.Name]; exists {
		return auth.Identity{}, auth.ErrAlreadyExists
	}
	if identity.ID == "" {
		identity.ID = ids.NewUUID()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	s.users[identity.Name] = identity
	return identity, nil
}

func (s *Store) Grants(_ context.Context, issuerID string) ([]auth.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.procedures[issuerID]
	out := make([]auth.Grant, 0, len(list))
	for _, p := range list {
		out = append(out, auth.Grant{Procedure: p.Name, Roles: append([]string{}, p.Roles...)})
	}
	return out, nil
}

func (s *Store) NextAccessID(_ context.Context, issuerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[issuerID]++
	return s.counters[issuerID], nil
}

func (s *Store) CreateSession(_ context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{sess.IssuerID, sess.AccessID}
	if _, exists := s.sessions[key]; exists {
		return auth.ErrAlreadyExists
	}
	s.sessions[key] = cloneSession(sess)
	return nil
}

func (s *Store) Session(_ context.Context, issuerID string, accessID int64) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey{issuerID, accessID}]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) SessionByAccessToken(_ context.Context, accessToken string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.AccessToken == accessToken {
			return cloneSession(sess), nil
		}
	}
	return auth.Session{}, auth.ErrNotFound
}

func (s *Store) RotateSession(_ context.Context, issuerID string, accessID int64, oldRefresh string, next auth.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{issuerID, accessID}
	sess, ok := s.sessions[key]
	if !ok || sess.RefreshToken != oldRefresh {
		return auth.ErrNotFound
	}
	sess.RefreshToken = next.RefreshToken
	sess.AccessToken = next.AccessToken
	sess.ExpiresAt = next.ExpiresAt
	if !bytes.Equal(sess.SourceIP, next.SourceIP) {
		sess.SourceIP = append([]byte(nil), next.SourceIP...)
	}
	s.sessions[key] = sess
	return nil
}

func (s *Store) DeleteSession(_ context.Context, issuerID string, accessID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{issuerID, accessID}
	if _, ok := s.sessions[key]; !ok {
		return auth.ErrNotFound
	}
	delete(s.sessions, key)
	return nil
}

func (s *Store) DeleteUserSessions(_ context.Context, userID, issuerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, sess := range s.sessions {
		if sess.UserID == userID && sess.IssuerID == issuerID {
			delete(s.sessions, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListUserSessions(_ context.Context, userID string) ([]auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuerID != out[j].IssuerID {
			return out[i].IssuerID < out[j].IssuerID
		}
		return out[i].AccessID < out[j].AccessID
	})
	return out, nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, key)
			n++
		}
	}
	return n, nil
}

// Ping satisfies readiness probes.
func (s *Store) Ping(context.Context) error { return nil }

func cloneSession(sess auth.Session) auth.Session {
	if sess.SourceIP != nil {
		sess.SourceIP = append([]byte(nil), sess.SourceIP...)
	}
	return sess
}

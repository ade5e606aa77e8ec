package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"authgate.org/internal/auth"
)

func TestRotateSessionIsConditional(t *testing.T) {
	s := New()
	ctx := context.Background()
	id, _ := s.NextAccessID(ctx, "iss")
	if err := s.CreateSession(ctx, auth.Session{IssuerID: "iss", AccessID: id, RefreshToken: "r1", AccessToken: "a1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	next := auth.SessionUpdate{RefreshToken: "r2", AccessToken: "a2", ExpiresAt: time.Now()}
	if err := s.RotateSession(ctx, "iss", id, "stale", next); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale refresh, got %v", err)
	}
	if err := s.RotateSession(ctx, "iss", id, "r1", next); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	got, err := s.SessionByAccessToken(ctx, "a2")
	if err != nil || got.RefreshToken != "r2" {
		t.Fatalf("rotated session: %+v, %v", got, err)
	}
}

func TestAccessIDsArePerIssuer(t *testing.T) {
	s := New()
	ctx := context.Background()
	a1, _ := s.NextAccessID(ctx, "a")
	a2, _ := s.NextAccessID(ctx, "a")
	b1, _ := s.NextAccessID(ctx, "b")
	if a1 != 1 || a2 != 2 || b1 != 1 {
		t.Fatalf("unexpected ids %d %d %d", a1, a2, b1)
	}
}

func TestApplySeed(t *testing.T) {
	seed, err := ParseSeed(strings.NewReader(`
issuers:
  - id: 11111111-1111-1111-1111-111111111111
    name: console
    password: issuer-pass
    secret: "0a0b0c"
    roles:
      - name: admin
        multi_session: true
        access_ttl: 15m
        refresh_ttl: 24h
    procedures:
      - name: GetRoleAccess
        roles: [admin]
users:
  - name: alice
    password: alice-pass
    roles:
      - issuer: console
        role: admin
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s := New()
	ctx := context.Background()
	if err := s.Apply(ctx, seed); err != nil {
		t.Fatalf("apply: %v", err)
	}

	const issuerID = "11111111-1111-1111-1111-111111111111"
	iss, err := s.Issuer(ctx, issuerID)
	if err != nil || iss.Secret.Hex() != "0a0b0c" {
		t.Fatalf("issuer: %+v, %v", iss, err)
	}
	if err := auth.VerifyPassword(iss.PasswordHash, []byte("issuer-pass")); err != nil {
		t.Fatalf("issuer password: %v", err)
	}
	user, err := s.UserByName(ctx, "alice")
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	roles, _ := s.UserRoles(ctx, user.ID, issuerID)
	if len(roles) != 1 || roles[0].AccessTTL != 15*time.Minute || roles[0].RefreshTTL != 24*time.Hour {
		t.Fatalf("unexpected roles %+v", roles)
	}
	grants, _ := s.Grants(ctx, issuerID)
	if len(grants) != 1 || grants[0].Procedure != "GetRoleAccess" {
		t.Fatalf("unexpected grants %+v", grants)
	}
}

func TestApplyRejectsRoleWithoutTTL(t *testing.T) {
	seed := Seed{Issuers: []SeedIssuer{{ID: "x", Name: "x", Roles: []SeedRole{{Name: "r"}}}}}
	if err := New().Apply(context.Background(), seed); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"authgate.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestNextAccessIDUpsertsCounter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into session_counters.*on conflict.*returning last_id").
		WithArgs("iss").
		WillReturnRows(sqlmock.NewRows([]string{"last_id"}).AddRow(int64(7)))

	id, err := s.NextAccessID(context.Background(), "iss")
	if err != nil {
		t.Fatalf("NextAccessID: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected 7, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateSessionZeroRowsIsNotFound(t *testing.T) {
	s, mock := newMock(t)
	exp := time.Now().Add(time.Hour)
	mock.ExpectExec("update sessions.*where issuer_id = \\$1 and access_id = \\$2 and refresh_token = \\$3").
		WithArgs("iss", int64(3), "old", "new", "access", exp, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.RotateSession(context.Background(), "iss", 3, "old", auth.SessionUpdate{
		RefreshToken: "new",
		AccessToken:  "access",
		ExpiresAt:    exp,
	})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateSessionSucceeds(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update sessions").
		WithArgs("iss", int64(3), "old", "new", "access", sqlmock.AnyArg(), []byte{10, 0, 0, 1}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.RotateSession(context.Background(), "iss", 3, "old", auth.SessionUpdate{
		RefreshToken: "new",
		AccessToken:  "access",
		ExpiresAt:    time.Now(),
		SourceIP:     []byte{10, 0, 0, 1},
	})
	if err != nil {
		t.Fatalf("RotateSession: %v", err)
	}
}

func TestSessionNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select issuer_id, access_id.*from sessions").
		WithArgs("iss", int64(1)).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.Session(context.Background(), "iss", 1); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionByAccessTokenScansRow(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"issuer_id", "access_id", "user_id", "role_name", "refresh_token", "access_token", "created_at", "expires_at", "source_ip"}).
		AddRow("iss", int64(4), "user", "admin", "r", "a", now, now.Add(time.Hour), []byte{})
	mock.ExpectQuery("from sessions.*where access_token = \\$1").WithArgs("a").WillReturnRows(rows)

	sess, err := s.SessionByAccessToken(context.Background(), "a")
	if err != nil {
		t.Fatalf("SessionByAccessToken: %v", err)
	}
	if sess.AccessID != 4 || sess.RoleName != "admin" || sess.SourceIP != nil {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into sessions").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.CreateSession(context.Background(), auth.Session{IssuerID: "iss", AccessID: 1})
	if !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateUserForeignKeyIsInvalidInput(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrNotNullViolation, ConstraintName: "users_name"})

	_, err := s.CreateUser(context.Background(), auth.Identity{Name: "bob", PasswordHash: "x"})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUserRolesConvertsSeconds(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id", "issuer_id", "name", "multi_session", "ip_lock", "access_ttl_seconds", "refresh_ttl_seconds"}).
		AddRow("r1", "iss", "admin", true, false, int64(900), int64(86400))
	mock.ExpectQuery("from roles r.*join user_roles").WithArgs("user", "iss").WillReturnRows(rows)

	roles, err := s.UserRoles(context.Background(), "user", "iss")
	if err != nil {
		t.Fatalf("UserRoles: %v", err)
	}
	if len(roles) != 1 || roles[0].AccessTTL != 15*time.Minute || roles[0].RefreshTTL != 24*time.Hour {
		t.Fatalf("unexpected roles %+v", roles)
	}
}

func TestGrantsFoldsJoinRows(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"procedure", "role"}).
		AddRow("GetIssuerId", "admin").
		AddRow("GetIssuerId", "viewer").
		AddRow("GetRoleAccess", nil)
	mock.ExpectQuery("from procedures p.*left join procedure_roles").WithArgs("iss").WillReturnRows(rows)

	grants, err := s.Grants(context.Background(), "iss")
	if err != nil {
		t.Fatalf("Grants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %+v", grants)
	}
	if len(grants[0].Roles) != 2 || grants[0].Roles[1] != "viewer" {
		t.Fatalf("unexpected first grant %+v", grants[0])
	}
	if grants[1].Roles == nil || len(grants[1].Roles) != 0 {
		t.Fatalf("procedure without roles should carry an empty list, got %+v", grants[1])
	}
}

func TestIssuerSecret(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, name, password_hash, secret.*from issuers").
		WithArgs("iss").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "password_hash", "secret"}).AddRow("iss", "console", "hash", []byte{1, 2}))

	iss, err := s.Issuer(context.Background(), "iss")
	if err != nil {
		t.Fatalf("Issuer: %v", err)
	}
	if iss.Secret.Hex() != "0102" {
		t.Fatalf("unexpected secret %s", iss.Secret.Hex())
	}

	mock.ExpectExec("update issuers set secret").WithArgs("missing", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.RotateIssuerSecret(context.Background(), "missing", auth.Secret{1}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from sessions where expires_at < \\$1").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := s.DeleteExpired(context.Background(), time.Now())
	if err != nil || n != 5 {
		t.Fatalf("DeleteExpired: %d, %v", n, err)
	}
}

func TestNilDB(t *testing.T) {
	s := &Store{}
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected error without database")
	}
	if _, err := s.NextAccessID(context.Background(), "iss"); err == nil {
		t.Fatal("expected error without database")
	}
}

func TestSessionDeletesTranslateDriverErrors(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from sessions where issuer_id = \\$1 and access_id = \\$2").
		WithArgs("iss", int64(3)).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation, ConstraintName: "sessions_user"})
	mock.ExpectExec("delete from sessions where user_id = \\$1 and issuer_id = \\$2").
		WithArgs("u1", "iss").
		WillReturnError(&pgconn.PgError{Code: pgErrRestrictViolation, ConstraintName: "sessions_issuer"})
	mock.ExpectQuery("from sessions").
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("delete from sessions where expires_at < \\$1").
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrNotNullViolation, ConstraintName: "sessions_expires"})

	ctx := context.Background()
	if err := s.DeleteSession(ctx, "iss", 3); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("DeleteSession: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.DeleteUserSessions(ctx, "u1", "iss"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("DeleteUserSessions: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.ListUserSessions(ctx, "u1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("ListUserSessions: expected ErrNotFound, got %v", err)
	}
	if _, err := s.DeleteExpired(ctx, time.Now()); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("DeleteExpired: expected ErrInvalidInput, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

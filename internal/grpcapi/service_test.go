package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/gate"
	"authgate.org/internal/ids"
	"authgate.org/internal/keyexchange"
	"authgate.org/internal/policy"
	"authgate.org/internal/session"
	"authgate.org/internal/store/memory"
	"authgate.org/internal/token"
)

const (
	bufSize        = 1024 * 1024
	testIssuer     = "6f1c2d3e-4b5a-4c6d-8e7f-9a0b1c2d3e4f"
	issuerPassword = "issuer-pass"
)

var testRoot = &auth.Root{
	Name:       "root",
	Password:   auth.Secret("root-pass"),
	AccessTTL:  time.Minute,
	RefreshTTL: time.Hour,
	Secret:     auth.Secret("root-signing-secret-0123456789ab"),
}

type stack struct {
	client *Client
	conn   *grpc.ClientConn
	store  *memory.Store
	server *Server
	users  map[string]string
	audit  *observer.ObservedLogs
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}

func newStack(t *testing.T, limiter *RateLimiter) *stack {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	store.PutIssuer(auth.Issuer{ID: testIssuer, Name: "console", PasswordHash: mustHash(t, issuerPassword), Secret: auth.Secret("issuer-signing-secret-0123456789")})
	store.PutRole(auth.Role{IssuerID: testIssuer, Name: "admin", MultiSession: true, AccessTTL: 5 * time.Minute, RefreshTTL: time.Hour})
	store.PutRole(auth.Role{IssuerID: testIssuer, Name: "viewer", MultiSession: true, AccessTTL: 5 * time.Minute, RefreshTTL: time.Hour})
	store.PutProcedure(auth.Procedure{IssuerID: testIssuer, Name: "GetProcedureAccess", Roles: []string{"admin"}})
	store.PutProcedure(auth.Procedure{IssuerID: testIssuer, Name: "GetRoleAccess", Roles: []string{"admin", "viewer"}})

	users := make(map[string]string)
	for name, role := range map[string]string{"alice": "admin", "bob": "viewer"} {
		u, err := store.CreateUser(ctx, auth.Identity{Name: name, PasswordHash: mustHash(t, name+"-pass")})
		if err != nil {
			t.Fatalf("create user: %v", err)
		}
		store.AssignRole(u.ID, testIssuer, role)
		users[name] = u.ID
	}

	keys := keyexchange.NewStore(keyexchange.WithBits(1024))
	codec := token.NewCodec()
	mgr, err := session.New(store, store, keys, codec,
		session.WithRoot(testRoot), session.WithGrantSource(store), session.WithRootDelay(0))
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	grants, err := store.Grants(ctx, testIssuer)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	engine := policy.NewScoped(ProcedureNames(), grants)
	g := gate.NewEnforcing(engine, codec, gate.IssuerKey(store, testIssuer),
		gate.WithRoot(testRoot), gate.WithIntrospection(testIssuer, mgr))
	owner, err := gate.NewOwner(gate.ModeEnforcing, mgr)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	auditCore, auditLogs := observer.New(zapcore.InfoLevel)
	svc, err := NewService(testIssuer, mgr, keys, engine, owner, WithAudit(audit.New(zap.New(auditCore))))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	srv := NewServer(svc, ServerConfig{Gate: g, Limiter: limiter})
	srv.SetServing(true)

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		_ = conn.Close()
		_ = listener.Close()
	})
	return &stack{client: NewClient(conn), conn: conn, store: store, server: srv, users: users, audit: auditLogs}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("expected %s, got %v", want, err)
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	tok, err := s.client.LoginWithPassword(ctx, "", "alice", "alice-pass", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if tok.RoleName != "admin" || tok.UserID != s.users["alice"] || tok.AccessID == 0 {
		t.Fatalf("unexpected login response %+v", tok)
	}
	if !tok.AccessExpiresAt.Before(tok.ExpiresAt) {
		t.Fatalf("access horizon should precede session horizon: %+v", tok)
	}

	next, err := s.client.Refresh(ctx, &RefreshRequest{IssuerID: testIssuer, AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == tok.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	_, err = s.client.Refresh(ctx, &RefreshRequest{IssuerID: testIssuer, AccessToken: next.AccessToken, RefreshToken: tok.RefreshToken})
	requireCode(t, err, codes.NotFound)

	err = s.client.Logout(ctx, &LogoutRequest{UserID: s.users["bob"], AccessToken: next.AccessToken})
	requireCode(t, err, codes.PermissionDenied)
	if err := s.client.Logout(ctx, &LogoutRequest{UserID: s.users["alice"], AccessToken: next.AccessToken}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := s.client.Logout(ctx, &LogoutRequest{UserID: s.users["alice"], AccessToken: next.AccessToken}); err != nil {
		t.Fatalf("second logout should be a no-op: %v", err)
	}
	_, err = s.client.Refresh(ctx, &RefreshRequest{IssuerID: testIssuer, AccessToken: next.AccessToken, RefreshToken: next.RefreshToken})
	requireCode(t, err, codes.NotFound)
}

func TestLoginFailuresAreUniform(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	_, errUser := s.client.LoginWithPassword(ctx, "", "mallory", "whatever", "")
	_, errPass := s.client.LoginWithPassword(ctx, "", "alice", "wrong", "")
	requireCode(t, errUser, codes.Unauthenticated)
	requireCode(t, errPass, codes.Unauthenticated)
	if status.Convert(errUser).Message() != status.Convert(errPass).Message() {
		t.Fatalf("messages differ: %q vs %q", status.Convert(errUser).Message(), status.Convert(errPass).Message())
	}
}

func TestTransportKeyIsSingleUse(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	key, err := s.client.GetTransportKey(ctx)
	if err != nil {
		t.Fatalf("transport key: %v", err)
	}
	sealed, err := keyexchange.Encrypt([]byte("alice-pass"), key.PublicKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	req := &LoginRequest{KeyID: key.KeyID, Username: "alice", EncryptedPassword: sealed}
	if _, err := s.client.Login(ctx, req); err != nil {
		t.Fatalf("login: %v", err)
	}
	_, err = s.client.Login(ctx, req)
	requireCode(t, err, codes.Unauthenticated)
}

func TestValidationErrors(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	_, err := s.client.Login(ctx, &LoginRequest{Username: "alice"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = s.client.Refresh(ctx, &RefreshRequest{IssuerID: "not-a-uuid", AccessToken: "a", RefreshToken: "r"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestPolicyRPCsAreGated(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	_, err := s.client.GetProcedureAccess(ctx)
	requireCode(t, err, codes.Unauthenticated)

	admin, err := s.client.LoginWithPassword(ctx, testIssuer, "alice", "alice-pass", "")
	if err != nil {
		t.Fatalf("login alice: %v", err)
	}
	grants, err := s.client.GetProcedureAccess(WithBearer(ctx, admin.AccessToken))
	if err != nil {
		t.Fatalf("GetProcedureAccess: %v", err)
	}
	names := ProcedureNames()
	if len(grants) != len(names) {
		t.Fatalf("expected one entry per procedure, got %+v", grants)
	}
	for i, g := range grants {
		if g.Procedure != names[i] {
			t.Fatalf("entry %d is %s, want %s", i, g.Procedure, names[i])
		}
		switch g.Procedure {
		case "GetProcedureAccess":
			if len(g.Roles) != 1 || g.Roles[0] != "admin" {
				t.Fatalf("unexpected roles %+v", g)
			}
		case "GetRoleAccess":
			if len(g.Roles) != 2 {
				t.Fatalf("unexpected roles %+v", g)
			}
		default:
			if len(g.Roles) != 0 {
				t.Fatalf("ungranted procedure carries roles %+v", g)
			}
		}
	}

	viewer, err := s.client.LoginWithPassword(ctx, testIssuer, "bob", "bob-pass", "")
	if err != nil {
		t.Fatalf("login bob: %v", err)
	}
	_, err = s.client.GetProcedureAccess(WithBearer(ctx, viewer.AccessToken))
	requireCode(t, err, codes.PermissionDenied)

	roles, err := s.client.GetRoleAccess(WithBearer(ctx, viewer.AccessToken))
	if err != nil {
		t.Fatalf("GetRoleAccess: %v", err)
	}
	if len(roles) != 2 || roles[0].Role != "admin" || len(roles[0].Procedures) != 2 || roles[1].Role != "viewer" {
		t.Fatalf("unexpected role view %+v", roles)
	}

	id, err := s.client.GetIssuerId(ctx)
	if err != nil || id != testIssuer {
		t.Fatalf("GetIssuerId: %q %v", id, err)
	}
}

func TestProcedureNames(t *testing.T) {
	names := ProcedureNames()
	if len(names) != len(ServiceDesc.Methods) {
		t.Fatalf("got %d names for %d methods", len(names), len(ServiceDesc.Methods))
	}
	if names[0] != "GetTransportKey" || names[len(names)-1] != "Register" {
		t.Fatalf("declaration order lost: %v", names)
	}
}

func TestGateRefusesLoggedOutToken(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	admin, err := s.client.LoginWithPassword(ctx, testIssuer, "alice", "alice-pass", "")
	if err != nil {
		t.Fatalf("login alice: %v", err)
	}
	if _, err := s.client.GetProcedureAccess(WithBearer(ctx, admin.AccessToken)); err != nil {
		t.Fatalf("GetProcedureAccess: %v", err)
	}
	if err := s.client.Logout(ctx, &LogoutRequest{UserID: s.users["alice"], AccessToken: admin.AccessToken}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	// the access token has not expired yet, but its session is gone
	_, err = s.client.GetProcedureAccess(WithBearer(ctx, admin.AccessToken))
	requireCode(t, err, codes.Unauthenticated)
}

func TestRootBypassesPolicy(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	root, err := s.client.LoginWithPassword(ctx, testIssuer, "root", "root-pass", "")
	if err != nil {
		t.Fatalf("root login: %v", err)
	}
	if root.UserID != auth.RootUserID {
		t.Fatalf("unexpected root user id %q", root.UserID)
	}
	if _, err := s.client.GetProcedureAccess(WithBearer(ctx, root.AccessToken)); err != nil {
		t.Fatalf("root should be admitted: %v", err)
	}
	if _, err := s.client.ListSessions(WithBearer(ctx, root.AccessToken), s.users["alice"]); err != nil {
		t.Fatalf("root should read any user's sessions: %v", err)
	}
}

func TestSessionsOwnerMode(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	alice, err := s.client.LoginWithPassword(ctx, "", "alice", "alice-pass", "")
	if err != nil {
		t.Fatalf("login alice: %v", err)
	}
	bob, err := s.client.LoginWithPassword(ctx, "", "bob", "bob-pass", "")
	if err != nil {
		t.Fatalf("login bob: %v", err)
	}

	sessions, err := s.client.ListSessions(WithBearer(ctx, alice.AccessToken), s.users["alice"])
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].AccessID != alice.AccessID {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	_, err = s.client.ListSessions(WithBearer(ctx, bob.AccessToken), s.users["alice"])
	requireCode(t, err, codes.PermissionDenied)

	err = s.client.RevokeSession(WithBearer(ctx, alice.AccessToken), &RevokeSessionRequest{UserID: s.users["alice"], IssuerID: testIssuer, AccessID: bob.AccessID})
	requireCode(t, err, codes.NotFound)

	if err := s.client.RevokeSession(WithBearer(ctx, alice.AccessToken), &RevokeSessionRequest{UserID: s.users["alice"], IssuerID: testIssuer, AccessID: alice.AccessID}); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	_, err = s.client.ListSessions(WithBearer(ctx, alice.AccessToken), s.users["alice"])
	requireCode(t, err, codes.Unauthenticated)
}

func TestRegister(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	id, err := s.client.RegisterWithPassword(ctx, "carol", "carol-pass", "Carol", "carol@example.com")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id == "" {
		t.Fatal("expected user id")
	}
	_, err = s.client.RegisterWithPassword(ctx, "carol", "other", "", "")
	requireCode(t, err, codes.AlreadyExists)
	_, err = s.client.RegisterWithPassword(ctx, "dave", "pw", "", "not-an-email")
	requireCode(t, err, codes.InvalidArgument)
}

func TestIssuerLoginRotatesSecret(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	before, err := s.client.LoginWithPassword(ctx, "", "alice", "alice-pass", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	creds, err := s.client.IssuerLoginWithPassword(ctx, testIssuer, issuerPassword)
	if err != nil {
		t.Fatalf("issuer login: %v", err)
	}
	iss, err := s.store.Issuer(ctx, testIssuer)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	if !iss.Secret.Equal(creds.Secret) {
		t.Fatal("returned secret does not match the stored one")
	}
	if len(creds.Grants) != 2 {
		t.Fatalf("unexpected grants %+v", creds.Grants)
	}

	_, err = s.client.GetProcedureAccess(WithBearer(ctx, before.AccessToken))
	requireCode(t, err, codes.Unauthenticated)

	_, err = s.client.IssuerLoginWithPassword(ctx, testIssuer, "wrong")
	requireCode(t, err, codes.Unauthenticated)
}

func TestRateLimit(t *testing.T) {
	s := newStack(t, NewRateLimiter(0.001, 1))
	ctx := testCtx(t)

	_, err := s.client.LoginWithPassword(ctx, "", "alice", "wrong", "")
	requireCode(t, err, codes.Unauthenticated)
	_, err = s.client.LoginWithPassword(ctx, "", "alice", "alice-pass", "")
	requireCode(t, err, codes.ResourceExhausted)

	// Non-credential RPCs are not limited.
	if _, err := s.client.GetIssuerId(ctx); err != nil {
		t.Fatalf("GetIssuerId: %v", err)
	}
}

func TestHealth(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	resp, err := healthpb.NewHealthClient(s.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status %v", resp.GetStatus())
	}
	s.server.SetServing(false)
	resp, err = healthpb.NewHealthClient(s.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status %v", resp.GetStatus())
	}
}

func TestParsePeerIP(t *testing.T) {
	cases := map[string]string{
		"10.0.0.2":         "10.0.0.2",
		"fe80::1%eth0":     "fe80::1",
		"::ffff:192.0.2.7": "192.0.2.7",
		"2001:db8::5":      "2001:db8::5",
	}
	for host, want := range cases {
		got := parsePeerIP(host)
		if got == nil || got.String() != want {
			t.Fatalf("parsePeerIP(%q) = %v, want %s", host, got, want)
		}
	}
	if got := parsePeerIP("bufconn"); got != nil {
		t.Fatalf("expected nil for non-address, got %v", got)
	}
	if got := parsePeerIP("10.0.0.2"); len(got) != net.IPv4len {
		t.Fatalf("ipv4 peers must be %d bytes, got %d", net.IPv4len, len(got))
	}
}

func TestToStatusHidesInternals(t *testing.T) {
	err := toStatus(zap.NewNop(), "/x", errors.New("pq: connection refused on 10.0.0.5"))
	if status.Code(err) != codes.Internal || status.Convert(err).Message() != "internal error" {
		t.Fatalf("unexpected status %v", err)
	}
	err = toStatus(zap.NewNop(), "/x", auth.ErrPolicyMissing)
	if status.Convert(err).Message() != "procedure access not found" {
		t.Fatalf("unexpected status %v", err)
	}
	err = toStatus(zap.NewNop(), "/x", auth.ErrIPMismatch)
	requireCode(t, err, codes.PermissionDenied)
}

func TestRequestIDEchoed(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	id := ids.New()
	var header metadata.MD
	out := new(IssuerIDResponse)
	err := s.conn.Invoke(metadata.AppendToOutgoingContext(ctx, requestIDHeader, id),
		"/"+ServiceName+"/GetIssuerId", &Empty{}, out,
		grpc.CallContentSubtype(codecName), grpc.Header(&header))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := header.Get(requestIDHeader); len(got) != 1 || got[0] != id {
		t.Fatalf("expected echoed request id %s, got %v", id, got)
	}

	header = nil
	err = s.conn.Invoke(ctx, "/"+ServiceName+"/GetIssuerId", &Empty{}, out,
		grpc.CallContentSubtype(codecName), grpc.Header(&header))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := header.Get(requestIDHeader); len(got) != 1 || !ids.Valid(got[0]) {
		t.Fatalf("expected minted request id, got %v", got)
	}
}

func TestCredentialEventsAreAudited(t *testing.T) {
	s := newStack(t, nil)
	ctx := testCtx(t)

	if _, err := s.client.LoginWithPassword(ctx, "", "alice", "alice-pass", ""); err != nil {
		t.Fatalf("login: %v", err)
	}
	_, _ = s.client.LoginWithPassword(ctx, "", "alice", "wrong", "")

	ok := s.audit.FilterField(zap.String("event", "session.login")).All()
	if len(ok) != 1 {
		t.Fatalf("expected one login event, got %d", len(ok))
	}
	fields := ok[0].ContextMap()
	if fields["user"] != s.users["alice"] || fields["request_id"] == "" {
		t.Fatalf("unexpected login event fields %v", fields)
	}
	failed := s.audit.FilterField(zap.String("event", "session.login.failed")).All()
	if len(failed) != 1 {
		t.Fatalf("expected one failed login event, got %d", len(failed))
	}
	for _, e := range s.audit.All() {
		for k, v := range e.ContextMap() {
			if str, isStr := v.(string); isStr && str == "alice-pass" {
				t.Fatalf("password leaked into audit field %s", k)
			}
		}
	}
}

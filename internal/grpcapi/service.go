package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/gate"
	"authgate.org/internal/keyexchange"
	"authgate.org/internal/policy"
	"authgate.org/internal/session"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "authgate.v1.AuthService"

// AuthServiceServer is the server API of ServiceName.
type AuthServiceServer interface {
	GetTransportKey(context.Context, *Empty) (*TransportKey, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Refresh(context.Context, *RefreshRequest) (*RefreshResponse, error)
	Logout(context.Context, *LogoutRequest) (*Empty, error)
	GetIssuerId(context.Context, *Empty) (*IssuerIDResponse, error)
	GetProcedureAccess(context.Context, *Empty) (*ProcedureAccessResponse, error)
	GetRoleAccess(context.Context, *Empty) (*RoleAccessResponse, error)
	IssuerLogin(context.Context, *IssuerLoginRequest) (*IssuerLoginResponse, error)
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
	RevokeSession(context.Context, *RevokeSessionRequest) (*Empty, error)
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
}

// Service implements AuthServiceServer on top of the session manager.
type Service struct {
	issuerID string
	manager  *session.Manager
	keys     *keyexchange.Store
	engine   *policy.Engine
	owner    gate.Owner
	validate *validator.Validate
	logger   *zap.Logger
	audit    *audit.Log
}

var _ AuthServiceServer = (*Service)(nil)

// Option configures Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAudit sets the destination of credential events.
func WithAudit(a *audit.Log) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// NewService wires the handlers. engine is the grant table of issuerID and
// owner protects the per-user session RPCs.
func NewService(issuerID string, manager *session.Manager, keys *keyexchange.Store, engine *policy.Engine, owner gate.Owner, opts ...Option) (*Service, error) {
	if manager == nil || keys == nil || owner == nil {
		return nil, errors.New("grpcapi: manager, key store and owner check are required")
	}
	if engine == nil {
		engine = policy.New(nil)
	}
	s := &Service{
		issuerID: issuerID,
		manager:  manager,
		keys:     keys,
		engine:   engine,
		owner:    owner,
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = audit.New(s.logger)
	}
	return s, nil
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, err.Error())
	}
	return nil
}

// record writes the audit outcome of a credential operation.
func (s *Service) record(ctx context.Context, event string, err error, fields ...zap.Field) {
	if err != nil {
		s.audit.Failure(ctx, event, err, fields...)
		return
	}
	s.audit.Event(ctx, event, fields...)
}

func (s *Service) GetTransportKey(ctx context.Context, _ *Empty) (*TransportKey, error) {
	ticket, err := s.keys.Issue(ctx)
	if err != nil {
		return nil, err
	}
	return &TransportKey{KeyID: ticket.KeyID, PublicKey: ticket.PublicKey, ExpiresAt: ticket.ExpiresAt}, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	issuerID := req.IssuerID
	if issuerID == "" {
		issuerID = s.issuerID
	}
	tok, err := s.manager.Login(ctx, session.LoginRequest{
		IssuerID:          issuerID,
		Username:          req.Username,
		KeyID:             req.KeyID,
		EncryptedPassword: req.EncryptedPassword,
		Role:              req.Role,
		SourceIP:          auth.PeerIPFromContext(ctx),
	})
	s.record(ctx, "session.login", err,
		zap.String("issuer", issuerID), zap.String("username", req.Username),
		zap.String("user", tok.UserID), zap.Int64("access_id", tok.AccessID))
	if err != nil {
		return nil, err
	}
	return &LoginResponse{
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		AccessID:        tok.AccessID,
		RoleName:        tok.RoleName,
		UserID:          tok.UserID,
		ExpiresAt:       tok.ExpiresAt,
		AccessExpiresAt: tok.AccessExpiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	tok, err := s.manager.Refresh(ctx, session.RefreshRequest{
		IssuerID:     req.IssuerID,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		SourceIP:     auth.PeerIPFromContext(ctx),
	})
	s.record(ctx, "session.refresh", err, zap.String("issuer", req.IssuerID), zap.Int64("access_id", tok.AccessID))
	if err != nil {
		return nil, err
	}
	return &RefreshResponse{
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		ExpiresAt:       tok.ExpiresAt,
		AccessExpiresAt: tok.AccessExpiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, req *LogoutRequest) (*Empty, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	err := s.manager.Logout(ctx, req.UserID, req.AccessToken)
	s.record(ctx, "session.logout", err, zap.String("user", req.UserID))
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) GetIssuerId(context.Context, *Empty) (*IssuerIDResponse, error) {
	return &IssuerIDResponse{IssuerID: s.issuerID}, nil
}

func (s *Service) GetProcedureAccess(context.Context, *Empty) (*ProcedureAccessResponse, error) {
	return &ProcedureAccessResponse{Grants: s.engine.Grants()}, nil
}

func (s *Service) GetRoleAccess(context.Context, *Empty) (*RoleAccessResponse, error) {
	return &RoleAccessResponse{Roles: s.engine.GroupByRole()}, nil
}

func (s *Service) IssuerLogin(ctx context.Context, req *IssuerLoginRequest) (*IssuerLoginResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	creds, err := s.manager.IssuerLogin(ctx, session.IssuerLoginRequest{
		IssuerID:          req.IssuerID,
		KeyID:             req.KeyID,
		EncryptedPassword: req.EncryptedPassword,
		PublicKey:         req.PublicKey,
	})
	s.record(ctx, "issuer.login", err, zap.String("issuer", req.IssuerID))
	if err != nil {
		return nil, err
	}
	return &IssuerLoginResponse{IssuerID: creds.IssuerID, EncryptedSecret: creds.EncryptedSecret, Grants: creds.Grants}, nil
}

func (s *Service) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	ctx, err := s.owner.CheckOwner(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.manager.Sessions(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := SessionInfo{
			IssuerID:  sess.IssuerID,
			AccessID:  sess.AccessID,
			RoleName:  sess.RoleName,
			CreatedAt: sess.CreatedAt,
			ExpiresAt: sess.ExpiresAt,
		}
		if len(sess.SourceIP) > 0 {
			info.SourceIP = net.IP(sess.SourceIP).String()
		}
		out = append(out, info)
	}
	return &ListSessionsResponse{Sessions: out}, nil
}

func (s *Service) RevokeSession(ctx context.Context, req *RevokeSessionRequest) (*Empty, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	ctx, err := s.owner.CheckOwner(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.manager.Sessions(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.IssuerID == req.IssuerID && sess.AccessID == req.AccessID {
			err := s.manager.Revoke(ctx, sess.IssuerID, sess.AccessID)
			s.record(ctx, "session.revoke", err,
				zap.String("user", req.UserID), zap.String("issuer", sess.IssuerID), zap.Int64("access_id", sess.AccessID))
			if err != nil {
				return nil, err
			}
			return &Empty{}, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	identity, err := s.manager.Register(ctx, session.RegisterRequest{
		Username:          req.Username,
		KeyID:             req.KeyID,
		EncryptedPassword: req.EncryptedPassword,
		DisplayName:       req.DisplayName,
		Email:             req.Email,
		Phone:             req.Phone,
	})
	s.record(ctx, "user.register", err, zap.String("username", req.Username), zap.String("user", identity.ID))
	if err != nil {
		return nil, err
	}
	return &RegisterResponse{UserID: identity.ID}, nil
}

// unary builds a method descriptor that decodes Req and dispatches through the
// server's interceptor chain.
func unary[Req, Resp any](name string, call func(AuthServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AuthServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(AuthServiceServer), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes ServiceName for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetTransportKey", AuthServiceServer.GetTransportKey),
		unary("Login", AuthServiceServer.Login),
		unary("Refresh", AuthServiceServer.Refresh),
		unary("Logout", AuthServiceServer.Logout),
		unary("GetIssuerId", AuthServiceServer.GetIssuerId),
		unary("GetProcedureAccess", AuthServiceServer.GetProcedureAccess),
		unary("GetRoleAccess", AuthServiceServer.GetRoleAccess),
		unary("IssuerLogin", AuthServiceServer.IssuerLogin),
		unary("ListSessions", AuthServiceServer.ListSessions),
		unary("RevokeSession", AuthServiceServer.RevokeSession),
		unary("Register", AuthServiceServer.Register),
	},
	Streams: []grpc.StreamDesc{},
}

// ProcedureNames lists the short method names of ServiceDesc in declaration
// order. It is the procedure scope of the service's policy table.
func ProcedureNames() []string {
	names := make([]string, 0, len(ServiceDesc.Methods))
	for _, m := range ServiceDesc.Methods {
		names = append(names, m.MethodName)
	}
	return names
}

// Package gate admits or rejects calls to protected procedures based on the
// caller's bearer token and the procedure grants held by a policy engine.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/metadata"

	"authgate.org/internal/auth"
	"authgate.org/internal/policy"
	"authgate.org/internal/token"
)

// Mode selects the gate variant at construction.
type Mode string

const (
	ModeEnforcing  Mode = "enforcing"
	ModePermissive Mode = "permissive"
)

const (
	authHeader = "authorization"
	bearer     = "bearer "
)

// Gate decides whether a call to procedure may proceed. On admission it
// returns a context carrying the caller's claims when they are known.
type Gate interface {
	Check(ctx context.Context, procedure string) (context.Context, error)
	// Guards reports whether procedure is covered by a grant.
	Guards(procedure string) bool
}

// KeyFunc returns the secret that signs tokens for the protected service.
type KeyFunc func(ctx context.Context) (auth.Secret, error)

// StaticKey always returns secret.
func StaticKey(secret auth.Secret) KeyFunc {
	return func(context.Context) (auth.Secret, error) { return secret, nil }
}

// IssuerSource loads an issuer with its current secret.
type IssuerSource interface {
	Issuer(ctx context.Context, id string) (auth.Issuer, error)
}

// IssuerKey reads the live secret of issuerID on every call, so rotations are
// observed without a restart. Concurrent lookups share one store read, which
// is detached from the cancellation of whichever caller started it.
func IssuerKey(src IssuerSource, issuerID string) KeyFunc {
	var group singleflight.Group
	return func(ctx context.Context) (auth.Secret, error) {
		shared := context.WithoutCancel(ctx)
		v, err, _ := group.Do(issuerID, func() (any, error) {
			iss, err := src.Issuer(shared, issuerID)
			if err != nil {
				return nil, err
			}
			return iss.Secret, nil
		})
		if err != nil {
			return nil, fmt.Errorf("load issuer key: %w", err)
		}
		return v.(auth.Secret), nil
	}
}

// Introspector checks an access token against its persisted session.
type Introspector interface {
	Introspect(ctx context.Context, issuerID, accessToken string) (auth.Claims, auth.Session, error)
}

// Option configures gates.
type Option func(*options)

type options struct {
	root     *auth.Root
	logger   *zap.Logger
	sessions Introspector
	issuerID string
}

// WithRoot enables the root bypass for tokens signed with the root secret.
func WithRoot(root *auth.Root) Option {
	return func(o *options) { o.root = root }
}

// WithIntrospection makes the enforcing gate require a live session of
// issuerID behind every admitted token, so revocation applies immediately.
func WithIntrospection(issuerID string, in Introspector) Option {
	return func(o *options) {
		o.issuerID = issuerID
		o.sessions = in
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the gate variant named by mode.
func New(mode Mode, engine *policy.Engine, codec *token.Codec, key KeyFunc, opts ...Option) (Gate, error) {
	switch mode {
	case ModeEnforcing, "":
		return NewEnforcing(engine, codec, key, opts...), nil
	case ModePermissive:
		return NewPermissive(engine), nil
	default:
		return nil, fmt.Errorf("gate: unknown mode %q", mode)
	}
}

// Enforcing admits calls according to the policy engine.
type Enforcing struct {
	engine   *policy.Engine
	codec    *token.Codec
	key      KeyFunc
	root     *auth.Root
	sessions Introspector
	issuerID string
	logger   *zap.Logger
}

func NewEnforcing(engine *policy.Engine, codec *token.Codec, key KeyFunc, opts ...Option) *Enforcing {
	if engine == nil {
		engine = policy.New(nil)
	}
	if codec == nil {
		codec = token.NewCodec()
	}
	o := buildOptions(opts)
	return &Enforcing{
		engine:   engine,
		codec:    codec,
		key:      key,
		root:     o.root,
		sessions: o.sessions,
		issuerID: o.issuerID,
		logger:   o.logger,
	}
}

func (g *Enforcing) Guards(procedure string) bool {
	return g.engine.Restricts(procedure)
}

func (g *Enforcing) Check(ctx context.Context, procedure string) (context.Context, error) {
	if g.engine.Restricted() == 0 {
		return ctx, nil
	}

	raw, err := BearerFromContext(ctx)
	if err != nil {
		return ctx, auth.ErrUnauthenticated
	}

	var serviceKey auth.Secret
	if g.key != nil {
		serviceKey, err = g.key(ctx)
		if err != nil && !errors.Is(err, auth.ErrNotFound) {
			return ctx, err
		}
	}
	claims, idx, err := g.codec.DecodeAny(raw, true, serviceKey, g.root.Key())
	if err != nil {
		g.logger.Debug("gate: token rejected", zap.String("procedure", procedure), zap.Error(err))
		return ctx, auth.ErrUnauthenticated
	}
	if g.sessions != nil {
		if _, _, err := g.sessions.Introspect(ctx, g.issuerID, raw); err != nil {
			switch {
			case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrExpired), errors.Is(err, auth.ErrUnauthenticated):
				g.logger.Debug("gate: no live session", zap.String("procedure", procedure), zap.Error(err))
				return ctx, auth.ErrUnauthenticated
			default:
				return ctx, err
			}
		}
	}
	ctx = auth.ContextWithToken(auth.ContextWithClaims(ctx, claims), raw)

	if idx == 1 && g.root.IsRoot(claims.Subject) {
		return ctx, nil
	}

	grant, ok := g.engine.Grant(procedure)
	if !ok || len(grant.Roles) == 0 {
		g.logger.Warn("gate: procedure has no grant", zap.String("procedure", procedure))
		return ctx, auth.ErrPolicyMissing
	}
	for _, role := range grant.Roles {
		if role == claims.Subject {
			return ctx, nil
		}
	}
	return ctx, auth.ErrForbidden
}

// Permissive admits every call. Claims are still attached when a valid-looking
// bearer is present so handlers behave the same in both modes.
type Permissive struct {
	engine *policy.Engine
}

func NewPermissive(engine *policy.Engine) *Permissive {
	if engine == nil {
		engine = policy.New(nil)
	}
	return &Permissive{engine: engine}
}

func (p *Permissive) Guards(procedure string) bool {
	return p.engine.Restricts(procedure)
}

func (p *Permissive) Check(ctx context.Context, _ string) (context.Context, error) {
	if raw, err := BearerFromContext(ctx); err == nil {
		ctx = auth.ContextWithToken(ctx, raw)
	}
	return ctx, nil
}

// BearerFromContext returns the bearer token attached to the context or
// carried in the incoming "authorization" metadata.
func BearerFromContext(ctx context.Context) (string, error) {
	if tok, ok := auth.TokenFromContext(ctx); ok {
		return tok, nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing bearer token")
	}
	values := md.Get(authHeader)
	if len(values) == 0 {
		return "", errors.New("missing bearer token")
	}
	return extractBearerToken(values[0])
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

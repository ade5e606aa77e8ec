package gate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"authgate.org/internal/auth"
)

// Resolver looks up the live session that currently holds an access token.
type Resolver interface {
	Resolve(ctx context.Context, accessToken string) (auth.Session, error)
}

// Owner protects resources belonging to one user rather than to a role.
type Owner interface {
	CheckOwner(ctx context.Context, targetUserID string) (context.Context, error)
}

// NewOwner builds the owner check for mode.
func NewOwner(mode Mode, resolver Resolver, opts ...Option) (Owner, error) {
	switch mode {
	case ModeEnforcing, "":
		o := buildOptions(opts)
		return &enforcingOwner{resolver: resolver, logger: o.logger}, nil
	case ModePermissive:
		return permissiveOwner{}, nil
	default:
		return nil, errors.New("gate: unknown mode " + string(mode))
	}
}

type enforcingOwner struct {
	resolver Resolver
	logger   *zap.Logger
}

// CheckOwner resolves the bearer against the session store, so revocation is
// honoured before the token's embedded expiry.
func (o *enforcingOwner) CheckOwner(ctx context.Context, targetUserID string) (context.Context, error) {
	raw, err := BearerFromContext(ctx)
	if err != nil {
		return ctx, auth.ErrUnauthenticated
	}
	sess, err := o.resolver.Resolve(ctx, raw)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrExpired), errors.Is(err, auth.ErrUnauthenticated):
		return ctx, auth.ErrUnauthenticated
	default:
		return ctx, err
	}
	ctx = auth.ContextWithToken(ctx, raw)
	if sess.UserID == targetUserID || sess.UserID == auth.RootUserID {
		return ctx, nil
	}
	o.logger.Debug("gate: owner mismatch", zap.String("issuer", sess.IssuerID), zap.Int64("access_id", sess.AccessID))
	return ctx, auth.ErrForbidden
}

type permissiveOwner struct{}

func (permissiveOwner) CheckOwner(ctx context.Context, _ string) (context.Context, error) {
	if raw, err := BearerFromContext(ctx); err == nil {
		ctx = auth.ContextWithToken(ctx, raw)
	}
	return ctx, nil
}

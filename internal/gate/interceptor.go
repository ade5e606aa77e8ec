package gate

import (
	"context"
	"path"

	"google.golang.org/grpc"
)

// InterceptorOption configures UnaryServerInterceptor.
type InterceptorOption func(map[string]struct{})

// Require marks procedures that are always checked, even without a grant.
func Require(procedures ...string) InterceptorOption {
	return func(set map[string]struct{}) {
		for _, p := range procedures {
			set[p] = struct{}{}
		}
	}
}

// UnaryServerInterceptor runs g before every handler whose short method name
// has a grant or was passed to Require. Errors are returned as-is; the
// service's error translation turns them into status codes.
func UnaryServerInterceptor(g Gate, opts ...InterceptorOption) grpc.UnaryServerInterceptor {
	required := make(map[string]struct{})
	for _, opt := range opts {
		opt(required)
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		procedure := path.Base(info.FullMethod)
		_, must := required[procedure]
		if !must && !g.Guards(procedure) {
			return handler(ctx, req)
		}
		admitted, err := g.Check(ctx, procedure)
		if err != nil {
			return nil, err
		}
		return handler(admitted, req)
	}
}

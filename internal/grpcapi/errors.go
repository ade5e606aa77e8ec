package grpcapi

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"authgate.org/internal/auth"
	"authgate.org/internal/keyexchange"
)

// toStatus translates domain errors into gRPC statuses. Internal details are
// logged, never returned.
func toStatus(logger *zap.Logger, method string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, auth.ErrAuthFailed):
		return status.Error(codes.Unauthenticated, "invalid credentials")
	case errors.Is(err, keyexchange.ErrKeyNotFound):
		return status.Error(codes.Unauthenticated, "transport key not found or expired")
	case errors.Is(err, auth.ErrExpired):
		return status.Error(codes.Unauthenticated, "session expired")
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, auth.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, auth.ErrIPMismatch):
		return status.Error(codes.PermissionDenied, "source address mismatch")
	case errors.Is(err, auth.ErrPolicyMissing):
		logger.Error("procedure without grant", zap.String("method", method))
		return status.Error(codes.Internal, "procedure access not found")
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, auth.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrDecrypt):
		return status.Error(codes.InvalidArgument, "decryption failed")
	case errors.Is(err, auth.ErrEncrypt):
		return status.Error(codes.InvalidArgument, "encryption failed")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		logger.Error("internal error", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

// UnaryServerErrors converts every error returned further down the chain.
func UnaryServerErrors(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, toStatus(logger, info.FullMethod, err)
		}
		return resp, nil
	}
}

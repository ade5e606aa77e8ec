// Package audit records security relevant events: logins, refreshes,
// logouts, revocations, registrations and issuer secret rotations.
package audit

import (
	"context"
	"net"
	"strings"

	"go.uber.org/zap"

	"authgate.org/internal/auth"
	"authgate.org/internal/ids"
)

type requestIDKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// EnsureRequestID keeps a caller supplied id when it is a valid ULID and
// mints a fresh one otherwise.
func EnsureRequestID(ctx context.Context, supplied string) (context.Context, string) {
	id := strings.TrimSpace(supplied)
	if !ids.Valid(id) {
		id = ids.New()
	}
	return WithRequestID(ctx, id), id
}

// Log writes audit events as structured lines with type=audit.
type Log struct {
	logger *zap.Logger
}

// New returns a Log writing to logger. A nil logger discards events.
func New(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.With(zap.String("type", "audit"))}
}

// Event writes one entry enriched with request id, admitted subject and peer address.
// Secrets must never be passed as fields.
func (l *Log) Event(ctx context.Context, event string, fields ...zap.Field) {
	if l == nil {
		return
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	all := make([]zap.Field, 0, len(fields)+4)
	all = append(all, zap.String("event", event))
	if rid := RequestIDFromContext(ctx); rid != "" {
		all = append(all, zap.String("request_id", rid))
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		all = append(all, zap.String("subject", claims.Subject))
	}
	if ip := auth.PeerIPFromContext(ctx); ip != nil {
		all = append(all, zap.String("peer_ip", net.IP(ip).String()))
	}
	all = append(all, fields...)
	l.logger.Info("audit", all...)
}

// Failure records a rejected attempt with its error.
func (l *Log) Failure(ctx context.Context, event string, err error, fields ...zap.Field) {
	l.Event(ctx, event+".failed", append(fields, zap.Error(err))...)
}

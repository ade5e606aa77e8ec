package auth

import (
	"context"
	"net"
)

type claimsContextKey struct{}
type tokenContextKey struct{}
type peerIPContextKey struct{}

// ContextWithClaims attaches admitted token claims to the context.
func ContextWithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, &claims)
}

// ClaimsFromContext extracts claims stored by the authorization gate.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	if ctx == nil {
		return Claims{}, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return Claims{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithPeerIP records the caller address.
func ContextWithPeerIP(ctx context.Context, ip net.IP) context.Context {
	if ip == nil {
		return ctx
	}
	return context.WithValue(ctx, peerIPContextKey{}, ip)
}

// PeerIPFromContext returns the caller address as raw bytes (4 bytes for IPv4, 16 for IPv6).
func PeerIPFromContext(ctx context.Context) []byte {
	if ctx == nil {
		return nil
	}
	ip, ok := ctx.Value(peerIPContextKey{}).(net.IP)
	if !ok || ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return []byte(v4)
	}
	return []byte(ip.To16())
}

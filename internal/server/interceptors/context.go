// Package interceptors holds the unary server interceptors and request-context helpers of the gRPC server.
package interceptors

import (
	"context"
	"net"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	sessiondomain "enterprise-auth/backend/internal/session/domain"
)

// Metadata keys read from incoming requests.
const (
	RequestIDHeader       = "x-request-id"
	DeviceIDHeader        = "x-device-id"
	DeviceSignatureHeader = "x-device-signature"
)

type contextKey struct{ name string }

var requestIDKey = contextKey{"request_id"}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id from context and true if set; otherwise "", false.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	return v, ok && v != ""
}

// incomingRequestID returns the caller's x-request-id, or a new uuid.
func incomingRequestID(ctx context.Context) string {
	if v := firstMetadata(ctx, RequestIDHeader); v != "" {
		return v
	}
	return uuid.NewString()
}

// ClientIP returns the client address from x-forwarded-for (first hop), x-real-ip or the peer,
// or "" when none is known.
func ClientIP(ctx context.Context) string {
	if v := firstMetadata(ctx, "x-forwarded-for"); v != "" {
		if i := strings.Index(v, ","); i > 0 {
			v = strings.TrimSpace(v[:i])
		}
		return v
	}
	if v := firstMetadata(ctx, "x-real-ip"); v != "" {
		return v
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return ""
}

// DeviceFromContext builds the login device from request metadata and the client address.
func DeviceFromContext(ctx context.Context) sessiondomain.Device {
	return sessiondomain.Device{
		ID:        firstMetadata(ctx, DeviceIDHeader),
		IPAddress: ClientIP(ctx),
		UserAgent: firstMetadata(ctx, "user-agent"),
		Signature: firstMetadata(ctx, DeviceSignatureHeader),
	}
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(key) {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

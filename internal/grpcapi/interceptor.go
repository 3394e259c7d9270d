package grpcapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"webtasks.org/internal/auth"
	"webtasks.org/internal/obs"
)

// AuthInterceptor resolves the "authorization" metadata into a principal for
// every method not listed as public.
func AuthInterceptor(authn *auth.Authenticator, public ...string) grpc.UnaryServerInterceptor {
	skip := make(map[string]struct{}, len(public))
	for _, m := range public {
		skip[m] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := skip[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		token, err := bearerFromMetadata(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		principal, err := authn.Authenticate(token)
		if err != nil {
			return nil, toStatus(err)
		}
		ctx = auth.ContextWithPrincipal(ctx, principal)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}

// LoggingInterceptor writes one rpc_complete line per call.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		obs.Logger().LogAttrs(ctx, slog.LevelInfo, "rpc_complete",
			slog.String("method", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
		return resp, err
	}
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", errors.New("missing bearer token")
	}
	header := strings.TrimSpace(values[0])
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// toStatus maps the auth error taxonomy onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrCredentialConflict):
		return status.Error(codes.Unauthenticated, auth.Kind(err))
	case errors.Is(err, auth.ErrForbidden):
		return status.Error(codes.PermissionDenied, auth.Kind(err))
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, auth.Kind(err))
	case errors.Is(err, auth.ErrValidation):
		return status.Error(codes.InvalidArgument, auth.Kind(err))
	case errors.Is(err, auth.ErrConflict):
		return status.Error(codes.AlreadyExists, auth.Kind(err))
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

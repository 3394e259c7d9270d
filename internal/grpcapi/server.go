// Package grpcapi exposes health checking and session operations over gRPC.
package grpcapi

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"webtasks.org/internal/audit"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/obs"
)

const serviceName = "webtasks.v1.Session"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Server implements the Session service and owns the health server.
type Server struct {
	auth      *auth.Authenticator
	readiness readinessChecker
	health    *health.Server
}

func NewServer(authn *auth.Authenticator, readiness readinessChecker) *Server {
	return &Server{
		auth:      authn,
		readiness: readiness,
		health:    health.NewServer(),
	}
}

// NewGRPCServer builds a grpc.Server with the auth interceptor and both
// services registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		LoggingInterceptor(),
		AuthInterceptor(s.auth, publicMethods...),
	))
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

func (s *Server) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
	gs.RegisterService(&sessionServiceDesc, s)
}

// RefreshHealth checks readiness and publishes the result for both the
// overall server and the Session service.
func (s *Server) RefreshHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			obs.Logger().Warn("grpc_not_ready", "error", err.Error())
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
}

// WatchHealth refreshes health every interval until ctx is done.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	s.RefreshHealth(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.RefreshHealth(ctx)
		}
	}
}

// SignIn takes {email, password} and returns the session fields.
func (s *Server) SignIn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	email := fields["email"].GetStringValue()
	session, err := s.auth.Login(ctx, email, fields["password"].GetStringValue())
	if err != nil {
		obs.ObserveAuthEvent("login", auth.Kind(err))
		_ = audit.LogEvent(ctx, "auth.login.failed", map[string]any{
			"email":     strings.ToLower(strings.TrimSpace(email)),
			"reason":    auth.Kind(err),
			"transport": "grpc",
		})
		return nil, toStatus(err)
	}
	obs.ObserveAuthEvent("login", "ok")
	_ = audit.LogEvent(sessionContext(ctx, session), "auth.login", map[string]any{
		"transport":          "grpc",
		"role":               string(session.Profile.Role),
		"access_expires_at":  session.AccessExpiresAt.Format(time.RFC3339),
		"renewal_expires_at": session.RenewalExpiresAt.Format(time.RFC3339),
	})
	return sessionStruct(session)
}

// Renew takes {renewal_credential} and returns the rotated session.
func (s *Server) Renew(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	session, err := s.auth.Renew(ctx, in.GetFields()["renewal_credential"].GetStringValue())
	if err != nil {
		obs.ObserveAuthEvent("renew", auth.Kind(err))
		_ = audit.LogEvent(ctx, "auth.renew.failed", map[string]any{
			"reason":    auth.Kind(err),
			"transport": "grpc",
		})
		return nil, toStatus(err)
	}
	obs.ObserveAuthEvent("renew", "ok")
	_ = audit.LogEvent(sessionContext(ctx, session), "auth.renew", map[string]any{
		"transport":          "grpc",
		"renewal_expires_at": session.RenewalExpiresAt.Format(time.RFC3339),
	})
	return sessionStruct(session)
}

// Whoami echoes the authenticated principal.
func (s *Server) Whoami(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, toStatus(auth.ErrTokenInvalid)
	}
	return structpb.NewStruct(map[string]any{
		"id":   p.ID,
		"role": string(p.Role),
	})
}

// sessionContext attributes audit entries to the actor that just signed in.
func sessionContext(ctx context.Context, s auth.Session) context.Context {
	return auth.ContextWithPrincipal(ctx, auth.Principal{ID: s.Profile.ID, Role: s.Profile.Role})
}

func sessionStruct(s auth.Session) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"access_token":       s.AccessToken,
		"access_expires_at":  s.AccessExpiresAt.UTC().Format(time.RFC3339),
		"renewal_credential": s.RenewalCredential,
		"renewal_expires_at": s.RenewalExpiresAt.UTC().Format(time.RFC3339),
		"actor": map[string]any{
			"id":    s.Profile.ID,
			"email": s.Profile.Email,
			"role":  string(s.Profile.Role),
		},
	})
}

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 24 * time.Hour
	DefaultRenewalTTL = 48 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRenewal = "renewal"
)

type accessTokenClaims struct {
	Role      Role   `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

type renewalTokenClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies access tokens and renewal credentials.
// Access tokens are stateless. A renewal credential is valid only while it
// equals the value persisted for its actor.
type TokenService struct {
	store         CredentialStore
	accessSecret  []byte
	renewalSecret []byte
	issuer        string
	accessTTL     time.Duration
	renewalTTL    time.Duration
	now           func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer sets the iss claim written and required on every token.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl <= 0 {
			return errors.New("auth: access ttl must be positive")
		}
		s.accessTTL = ttl
		return nil
	}
}

// WithRenewalTTL configures renewal credential lifetime.
func WithRenewalTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl <= 0 {
			return errors.New("auth: renewal ttl must be positive")
		}
		s.renewalTTL = ttl
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. Both secrets are required and
// must differ so that one token kind can never verify as the other.
func NewTokenService(store CredentialStore, accessSecret, renewalSecret string, opts ...TokenOption) (*TokenService, error) {
	if store == nil {
		return nil, errors.New("auth: credential store is required")
	}
	if accessSecret == "" || renewalSecret == "" {
		return nil, errors.New("auth: access and renewal secrets are required")
	}
	if accessSecret == renewalSecret {
		return nil, errors.New("auth: access and renewal secrets must differ")
	}
	svc := &TokenService{
		store:         store,
		accessSecret:  []byte(accessSecret),
		renewalSecret: []byte(renewalSecret),
		accessTTL:     DefaultAccessTTL,
		renewalTTL:    DefaultRenewalTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// IssueAccessToken mints an access token for the actor.
func (s *TokenService) IssueAccessToken(actor Actor) (string, time.Time, error) {
	if actor.ID == "" || !actor.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: actor id and role are required", ErrValidation)
	}
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	claims := accessTokenClaims{
		Role:             actor.Role,
		TokenType:        tokenTypeAccess,
		RegisteredClaims: s.registered(actor.ID, now, exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return signed, exp.Truncate(time.Second), nil
}

// IssueRenewalCredential mints a renewal credential. Callers persist it.
func (s *TokenService) IssueRenewalCredential(actor Actor) (string, time.Time, error) {
	if actor.ID == "" {
		return "", time.Time{}, fmt.Errorf("%w: actor id is required", ErrValidation)
	}
	now := s.now().UTC()
	exp := now.Add(s.renewalTTL)
	claims := renewalTokenClaims{
		TokenType:        tokenTypeRenewal,
		RegisteredClaims: s.registered(actor.ID, now, exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.renewalSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign renewal credential: %w", err)
	}
	return signed, exp.Truncate(time.Second), nil
}

func (s *TokenService) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
}

// VerifyAccessToken checks signature, expiry and shape of an access token.
func (s *TokenService) VerifyAccessToken(raw string) (AccessClaims, error) {
	var claims accessTokenClaims
	if err := s.parse(raw, &claims, s.accessSecret); err != nil {
		return AccessClaims{}, err
	}
	if claims.TokenType != tokenTypeAccess {
		return AccessClaims{}, fmt.Errorf("%w: unexpected token type", ErrTokenInvalid)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return AccessClaims{}, fmt.Errorf("%w: missing subject or role", ErrTokenInvalid)
	}
	out := AccessClaims{SubjectID: claims.Subject, Role: claims.Role}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func (s *TokenService) verifyRenewal(raw string) (renewalTokenClaims, error) {
	var claims renewalTokenClaims
	if err := s.parse(raw, &claims, s.renewalSecret); err != nil {
		return renewalTokenClaims{}, err
	}
	if claims.TokenType != tokenTypeRenewal || claims.Subject == "" {
		return renewalTokenClaims{}, fmt.Errorf("%w: unexpected token type", ErrTokenInvalid)
	}
	return claims, nil
}

// parse verifies the signature before any time-based claim, so an expired
// result always implies an authentic token.
func (s *TokenService) parse(raw string, claims jwt.Claims, secret []byte) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

// VerifyAndRotateRenewalCredential exchanges a live renewal credential for a
// new credential pair. The presented value is replaced with a single
// compare-and-swap, so concurrent presentations of the same credential yield
// at most one new session.
func (s *TokenService) VerifyAndRotateRenewalCredential(ctx context.Context, presented string) (Session, error) {
	claims, err := s.verifyRenewal(presented)
	if err != nil {
		return Session{}, err
	}
	actor, err := s.store.FindActorByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}
	if !credentialsEqual(actor.RenewalCredential, strings.TrimSpace(presented)) {
		return Session{}, fmt.Errorf("%w: renewal credential is no longer current", ErrTokenInvalid)
	}
	session, err := s.issueSession(*actor)
	if err != nil {
		return Session{}, err
	}
	err = s.store.SwapRenewalCredential(ctx, actor.ID, actor.RenewalCredential, session.RenewalCredential)
	if errors.Is(err, ErrCredentialConflict) {
		return Session{}, fmt.Errorf("%w: renewal credential is no longer current", ErrTokenInvalid)
	}
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// StartSession issues a new credential pair and overwrites whatever renewal
// credential the actor held before.
func (s *TokenService) StartSession(ctx context.Context, actor Actor) (Session, error) {
	session, err := s.issueSession(actor)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.SetRenewalCredential(ctx, actor.ID, session.RenewalCredential); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Revoke clears the actor's renewal credential. Revoking twice is not an error.
func (s *TokenService) Revoke(ctx context.Context, actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return fmt.Errorf("%w: actor id is required", ErrValidation)
	}
	return s.store.SetRenewalCredential(ctx, actorID, "")
}

func (s *TokenService) issueSession(actor Actor) (Session, error) {
	access, accessExp, err := s.IssueAccessToken(actor)
	if err != nil {
		return Session{}, err
	}
	renewal, renewalExp, err := s.IssueRenewalCredential(actor)
	if err != nil {
		return Session{}, err
	}
	return Session{
		AccessToken:       access,
		AccessExpiresAt:   accessExp,
		RenewalCredential: renewal,
		RenewalExpiresAt:  renewalExp,
		Profile:           actor.Profile(),
	}, nil
}

func credentialsEqual(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

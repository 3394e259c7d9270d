package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator drives login, logout and renewal. It is the only component
// that sees plaintext passwords.
type Authenticator struct {
	store  CredentialStore
	tokens *TokenService
	cost   int

	decoyOnce sync.Once
	decoyHash string
}

// AuthenticatorOption configures Authenticator behavior.
type AuthenticatorOption func(*Authenticator)

// WithPasswordCost sets the bcrypt cost used for the decoy hash compared
// against when an email is unknown. It should match the cost of stored hashes.
func WithPasswordCost(cost int) AuthenticatorOption {
	return func(a *Authenticator) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			a.cost = cost
		}
	}
}

// NewAuthenticator wires the flow to its store and token service.
func NewAuthenticator(store CredentialStore, tokens *TokenService, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{store: store, tokens: tokens, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tokens exposes the token service used for verification of requests.
func (a *Authenticator) Tokens() *TokenService {
	return a.tokens
}

// Login verifies the password and starts a new session. Unknown emails and
// wrong passwords are indistinguishable to the caller.
func (a *Authenticator) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	actor, err := a.store.FindActorByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_ = VerifyPassword(a.decoy(), password)
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := VerifyPassword(actor.PasswordHash, password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	session, err := a.tokens.StartSession(ctx, *actor)
	if err != nil {
		return Session{}, fmt.Errorf("auth: start session: %w", err)
	}
	return session, nil
}

// Logout revokes the actor's renewal credential. Access tokens already
// issued stay valid until they expire.
func (a *Authenticator) Logout(ctx context.Context, actorID string) error {
	return a.tokens.Revoke(ctx, actorID)
}

// Renew rotates a renewal credential into a new session.
func (a *Authenticator) Renew(ctx context.Context, renewalCredential string) (Session, error) {
	if strings.TrimSpace(renewalCredential) == "" {
		return Session{}, fmt.Errorf("%w: renewal credential is required", ErrTokenInvalid)
	}
	return a.tokens.VerifyAndRotateRenewalCredential(ctx, renewalCredential)
}

// Authenticate turns an access token into a request principal.
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	claims, err := a.tokens.VerifyAccessToken(token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ID: claims.SubjectID, Role: claims.Role}, nil
}

func (a *Authenticator) decoy() string {
	a.decoyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("decoy-password-for-unknown-email"), a.cost)
		if err == nil {
			a.decoyHash = string(hash)
		}
	})
	return a.decoyHash
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *stubCredentialStore, *testClock) {
	t.Helper()
	hash, err := HashPasswordCost("correct horse", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPasswordCost: %v", err)
	}
	bob := Actor{ID: "user-2", Email: "bob@example.com", Role: RoleAdmin, PasswordHash: hash}
	store := newStubStore(bob)
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewAuthenticator(store, newTestTokens(t, store, clock), WithPasswordCost(bcrypt.MinCost)), store, clock
}

func TestLoginIssuesSession(t *testing.T) {
	authn, store, _ := newTestAuthenticator(t)

	session, err := authn.Login(context.Background(), "  Bob@Example.com ", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.AccessToken == "" || session.RenewalCredential == "" {
		t.Fatalf("expected both credentials, got %+v", session)
	}
	if session.Profile.ID != "user-2" || session.Profile.Role != RoleAdmin {
		t.Fatalf("unexpected profile: %+v", session.Profile)
	}
	if store.stored("user-2") != session.RenewalCredential {
		t.Fatalf("renewal credential not persisted")
	}
	principal, err := authn.Authenticate(session.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.ID != "user-2" || principal.Role != RoleAdmin {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	authn, store, _ := newTestAuthenticator(t)
	cases := []struct {
		name, email, password string
	}{
		{"unknown email", "nobody@example.com", "correct horse"},
		{"wrong password", "bob@example.com", "wrong"},
		{"empty password", "bob@example.com", ""},
		{"empty email", "", "correct horse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := authn.Login(context.Background(), tc.email, tc.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
			if err.Error() != ErrInvalidCredentials.Error() {
				t.Fatalf("error leaks detail: %q", err.Error())
			}
		})
	}
	if store.stored("user-2") != "" {
		t.Fatalf("failed logins must not store a credential")
	}
}

func TestLoginRenewLogoutLifecycle(t *testing.T) {
	authn, store, clock := newTestAuthenticator(t)
	ctx := context.Background()

	first, err := authn.Login(ctx, "bob@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := authn.Renew(ctx, first.RenewalCredential)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !second.AccessExpiresAt.After(first.AccessExpiresAt) {
		t.Fatalf("renewed access token should expire later")
	}
	if err := authn.Logout(ctx, second.Profile.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := authn.Logout(ctx, second.Profile.ID); err != nil {
		t.Fatalf("repeated Logout: %v", err)
	}
	for name, credential := range map[string]string{
		"superseded": first.RenewalCredential,
		"revoked":    second.RenewalCredential,
		"empty":      "",
	} {
		if _, err := authn.Renew(ctx, credential); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("%s: expected ErrTokenInvalid, got %v", name, err)
		}
	}
	if store.stored("user-2") != "" {
		t.Fatalf("credential should stay cleared")
	}

	// Access tokens are stateless and survive logout until expiry.
	if _, err := authn.Authenticate(second.AccessToken); err != nil {
		t.Fatalf("access token should remain valid after logout: %v", err)
	}
}

func TestLoginReplacesPreviousRenewalCredential(t *testing.T) {
	authn, _, clock := newTestAuthenticator(t)
	ctx := context.Background()

	first, err := authn.Login(ctx, "bob@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := authn.Login(ctx, "bob@example.com", "correct horse"); err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if _, err := authn.Renew(ctx, first.RenewalCredential); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected first session to be superseded, got %v", err)
	}
}

func TestLogoutUnknownActor(t *testing.T) {
	authn, _, _ := newTestAuthenticator(t)
	if err := authn.Logout(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKind(t *testing.T) {
	cases := map[error]string{
		ErrInvalidCredentials:                    "invalid_credentials",
		ErrTokenExpired:                          "token_expired",
		ErrTokenInvalid:                          "token_invalid",
		ErrCredentialConflict:                    "token_invalid",
		ErrNotFound:                              "not_found",
		ErrForbidden:                             "forbidden",
		ErrValidation:                            "validation_error",
		ErrConflict:                              "conflict",
		fmt.Errorf("%w: task t-1", ErrForbidden): "forbidden",
		errors.New("boom"):                       "internal",
	}
	for err, want := range cases {
		if got := Kind(err); got != want {
			t.Fatalf("Kind(%v)=%q, want %q", err, got, want)
		}
	}
}

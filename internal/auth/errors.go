package auth

import "errors"

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrNotFound           = errors.New("auth: not found")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrValidation         = errors.New("auth: validation failed")
	ErrConflict           = errors.New("auth: already exists")

	// ErrCredentialConflict is returned by CredentialStore.SwapRenewalCredential
	// when the stored value no longer matches the expected one.
	ErrCredentialConflict = errors.New("auth: renewal credential changed")
)

// Kind returns a stable, client-facing name for errors of the auth taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrCredentialConflict):
		return "token_invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

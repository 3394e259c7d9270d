package auth

import "context"

// CredentialStore persists actors and their single live renewal credential.
type CredentialStore interface {
	FindActorByID(ctx context.Context, id string) (*Actor, error)
	FindActorByEmail(ctx context.Context, email string) (*Actor, error)

	// SetRenewalCredential overwrites the stored credential unconditionally.
	// An empty value revokes it.
	SetRenewalCredential(ctx context.Context, actorID, value string) error

	// SwapRenewalCredential replaces expected with next only if the stored
	// value still equals expected. It returns ErrCredentialConflict when the
	// comparison fails and ErrNotFound when the actor does not exist.
	SwapRenewalCredential(ctx context.Context, actorID, expected, next string) error
}

package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"webtasks.org/internal/auth"
	"webtasks.org/internal/authz"
	"webtasks.org/internal/ids"
)

// Account is the public profile of a user. It never carries the password
// hash or the renewal credential.
type Account struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Role      auth.Role `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch lists the fields an update may change. Nil means unchanged.
type Patch struct {
	FirstName    *string
	LastName     *string
	Email        *string
	Role         *auth.Role
	PasswordHash *string
}

// Store persists accounts. Implementations return auth.ErrNotFound for
// unknown ids and auth.ErrConflict for a duplicate email.
type Store interface {
	CreateAccount(ctx context.Context, acc *Account, passwordHash string) error
	FindAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccount(ctx context.Context, id string, patch Patch) (*Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

// SignUpInput is the self-service registration payload.
type SignUpInput struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

func (in SignUpInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Email, validation.Required, validation.Length(6, 100), is.Email),
		validation.Field(&in.Password, validation.Required, validation.Length(8, 72)),
	)
}

// UpdateInput is the profile edit payload.
type UpdateInput struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Email     *string `json:"email,omitempty"`
	Password  *string `json:"password,omitempty"`
	Role      *string `json:"role,omitempty"`
}

func (in UpdateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FirstName, validation.NilOrNotEmpty, validation.Length(1, 200)),
		validation.Field(&in.LastName, validation.NilOrNotEmpty, validation.Length(1, 200)),
		validation.Field(&in.Email, validation.NilOrNotEmpty, validation.Length(6, 100), is.Email),
		validation.Field(&in.Password, validation.NilOrNotEmpty, validation.Length(8, 72)),
		validation.Field(&in.Role, validation.NilOrNotEmpty, validation.In(string(auth.RoleAdmin), string(auth.RoleUser))),
	)
}

// Service implements user-account operations. Every method except SignUp
// takes the authorization decision that admitted the call.
type Service struct {
	store Store
	cost  int
	now   func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithPasswordCost sets the bcrypt cost for new password hashes.
func WithPasswordCost(cost int) Option {
	return func(s *Service) {
		s.cost = cost
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignUp registers a new account. Self-registered accounts are always
// plain users.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*Account, error) {
	in.Email = normalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrValidation, err)
	}
	hash, err := auth.HashPasswordCost(in.Password, s.cost)
	if err != nil {
		return nil, fmt.Errorf("account: hash password: %w", err)
	}
	now := s.now().UTC()
	acc := &Account{
		ID:        ids.New(),
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Email:     in.Email,
		Role:      auth.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, acc, hash); err != nil {
		return nil, err
	}
	return acc, nil
}

// Get returns the account the decision admitted.
func (s *Service) Get(ctx context.Context, d authz.Decision, id string) (*Account, error) {
	if err := require(d, authz.ActionRead); err != nil {
		return nil, err
	}
	return s.store.FindAccount(ctx, id)
}

// List returns every account, or only the decision's owner when it is set.
func (s *Service) List(ctx context.Context, d authz.Decision) ([]*Account, error) {
	if err := require(d, authz.ActionReadMany); err != nil {
		return nil, err
	}
	if d.Filtered() {
		acc, err := s.store.FindAccount(ctx, d.OwnerID)
		if errors.Is(err, auth.ErrNotFound) {
			return []*Account{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []*Account{acc}, nil
	}
	return s.store.ListAccounts(ctx)
}

// Update edits profile fields. A role change is honored only when the
// decision admitted an edit of another user's account.
func (s *Service) Update(ctx context.Context, d authz.Decision, id string, in UpdateInput) (*Account, error) {
	if err := require(d, authz.ActionEdit); err != nil {
		return nil, err
	}
	if in.Email != nil {
		email := normalizeEmail(*in.Email)
		in.Email = &email
	}
	in.FirstName = trimmed(in.FirstName)
	in.LastName = trimmed(in.LastName)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrValidation, err)
	}
	patch := Patch{FirstName: in.FirstName, LastName: in.LastName, Email: in.Email}
	if in.Role != nil {
		if d.Scope != authz.ScopeAny {
			return nil, fmt.Errorf("%w: role can only be changed by an administrator on another account", auth.ErrForbidden)
		}
		role, _ := auth.ParseRole(*in.Role)
		patch.Role = &role
	}
	if in.Password != nil {
		hash, err := auth.HashPasswordCost(*in.Password, s.cost)
		if err != nil {
			return nil, fmt.Errorf("account: hash password: %w", err)
		}
		patch.PasswordHash = &hash
	}
	return s.store.UpdateAccount(ctx, id, patch)
}

// Delete removes the account and the tasks it owns.
func (s *Service) Delete(ctx context.Context, d authz.Decision, id string) error {
	if err := require(d, authz.ActionDelete); err != nil {
		return err
	}
	return s.store.DeleteAccount(ctx, id)
}

// OwnerOf makes accounts their own owners for authorization purposes.
func (s *Service) OwnerOf(ctx context.Context, id string) (string, error) {
	acc, err := s.store.FindAccount(ctx, id)
	if err != nil {
		return "", err
	}
	return acc.ID, nil
}

func require(d authz.Decision, action authz.Action) error {
	if !d.Granted || d.Resource != authz.ResourceUserAccount || d.Action != action {
		return fmt.Errorf("%w: no %s grant for user account", auth.ErrForbidden, action)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

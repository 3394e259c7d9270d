package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"webtasks.org/internal/auth"
	"webtasks.org/internal/authz"
	"webtasks.org/internal/ids"
)

// Task is a to-do item owned by exactly one user.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Done        bool      `json:"done"`
	OwnerID     string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Patch lists the fields an update may change. Nil means unchanged.
type Patch struct {
	Description *string
	Done        *bool
}

// Store persists tasks. ListTasks with an empty owner returns every task.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	FindTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]*Task, error)
	UpdateTask(ctx context.Context, id string, patch Patch) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
}

type CreateInput struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
	OwnerID     string `json:"user_id,omitempty"`
}

func (in CreateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Description, validation.Required, validation.Length(1, 1000)),
	)
}

type UpdateInput struct {
	Description *string `json:"description,omitempty"`
	Done        *bool   `json:"done,omitempty"`
}

func (in UpdateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Description, validation.NilOrNotEmpty, validation.Length(1, 1000)),
	)
}

// Service implements task operations on top of authorization decisions.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create stores a task owned by the decision's owner.
func (s *Service) Create(ctx context.Context, d authz.Decision, in CreateInput) (*Task, error) {
	if err := require(d, authz.ActionCreate); err != nil {
		return nil, err
	}
	in.Description = strings.TrimSpace(in.Description)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrValidation, err)
	}
	now := s.now().UTC()
	t := &Task{
		ID:          ids.New(),
		Description: in.Description,
		Done:        in.Done,
		OwnerID:     d.OwnerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) Get(ctx context.Context, d authz.Decision, id string) (*Task, error) {
	if err := require(d, authz.ActionRead); err != nil {
		return nil, err
	}
	return s.store.FindTask(ctx, id)
}

// List returns tasks narrowed to the decision's owner, if any.
func (s *Service) List(ctx context.Context, d authz.Decision) ([]*Task, error) {
	if err := require(d, authz.ActionReadMany); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, d.OwnerID)
}

func (s *Service) Update(ctx context.Context, d authz.Decision, id string, in UpdateInput) (*Task, error) {
	if err := require(d, authz.ActionEdit); err != nil {
		return nil, err
	}
	if in.Description != nil {
		desc := strings.TrimSpace(*in.Description)
		in.Description = &desc
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrValidation, err)
	}
	return s.store.UpdateTask(ctx, id, Patch{Description: in.Description, Done: in.Done})
}

func (s *Service) Delete(ctx context.Context, d authz.Decision, id string) error {
	if err := require(d, authz.ActionDelete); err != nil {
		return err
	}
	return s.store.DeleteTask(ctx, id)
}

// OwnerOf resolves the owner of a task for the authorization engine.
func (s *Service) OwnerOf(ctx context.Context, id string) (string, error) {
	t, err := s.store.FindTask(ctx, id)
	if err != nil {
		return "", err
	}
	return t.OwnerID, nil
}

func require(d authz.Decision, action authz.Action) error {
	if !d.Granted || d.Resource != authz.ResourceTask || d.Action != action {
		return fmt.Errorf("%w: no %s grant for task", auth.ErrForbidden, action)
	}
	return nil
}

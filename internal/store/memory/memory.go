package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"webtasks.org/internal/account"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/tasks"
)

var (
	_ auth.CredentialStore = (*Store)(nil)
	_ account.Store        = (*Store)(nil)
	_ tasks.Store          = (*Store)(nil)
)

type userRecord struct {
	account      account.Account
	passwordHash string
	renewal      string
}

// Store keeps users and tasks in process memory with concurrency safety.
// Renewal credential swaps happen under the write lock, which makes them
// atomic with respect to each other.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*userRecord
	byEmail map[string]string
	tasks   map[string]*tasks.Task
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:   make(map[string]*userRecord),
		byEmail: make(map[string]string),
		tasks:   make(map[string]*tasks.Task),
		now:     time.Now,
	}
}

func (s *Store) actor(u *userRecord) *auth.Actor {
	return &auth.Actor{
		ID:                u.account.ID,
		Email:             u.account.Email,
		Role:              u.account.Role,
		PasswordHash:      u.passwordHash,
		RenewalCredential: u.renewal,
	}
}

func (s *Store) FindActorByID(ctx context.Context, id string) (*auth.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.actor(u), nil
}

func (s *Store) FindActorByEmail(ctx context.Context, email string) (*auth.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.actor(s.users[id]), nil
}

func (s *Store) SetRenewalCredential(ctx context.Context, actorID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[actorID]
	if !ok {
		return auth.ErrNotFound
	}
	u.renewal = value
	return nil
}

func (s *Store) SwapRenewalCredential(ctx context.Context, actorID, expected, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[actorID]
	if !ok {
		return auth.ErrNotFound
	}
	if u.renewal != expected {
		return auth.ErrCredentialConflict
	}
	u.renewal = next
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, acc *account.Account, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(acc.Email)
	if _, exists := s.byEmail[email]; exists {
		return auth.ErrConflict
	}
	if _, exists := s.users[acc.ID]; exists {
		return auth.ErrConflict
	}
	now := s.now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	if acc.UpdatedAt.IsZero() {
		acc.UpdatedAt = now
	}
	s.users[acc.ID] = &userRecord{account: *acc, passwordHash: passwordHash}
	s.byEmail[email] = acc.ID
	return nil
}

func (s *Store) FindAccount(ctx context.Context, id string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	acc := u.account
	return &acc, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*account.Account, 0, len(s.users))
	for _, u := range s.users {
		acc := u.account
		out = append(out, &acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateAccount(ctx context.Context, id string, patch account.Patch) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if patch.Email != nil {
		email := strings.ToLower(*patch.Email)
		if owner, taken := s.byEmail[email]; taken && owner != id {
			return nil, auth.ErrConflict
		}
		delete(s.byEmail, strings.ToLower(u.account.Email))
		s.byEmail[email] = id
		u.account.Email = email
	}
	if patch.FirstName != nil {
		u.account.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		u.account.LastName = *patch.LastName
	}
	if patch.Role != nil {
		u.account.Role = *patch.Role
	}
	if patch.PasswordHash != nil {
		u.passwordHash = *patch.PasswordHash
	}
	u.account.UpdatedAt = s.now().UTC()
	acc := u.account
	return &acc, nil
}

// DeleteAccount removes the user together with the tasks they own.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(s.byEmail, strings.ToLower(u.account.Email))
	delete(s.users, id)
	for tid, t := range s.tasks {
		if t.OwnerID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, t *tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[t.OwnerID]; !ok {
		return auth.ErrNotFound
	}
	if _, exists := s.tasks[t.ID]; exists {
		return auth.ErrConflict
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) FindTask(ctx context.Context, id string) (*tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]*tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tasks.Task, 0)
	for _, t := range s.tasks {
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch tasks.Patch) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Done != nil {
		t.Done = *patch.Done
	}
	t.UpdatedAt = s.now().UTC()
	cp := *t
	return &cp, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

// Package seed populates a store with demo users and tasks.
package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webtasks.org/internal/account"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/ids"
	"webtasks.org/internal/tasks"
)

// Store is satisfied by every storage backend.
type Store interface {
	account.Store
	tasks.Store
	FindActorByEmail(ctx context.Context, email string) (*auth.Actor, error)
}

type User struct {
	FirstName string
	LastName  string
	Email     string
	Role      auth.Role
	Tasks     []string
}

// DemoUsers is the default seed set: one admin and two regular users.
var DemoUsers = []User{
	{FirstName: "Ada", LastName: "Admin", Email: "admin@webtasks.local", Role: auth.RoleAdmin,
		Tasks: []string{"Review signups"}},
	{FirstName: "Uma", LastName: "User", Email: "uma@webtasks.local", Role: auth.RoleUser,
		Tasks: []string{"Buy milk", "Write report"}},
	{FirstName: "Otto", LastName: "User", Email: "otto@webtasks.local", Role: auth.RoleUser,
		Tasks: []string{"Call plumber"}},
}

// Result reports what Apply created.
type Result struct {
	Users   int
	Tasks   int
	Skipped []string
}

// Apply creates users that do not exist yet, each with its tasks. Existing
// emails are skipped, so running it twice is harmless.
func Apply(ctx context.Context, store Store, users []User, password string, cost int) (Result, error) {
	var res Result
	if password == "" {
		return res, fmt.Errorf("%w: seed password is empty", auth.ErrValidation)
	}
	hash, err := auth.HashPasswordCost(password, cost)
	if err != nil {
		return res, err
	}
	for _, u := range users {
		if _, err := store.FindActorByEmail(ctx, u.Email); err == nil {
			res.Skipped = append(res.Skipped, u.Email)
			continue
		} else if !errors.Is(err, auth.ErrNotFound) {
			return res, fmt.Errorf("lookup %s: %w", u.Email, err)
		}

		now := time.Now().UTC()
		acc := &account.Account{
			ID:        ids.New(),
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Email:     u.Email,
			Role:      u.Role,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.CreateAccount(ctx, acc, hash); err != nil {
			return res, fmt.Errorf("create %s: %w", u.Email, err)
		}
		res.Users++

		for _, desc := range u.Tasks {
			t := &tasks.Task{ID: ids.New(), Description: desc, OwnerID: acc.ID, CreatedAt: now, UpdatedAt: now}
			if err := store.CreateTask(ctx, t); err != nil {
				return res, fmt.Errorf("create task for %s: %w", u.Email, err)
			}
			res.Tasks++
		}
	}
	return res, nil
}

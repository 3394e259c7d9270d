package seed

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"webtasks.org/internal/auth"
	"webtasks.org/internal/store/memory"
)

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	res, err := Apply(ctx, store, DemoUsers, "demo-password", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if res.Users != len(DemoUsers) || res.Tasks != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = Apply(ctx, store, DemoUsers, "demo-password", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if res.Users != 0 || len(res.Skipped) != len(DemoUsers) {
		t.Fatalf("expected everything skipped, got %+v", res)
	}

	admin, err := store.FindActorByEmail(ctx, "admin@webtasks.local")
	if err != nil {
		t.Fatalf("find admin: %v", err)
	}
	if admin.Role != auth.RoleAdmin {
		t.Fatalf("expected admin role, got %q", admin.Role)
	}
	if err := auth.VerifyPassword(admin.PasswordHash, "demo-password"); err != nil {
		t.Fatalf("password not set: %v", err)
	}
	owned, err := store.ListTasks(ctx, admin.ID)
	if err != nil || len(owned) != 1 {
		t.Fatalf("expected one admin task, got %d (%v)", len(owned), err)
	}
}

func TestApplyRejectsEmptyPassword(t *testing.T) {
	_, err := Apply(context.Background(), memory.New(), DemoUsers, "", bcrypt.MinCost)
	if !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

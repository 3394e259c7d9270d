package pg

import (
	"context"
	"strings"

	"webtasks.org/internal/auth"
)

const actorColumns = `id, email, role, password_hash, refresh_token`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*auth.Actor, error) {
	var (
		a    auth.Actor
		role string
	)
	if err := row.Scan(&a.ID, &a.Email, &role, &a.PasswordHash, &a.RenewalCredential); err != nil {
		return nil, notFound(err)
	}
	a.Role = auth.Role(role)
	return &a, nil
}

func (s *Store) FindActorByID(ctx context.Context, id string) (*auth.Actor, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanActor(s.db.QueryRowContext(ctx,
		`select `+actorColumns+` from users where id = $1`, id))
}

func (s *Store) FindActorByEmail(ctx context.Context, email string) (*auth.Actor, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanActor(s.db.QueryRowContext(ctx,
		`select `+actorColumns+` from users where lower(email) = $1`, strings.ToLower(email)))
}

func (s *Store) SetRenewalCredential(ctx context.Context, actorID, value string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx,
		`update users set refresh_token = $2 where id = $1`, actorID, value)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// SwapRenewalCredential is a single conditional update, so two concurrent
// swaps of the same expected value cannot both succeed.
func (s *Store) SwapRenewalCredential(ctx context.Context, actorID, expected, next string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx,
		`update users set refresh_token = $3 where id = $1 and refresh_token = $2`,
		actorID, expected, next)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from users where id = $1)`, actorID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	return auth.ErrCredentialConflict
}

package pg

import (
	"context"
	"fmt"
	"strings"

	"webtasks.org/internal/account"
	"webtasks.org/internal/auth"
)

const accountColumns = `id, first_name, last_name, email, role, created_at, updated_at`

func scanAccount(row rowScanner) (*account.Account, error) {
	var (
		acc  account.Account
		role string
	)
	if err := row.Scan(&acc.ID, &acc.FirstName, &acc.LastName, &acc.Email, &role, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	acc.Role = auth.Role(role)
	return &acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc *account.Account, passwordHash string) error {
	if s.db == nil {
		return errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, first_name, last_name, email, role, password_hash)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, acc.ID, acc.FirstName, acc.LastName, strings.ToLower(acc.Email), string(acc.Role), passwordHash)
	if err := row.Scan(&acc.CreatedAt, &acc.UpdatedAt); err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) FindAccount(ctx context.Context, id string) (*account.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from users where id = $1`, id))
}

func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+accountColumns+` from users order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*account.Account, 0)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acc)
	}
	return result, rows.Err()
}

func (s *Store) UpdateAccount(ctx context.Context, id string, patch account.Patch) (*account.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if patch.FirstName != nil {
		add("first_name", *patch.FirstName)
	}
	if patch.LastName != nil {
		add("last_name", *patch.LastName)
	}
	if patch.Email != nil {
		add("email", strings.ToLower(*patch.Email))
	}
	if patch.Role != nil {
		add("role", string(*patch.Role))
	}
	if patch.PasswordHash != nil {
		add("password_hash", *patch.PasswordHash)
	}
	if len(sets) == 0 {
		return s.FindAccount(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update users set %s where id = $%d returning %s`, strings.Join(sets, ", "), idx, accountColumns)
	args = append(args, id)
	acc, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return nil, auth.ErrConflict
		}
		return nil, err
	}
	return acc, nil
}

// DeleteAccount relies on the tasks foreign key cascade to drop owned tasks.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
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

package pg

import (
	"context"
	"fmt"
	"strings"

	"webtasks.org/internal/auth"
	"webtasks.org/internal/tasks"
)

const taskColumns = `id, description, done, user_id, created_at, updated_at`

func scanTask(row rowScanner) (*tasks.Task, error) {
	var t tasks.Task
	if err := row.Scan(&t.ID, &t.Description, &t.Done, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *tasks.Task) error {
	if s.db == nil {
		return errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into tasks (id, description, done, user_id)
		values ($1, $2, $3, $4)
		returning created_at, updated_at
	`, t.ID, t.Description, t.Done, t.OwnerID)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		switch {
		case isCode(err, pgErrForeignKeyViolation):
			return fmt.Errorf("%w: owner %s", auth.ErrNotFound, t.OwnerID)
		case isCode(err, pgErrUniqueViolation):
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) FindTask(ctx context.Context, id string) (*tasks.Task, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanTask(s.db.QueryRowContext(ctx,
		`select `+taskColumns+` from tasks where id = $1`, id))
}

func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]*tasks.Task, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	query := `select ` + taskColumns + ` from tasks`
	var args []any
	if ownerID != "" {
		query += ` where user_id = $1`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, query+` order by id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*tasks.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch tasks.Patch) (*tasks.Task, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if patch.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, *patch.Description)
		idx++
	}
	if patch.Done != nil {
		sets = append(sets, fmt.Sprintf("done = $%d", idx))
		args = append(args, *patch.Done)
		idx++
	}
	if len(sets) == 0 {
		return s.FindTask(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update tasks set %s where id = $%d returning %s`, strings.Join(sets, ", "), idx, taskColumns)
	args = append(args, id)
	return scanTask(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from tasks where id = $1`, id)
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

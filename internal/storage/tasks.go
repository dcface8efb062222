package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskbot/internal/todo"
)

const taskColumns = `t.id, t.owner_id, t.title, t.description, t.category_id, COALESCE(c.name, ''),
	t.due_at, t.completed, t.reminder_handle, t.created_at, t.updated_at`

const taskFrom = ` FROM tasks t LEFT JOIN categories c ON c.id = t.category_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*todo.Task, error) {
	var (
		t       todo.Task
		catID   sql.NullString
		due     sql.NullInt64
		handle  sql.NullString
		created int64
		updated int64
	)
	if err := r.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &catID, &t.CategoryName,
		&due, &t.Completed, &handle, &created, &updated); err != nil {
		return nil, err
	}
	t.CategoryID = catID.String
	t.ReminderHandle = handle.String
	if due.Valid {
		d := time.UnixMilli(due.Int64).UTC()
		t.DueAt = &d
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

func dueMillis(d *time.Time) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.UnixMilli(), Valid: true}
}

func (s *Store) InsertTask(ctx context.Context, t *todo.Task) error {
	_, err := s.exec(ctx,
		`INSERT INTO tasks(id, owner_id, title, description, category_id, due_at, completed, reminder_handle, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Title, t.Description, nullStr(t.CategoryID), dueMillis(t.DueAt), t.Completed,
		nullStr(t.ReminderHandle), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*todo.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+taskFrom+` WHERE t.id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, todo.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, ownerID int64, f todo.TaskFilter) ([]todo.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	query := `SELECT ` + taskColumns + taskFrom + ` WHERE t.owner_id = ?`
	args := []any{ownerID}
	if f.CategoryID != "" {
		query += ` AND t.category_id = ?`
		args = append(args, f.CategoryID)
	}
	if !f.OverdueAt.IsZero() {
		query += ` AND t.completed = ? AND t.due_at IS NOT NULL AND t.due_at < ?`
		args = append(args, false, f.OverdueAt.UnixMilli())
	}
	query += ` ORDER BY t.created_at DESC, t.id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []todo.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTask writes the mutable task fields. The reminder handle is left
// alone; SetReminderHandle owns it.
func (s *Store) UpdateTask(ctx context.Context, t *todo.Task) error {
	ok, err := s.execOne(ctx,
		`UPDATE tasks SET title = ?, description = ?, category_id = ?, due_at = ?, completed = ?, updated_at = ?
		 WHERE id = ?`,
		t.Title, t.Description, nullStr(t.CategoryID), dueMillis(t.DueAt), t.Completed, t.UpdatedAt.UnixMilli(), t.ID,
	)
	if err != nil {
		return err
	}
	if !ok {
		return todo.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	ok, err := s.execOne(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if !ok {
		return todo.ErrNotFound
	}
	return nil
}

// SetReminderHandle is the single-field, last-write-wins handle update.
// An empty handle stores NULL.
func (s *Store) SetReminderHandle(ctx context.Context, id, handle string) error {
	ok, err := s.execOne(ctx, `UPDATE tasks SET reminder_handle = ? WHERE id = ?`, nullStr(handle), id)
	if err != nil {
		return err
	}
	if !ok {
		return todo.ErrNotFound
	}
	return nil
}

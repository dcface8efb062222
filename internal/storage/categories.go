package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskbot/internal/todo"
)

func scanCategory(r rowScanner) (*todo.Category, error) {
	var (
		c                todo.Category
		created, updated int64
	)
	if err := r.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description, &c.Color, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return &c, nil
}

func (s *Store) InsertCategory(ctx context.Context, c *todo.Category) error {
	_, err := s.exec(ctx,
		`INSERT INTO categories(id, owner_id, name, description, color, created_at, updated_at) VALUES(?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, c.Name, c.Description, c.Color, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) GetCategory(ctx context.Context, id string) (*todo.Category, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, owner_id, name, description, color, created_at, updated_at FROM categories WHERE id = ?`), id)
	c, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, todo.ErrNotFound
	}
	return c, err
}

func (s *Store) ListCategories(ctx context.Context, ownerID int64) ([]todo.Category, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, owner_id, name, description, color, created_at, updated_at
		 FROM categories WHERE owner_id = ? ORDER BY created_at DESC, id`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []todo.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCategory(ctx context.Context, c *todo.Category) error {
	ok, err := s.execOne(ctx,
		`UPDATE categories SET name = ?, description = ?, color = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.Description, c.Color, c.UpdatedAt.UnixMilli(), c.ID,
	)
	if err != nil {
		return err
	}
	if !ok {
		return todo.ErrNotFound
	}
	return nil
}

// DeleteCategory detaches the category's tasks and removes it.
func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE tasks SET category_id = NULL WHERE category_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM categories WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return todo.ErrNotFound
		}
		return nil
	})
}

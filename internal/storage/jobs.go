package storage

import (
	"context"
	"time"

	"taskbot/internal/job/scheduler"
)

func (s *Store) InsertJob(ctx context.Context, j scheduler.Job) error {
	_, err := s.exec(ctx,
		`INSERT INTO scheduled_jobs(handle, kind, payload, fire_at, created_at) VALUES(?,?,?,?,?)`,
		j.Handle, j.Kind, j.Payload, j.FireAt.UnixMilli(), j.CreatedAt.UnixMilli(),
	)
	return err
}

// DeleteJob removes the job row. The bool is the claim: only one caller
// ever sees true for a handle.
func (s *Store) DeleteJob(ctx context.Context, handle string) (bool, error) {
	return s.execOne(ctx, `DELETE FROM scheduled_jobs WHERE handle = ?`, handle)
}

func (s *Store) ListJobs(ctx context.Context) ([]scheduler.Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, kind, payload, fire_at, created_at FROM scheduled_jobs ORDER BY fire_at, handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scheduler.Job
	for rows.Next() {
		var (
			j               scheduler.Job
			fireAt, created int64
		)
		if err := rows.Scan(&j.Handle, &j.Kind, &j.Payload, &fireAt, &created); err != nil {
			return nil, err
		}
		j.FireAt = time.UnixMilli(fireAt).UTC()
		j.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}

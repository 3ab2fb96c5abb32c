package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classattend/internal/model"
)

const windowCols = `id, course_id, round, opened_at, duration_seconds, opened_by, checkin_count`

func scanWindow(row scanner) (*model.Window, error) {
	var (
		w    model.Window
		secs int
	)
	if err := row.Scan(&w.ID, &w.CourseID, &w.Round, &w.OpenedAt, &secs, &w.OpenedBy, &w.CheckinCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	w.Duration = time.Duration(secs) * time.Second
	return &w, nil
}

// CreateWindow inserts w with the next round number unless the course has a
// window still valid at now. Two concurrent opens race on the
// (course_id, round) key and the loser gets ErrActiveWindow.
func (r *Repository) CreateWindow(ctx context.Context, w *model.Window, now time.Time) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO verification_windows (`+windowCols+`)
		SELECT $1::text, $2::bigint, COALESCE(MAX(round), 0) + 1, $3::timestamptz, $4::int, $5::text, 0
		FROM verification_windows
		WHERE course_id = $2
		HAVING NOT EXISTS (
			SELECT 1 FROM verification_windows
			WHERE course_id = $2 AND opened_at + duration_seconds * interval '1 second' > $6::timestamptz
		)
		RETURNING round
	`, w.ID, w.CourseID, w.OpenedAt, int(w.Duration/time.Second), w.OpenedBy, now).Scan(&w.Round)
	switch {
	case errors.Is(err, sql.ErrNoRows), isUniqueViolation(err):
		return model.ErrActiveWindow
	default:
		return err
	}
}

func (r *Repository) ActiveWindow(ctx context.Context, courseID int64, now time.Time) (*model.Window, error) {
	return scanWindow(r.db.QueryRowContext(ctx, `
		SELECT `+windowCols+` FROM verification_windows
		WHERE course_id = $1 AND opened_at + duration_seconds * interval '1 second' > $2
		ORDER BY round DESC
		LIMIT 1
	`, courseID, now))
}

func (r *Repository) WindowByID(ctx context.Context, id string) (*model.Window, error) {
	return scanWindow(r.db.QueryRowContext(ctx, `SELECT `+windowCols+` FROM verification_windows WHERE id = $1`, id))
}

func (r *Repository) ListWindows(ctx context.Context, courseID int64) ([]model.Window, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+windowCols+` FROM verification_windows WHERE course_id = $1 ORDER BY round DESC
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *w)
	}
	return res, rows.Err()
}

func (r *Repository) IncrementWindowCheckins(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE verification_windows SET checkin_count = checkin_count + 1 WHERE id = $1`, id)
	return err
}

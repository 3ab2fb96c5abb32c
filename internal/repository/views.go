package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"classattend/internal/model"
	"classattend/internal/status"
)

// rosterSelect joins active enrollments with the directory and each
// student's latest record. $1 is the course id, $2 the course code.
const rosterSelect = `
	SELECT e.student_id, st.name, st.class_name, st.major,
		r.student_name, r.class_name, r.major, r.status, r.source, r.id, r.checkin_time
	FROM enrollments e
	LEFT JOIN students st ON st.student_id = e.student_id
	LEFT JOIN LATERAL (
		SELECT id, student_name, class_name, major, status, source, checkin_time
		FROM attendance_records
		WHERE course_id = $1 AND student_id = e.student_id
		ORDER BY ` + latestOrder + `
		LIMIT 1
	) r ON TRUE
	WHERE e.course_code = $2 AND e.active`

func scanRosterRow(row scanner) (*model.RosterRow, error) {
	var (
		out                         model.RosterRow
		stName, stClass, stMajor    sql.NullString
		recName, recClass, recMajor sql.NullString
		recStatus, recSource, recID sql.NullString
	)
	err := row.Scan(&out.ID, &stName, &stClass, &stMajor,
		&recName, &recClass, &recMajor, &recStatus, &recSource, &recID, &out.CheckinTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	out.Name, out.ClassName, out.Major = stName.String, stClass.String, stMajor.String
	out.Status = status.NotStarted
	if !recID.Valid {
		return &out, nil
	}
	if out.Status, err = status.Parse(recStatus.String); err != nil {
		return nil, fmt.Errorf("roster row %s: %w", recID.String, err)
	}
	if out.Source, err = status.ParseSource(recSource.String); err != nil {
		return nil, fmt.Errorf("roster row %s: %w", recID.String, err)
	}
	out.RecordID = recID.String
	if out.Name == "" {
		out.Name, out.ClassName, out.Major = recName.String, recClass.String, recMajor.String
	}
	return &out, nil
}

func (r *Repository) queryRoster(ctx context.Context, query string, args ...any) ([]model.RosterRow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.RosterRow
	for rows.Next() {
		row, err := scanRosterRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *row)
	}
	return res, rows.Err()
}

// LiveRow joins the latest record with the roster; both must exist.
func (r *Repository) LiveRow(ctx context.Context, course *model.Course, studentID string) (*model.RosterRow, error) {
	row, err := r.FutureRow(ctx, course, studentID)
	if err != nil || row == nil || row.RecordID == "" {
		return nil, err
	}
	return row, nil
}

// FutureRow joins the roster with the latest record when there is one.
func (r *Repository) FutureRow(ctx context.Context, course *model.Course, studentID string) (*model.RosterRow, error) {
	return scanRosterRow(r.db.QueryRowContext(ctx, rosterSelect+` AND e.student_id = $3`, course.ID, course.Code, studentID))
}

// LiveRoster lists every active student of the course with their latest
// record; students without one are not_started.
func (r *Repository) LiveRoster(ctx context.Context, course *model.Course) ([]model.RosterRow, error) {
	return r.queryRoster(ctx, rosterSelect+` ORDER BY e.student_id COLLATE "C"`, course.ID, course.Code)
}

// SummaryRoster lists every active student with their summary outcome;
// students without a summary row attended.
func (r *Repository) SummaryRoster(ctx context.Context, course *model.Course) ([]model.RosterRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.student_id, COALESCE(st.name, ''), COALESCE(st.class_name, ''), COALESCE(st.major, ''),
			COALESCE(s.status, $3)
		FROM enrollments e
		LEFT JOIN students st ON st.student_id = e.student_id
		LEFT JOIN attendance_summaries s ON s.course_id = $1 AND s.student_id = e.student_id
		WHERE e.course_code = $2 AND e.active
		ORDER BY e.student_id COLLATE "C"
	`, course.ID, course.Code, status.Present)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.RosterRow
	for rows.Next() {
		var row model.RosterRow
		if err := rows.Scan(&row.ID, &row.Name, &row.ClassName, &row.Major, &row.Status); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// Package repository persists attendance data in Postgres. It implements
// every store interface the services declare, with the same conflict rules
// as the in-memory store.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"classattend/internal/model"
	"classattend/internal/store"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Repository) tx(ctx context.Context, fn func(ctx context.Context, tx store.DBTX) error) error {
	return store.RunInTx(ctx, r.db, nil, fn)
}

// ── courses ──

const courseCols = `id, external_id, course_code, name, semester, teacher_codes, start_time, end_time,
	teaching_week, weekday, location, need_checkin, checkin_before_minutes, checkin_after_minutes,
	late_after_minutes, auto_absent_after_minutes`

func scanCourse(row scanner) (*model.Course, error) {
	var c model.Course
	err := row.Scan(&c.ID, &c.ExternalID, &c.Code, &c.Name, &c.Semester, pq.Array(&c.TeacherCodes),
		&c.StartTime, &c.EndTime, &c.TeachingWeek, &c.Weekday, &c.Location, &c.NeedCheckin,
		&c.CheckinBeforeMinutes, &c.CheckinAfterMinutes, &c.LateAfterMinutes, &c.AutoAbsentAfterMins)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repository) queryCourses(ctx context.Context, query string, args ...any) ([]model.Course, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *c)
	}
	return res, rows.Err()
}

// UpsertCourse writes a course from the schedule sync, keyed by external id.
func (r *Repository) UpsertCourse(ctx context.Context, c *model.Course) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO courses (external_id, course_code, name, semester, teacher_codes, start_time, end_time,
			teaching_week, weekday, location, need_checkin, checkin_before_minutes, checkin_after_minutes,
			late_after_minutes, auto_absent_after_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (external_id) DO UPDATE SET
			course_code = EXCLUDED.course_code, name = EXCLUDED.name, semester = EXCLUDED.semester,
			teacher_codes = EXCLUDED.teacher_codes, start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
			teaching_week = EXCLUDED.teaching_week, weekday = EXCLUDED.weekday, location = EXCLUDED.location,
			checkin_before_minutes = EXCLUDED.checkin_before_minutes, checkin_after_minutes = EXCLUDED.checkin_after_minutes,
			late_after_minutes = EXCLUDED.late_after_minutes, auto_absent_after_minutes = EXCLUDED.auto_absent_after_minutes
		RETURNING id
	`, c.ExternalID, c.Code, c.Name, c.Semester, pq.Array(c.TeacherCodes), c.StartTime, c.EndTime,
		c.TeachingWeek, c.Weekday, c.Location, c.NeedCheckin, c.CheckinBeforeMinutes, c.CheckinAfterMinutes,
		c.LateAfterMinutes, c.AutoAbsentAfterMins).Scan(&c.ID)
}

func (r *Repository) CourseByID(ctx context.Context, id int64) (*model.Course, error) {
	return scanCourse(r.db.QueryRowContext(ctx, `SELECT `+courseCols+` FROM courses WHERE id = $1`, id))
}

func (r *Repository) CourseByExternalID(ctx context.Context, externalID string) (*model.Course, error) {
	return scanCourse(r.db.QueryRowContext(ctx, `SELECT `+courseCols+` FROM courses WHERE external_id = $1`, externalID))
}

// CoursesByTeacher lists sessions taught by teacherCode starting in [from, to).
func (r *Repository) CoursesByTeacher(ctx context.Context, teacherCode string, from, to time.Time) ([]model.Course, error) {
	return r.queryCourses(ctx, `
		SELECT `+courseCols+` FROM courses
		WHERE $1 = ANY(teacher_codes) AND start_time >= $2 AND start_time < $3
		ORDER BY start_time, id
	`, teacherCode, from, to)
}

func (r *Repository) SetNeedCheckin(ctx context.Context, id int64, need bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE courses SET need_checkin = $2 WHERE id = $1`, id, need)
	return err
}

// SweepCandidates lists courses that ended within [endedAfter, now]. The
// sweep rebuilds their summaries and marks absences once a check-in
// course passes its deadline.
func (r *Repository) SweepCandidates(ctx context.Context, endedAfter, now time.Time) ([]model.Course, error) {
	return r.queryCourses(ctx, `
		SELECT `+courseCols+` FROM courses
		WHERE end_time >= $1 AND end_time <= $2
		ORDER BY id
	`, endedAfter, now)
}

// ── directory ──

// UpsertStudent writes a directory entry from the roster sync.
func (r *Repository) UpsertStudent(ctx context.Context, st model.Student) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (student_id, name, class_name, major)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id) DO UPDATE SET name = EXCLUDED.name, class_name = EXCLUDED.class_name, major = EXCLUDED.major
	`, st.ID, st.Name, st.ClassName, st.Major)
	return err
}

// SetEnrollment records a roster membership from the roster sync.
func (r *Repository) SetEnrollment(ctx context.Context, courseCode, studentID string, active bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollments (course_code, student_id, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (course_code, student_id) DO UPDATE SET active = EXCLUDED.active
	`, courseCode, studentID, active)
	return err
}

func (r *Repository) IsEnrolled(ctx context.Context, courseCode, studentID string) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx, `
		SELECT active FROM enrollments WHERE course_code = $1 AND student_id = $2
	`, courseCode, studentID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return active, err
}

func (r *Repository) StudentByID(ctx context.Context, id string) (*model.Student, error) {
	var st model.Student
	err := r.db.QueryRowContext(ctx, `
		SELECT student_id, name, class_name, major FROM students WHERE student_id = $1
	`, id).Scan(&st.ID, &st.Name, &st.ClassName, &st.Major)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"classattend/internal/model"
	"classattend/internal/status"
	"classattend/internal/store"
)

const recordCols = `id, course_id, student_id, student_name, class_name, major, status, source, checkin_time,
	location, latitude, longitude, window_id, photo_url, photo_offset_meters, photo_reason, face_score,
	reviewed_by, review_comment, reviewed_at, manual_by, manual_reason, manual_at, created_at`

// latestOrder picks the record that defines a pair's status. ULIDs compare
// bytewise, so the tie-break ignores the database collation.
const latestOrder = `created_at DESC, id COLLATE "C" DESC`

func scanRecord(row scanner) (*model.Record, error) {
	var (
		rec      model.Record
		photoURL string
		offset   *float64
		reason   string
		score    *float64
	)
	err := row.Scan(&rec.ID, &rec.CourseID, &rec.StudentID, &rec.StudentName, &rec.ClassName, &rec.Major,
		&rec.Status, &rec.Source, &rec.CheckinTime, &rec.Location, &rec.Latitude, &rec.Longitude, &rec.WindowID,
		&photoURL, &offset, &reason, &score, &rec.ReviewedBy, &rec.ReviewComment, &rec.ReviewedAt,
		&rec.ManualBy, &rec.ManualReason, &rec.ManualAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if photoURL != "" {
		rec.Photo = &model.Photo{URL: photoURL, Reason: reason, FaceScore: score}
		if offset != nil {
			rec.Photo.OffsetMeters = *offset
		}
	}
	return &rec, nil
}

func insertRecord(ctx context.Context, db store.DBTX, rec *model.Record, onConflict string) (sql.Result, error) {
	var (
		photoURL, reason string
		offset, score    *float64
	)
	if rec.Photo != nil {
		photoURL, reason, score = rec.Photo.URL, rec.Photo.Reason, rec.Photo.FaceScore
		o := rec.Photo.OffsetMeters
		offset = &o
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`+onConflict,
		rec.ID, rec.CourseID, rec.StudentID, rec.StudentName, rec.ClassName, rec.Major, rec.Status, rec.Source,
		rec.CheckinTime, rec.Location, rec.Latitude, rec.Longitude, rec.WindowID, photoURL, offset, reason, score,
		rec.ReviewedBy, rec.ReviewComment, rec.ReviewedAt, rec.ManualBy, rec.ManualReason, rec.ManualAt, rec.CreatedAt)
}

// InsertRecord adds rec and reports false when a student-initiated record
// with the same check-in second already exists.
func (r *Repository) InsertRecord(ctx context.Context, rec *model.Record) (bool, error) {
	res, err := insertRecord(ctx, r.db, rec, `ON CONFLICT DO NOTHING`)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) RecordByID(ctx context.Context, id string) (*model.Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM attendance_records WHERE id = $1`, id))
}

func (r *Repository) FindCheckin(ctx context.Context, courseID int64, studentID string, at time.Time) (*model.Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+` FROM attendance_records
		WHERE course_id = $1 AND student_id = $2 AND checkin_time = $3 AND source <> $4
		LIMIT 1
	`, courseID, studentID, at, status.SourceManual))
}

func (r *Repository) LatestRecord(ctx context.Context, courseID int64, studentID string) (*model.Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+` FROM attendance_records
		WHERE course_id = $1 AND student_id = $2
		ORDER BY `+latestOrder+`
		LIMIT 1
	`, courseID, studentID))
}

// ReviewPhoto moves a photo record out of pending_approval.
func (r *Repository) ReviewPhoto(ctx context.Context, id string, to status.Status, reviewer, comment string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, reviewed_by = $3, review_comment = $4, reviewed_at = $5
		WHERE id = $1 AND status = $6
	`, id, to, reviewer, comment, at, status.PendingApproval)
	return staleIfNone(res, err)
}

// MarkAbsent records an absence for every student of the course whose
// latest record still awaits a check-in, and for every active student with
// no record at all. Sweeps of the same course are serialized.
func (r *Repository) MarkAbsent(ctx context.Context, course *model.Course, at time.Time) (int64, error) {
	var n int64
	err := r.tx(ctx, func(ctx context.Context, tx store.DBTX) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, course.ID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			WITH latest AS (
				SELECT DISTINCT ON (student_id) id, status
				FROM attendance_records
				WHERE course_id = $1
				ORDER BY student_id, `+latestOrder+`
			)
			UPDATE attendance_records r SET status = $2
			FROM latest
			WHERE r.id = latest.id AND latest.status IN ($3, $4)
		`, course.ID, status.Absent, status.NotStarted, status.LeaveRejected)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}

		missing, err := studentsWithoutRecord(ctx, tx, course)
		if err != nil {
			return err
		}
		for _, st := range missing {
			rec := &model.Record{
				ID:          model.NewRecordID(),
				CourseID:    course.ID,
				StudentID:   st.ID,
				StudentName: st.Name,
				ClassName:   st.ClassName,
				Major:       st.Major,
				Status:      status.Absent,
				Source:      status.SourceRegular,
				CreatedAt:   at,
			}
			if _, err := insertRecord(ctx, tx, rec, ""); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func studentsWithoutRecord(ctx context.Context, tx store.DBTX, course *model.Course) ([]model.Student, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT e.student_id, COALESCE(st.name, ''), COALESCE(st.class_name, ''), COALESCE(st.major, '')
		FROM enrollments e
		LEFT JOIN students st ON st.student_id = e.student_id
		WHERE e.course_code = $2 AND e.active
		  AND NOT EXISTS (SELECT 1 FROM attendance_records r WHERE r.course_id = $1 AND r.student_id = e.student_id)
		ORDER BY e.student_id COLLATE "C"
	`, course.ID, course.Code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Student
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.ClassName, &st.Major); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// summaryOutcome computes each student's past-day outcome following
// model.Course.SummaryStatus: the active roster plus anyone holding a
// record. $1 is the course id, $2 the course code, $3 need_checkin; %s
// narrows the students.
const summaryOutcome = `
	WITH members AS (
		SELECT student_id FROM enrollments WHERE course_code = $2 AND active
		UNION
		SELECT student_id FROM attendance_records WHERE course_id = $1
	), outcome AS (
		SELECT m.student_id,
			CASE
				WHEN l.status IS NULL OR l.status = 'unstarted' THEN
					CASE WHEN $3::boolean THEN 'not_started' ELSE 'present' END
				WHEN NOT $3::boolean AND l.status IN ('not_started', 'leave_rejected') THEN 'present'
				ELSE l.status
			END AS status
		FROM members m
		LEFT JOIN LATERAL (
			SELECT status FROM attendance_records
			WHERE course_id = $1 AND student_id = m.student_id
			ORDER BY ` + latestOrder + `
			LIMIT 1
		) l ON TRUE
		WHERE %s
	)`

// RebuildSummaries rewrites every summary row of the course. Only
// non-present outcomes are kept.
func (r *Repository) RebuildSummaries(ctx context.Context, course *model.Course, at time.Time) (int64, error) {
	return r.writeSummaries(ctx, course, "", at)
}

// RefreshSummary rewrites one student's summary row after a record change.
func (r *Repository) RefreshSummary(ctx context.Context, course *model.Course, studentID string, at time.Time) error {
	_, err := r.writeSummaries(ctx, course, studentID, at)
	return err
}

func (r *Repository) writeSummaries(ctx context.Context, course *model.Course, studentID string, at time.Time) (int64, error) {
	filter, args := "TRUE", []any{course.ID, course.Code, course.NeedCheckin}
	if studentID != "" {
		filter, args = "m.student_id = $4", append(args, studentID)
	}
	source := fmt.Sprintf(summaryOutcome, filter)
	var n int64
	err := r.tx(ctx, func(ctx context.Context, tx store.DBTX) error {
		if _, err := tx.ExecContext(ctx, source+`
			DELETE FROM attendance_summaries s
			USING outcome o
			WHERE s.course_id = $1 AND s.student_id = o.student_id AND o.status = 'present'
		`, args...); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, source+fmt.Sprintf(`
			INSERT INTO attendance_summaries (course_id, student_id, status, updated_at)
			SELECT $1, student_id, status, $%d::timestamptz FROM outcome WHERE status <> 'present'
			ON CONFLICT (course_id, student_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		`, len(args)+1), append(args, at)...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (r *Repository) SummaryFor(ctx context.Context, courseID int64, studentID string) (*model.SummaryRow, error) {
	var row model.SummaryRow
	err := r.db.QueryRowContext(ctx, `
		SELECT course_id, student_id, status, updated_at FROM attendance_summaries
		WHERE course_id = $1 AND student_id = $2
	`, courseID, studentID).Scan(&row.CourseID, &row.StudentID, &row.Status, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

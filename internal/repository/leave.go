package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classattend/internal/model"
	"classattend/internal/status"
	"classattend/internal/store"
)

// FileLeave writes the record change, application and approval of one
// leave submission atomically.
func (r *Repository) FileLeave(ctx context.Context, f model.LeaveFiling) error {
	return r.tx(ctx, func(ctx context.Context, tx store.DBTX) error {
		if f.NewRecord {
			rec := *f.Record
			rec.Status = status.LeavePending
			if _, err := insertRecord(ctx, tx, &rec, ""); err != nil {
				return err
			}
		} else {
			var exists bool
			if err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (SELECT 1 FROM leave_applications WHERE record_id = $1 AND status <> $2)
			`, f.Record.ID, status.LeaveStatusWithdrawn).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return model.ErrDuplicateLeave
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE attendance_records SET status = $2 WHERE id = $1 AND status = $3
			`, f.Record.ID, status.LeavePending, f.Application.PriorStatus)
			if err := staleIfNone(res, err); err != nil {
				return err
			}
		}

		app := f.Application
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leave_applications (id, record_id, student_id, course_id, teacher_code, leave_type, reason,
				status, prior_status, applied_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, app.ID, app.RecordID, app.StudentID, app.CourseID, app.TeacherCode, app.LeaveType, app.Reason,
			app.Status, app.PriorStatus, app.AppliedAt); err != nil {
			if isUniqueViolation(err) {
				return model.ErrDuplicateLeave
			}
			return err
		}

		a := f.Approval
		_, err := tx.ExecContext(ctx, `
			INSERT INTO leave_approvals (id, application_id, approver_code, result, seq, is_final, comment)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, a.ID, a.ApplicationID, a.ApproverCode, a.Result, a.Seq, a.IsFinal, a.Comment)
		return err
	})
}

func (r *Repository) AddAttachment(ctx context.Context, a *model.LeaveAttachment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leave_attachments (id, application_id, file_name, content_type, url, upload_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, a.ID, a.ApplicationID, a.FileName, a.ContentType, a.URL, a.UploadError, a.CreatedAt)
	return err
}

func (r *Repository) LeaveByID(ctx context.Context, id string) (*model.LeaveApplication, error) {
	var app model.LeaveApplication
	err := r.db.QueryRowContext(ctx, `
		SELECT id, record_id, student_id, course_id, teacher_code, leave_type, reason, status, prior_status,
			applied_at, decided_at, decision_comment
		FROM leave_applications WHERE id = $1
	`, id).Scan(&app.ID, &app.RecordID, &app.StudentID, &app.CourseID, &app.TeacherCode, &app.LeaveType, &app.Reason,
		&app.Status, &app.PriorStatus, &app.AppliedAt, &app.DecidedAt, &app.DecisionComment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &app, nil
}

// ApprovalFor returns the final approval step of an application.
func (r *Repository) ApprovalFor(ctx context.Context, applicationID string) (*model.LeaveApproval, error) {
	var a model.LeaveApproval
	err := r.db.QueryRowContext(ctx, `
		SELECT id, application_id, approver_code, result, seq, is_final, comment, decided_at
		FROM leave_approvals WHERE application_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, applicationID).Scan(&a.ID, &a.ApplicationID, &a.ApproverCode, &a.Result, &a.Seq, &a.IsFinal, &a.Comment, &a.DecidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *Repository) AttachmentsFor(ctx context.Context, applicationID string) ([]model.LeaveAttachment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, application_id, file_name, content_type, url, upload_error, created_at
		FROM leave_attachments WHERE application_id = $1
		ORDER BY created_at, id
	`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.LeaveAttachment
	for rows.Next() {
		var a model.LeaveAttachment
		if err := rows.Scan(&a.ID, &a.ApplicationID, &a.FileName, &a.ContentType, &a.URL, &a.UploadError, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// WithdrawLeave cancels a pending application and restores the record's
// status from before the filing.
func (r *Repository) WithdrawLeave(ctx context.Context, applicationID string, at time.Time) error {
	return r.tx(ctx, func(ctx context.Context, tx store.DBTX) error {
		var (
			recordID string
			prior    status.Status
		)
		err := tx.QueryRowContext(ctx, `
			UPDATE leave_applications SET status = $2, decided_at = $3
			WHERE id = $1 AND status = $4
			RETURNING record_id, prior_status
		`, applicationID, status.LeaveStatusWithdrawn, at, status.LeaveStatusPending).Scan(&recordID, &prior)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrStaleState
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE attendance_records SET status = $2 WHERE id = $1 AND status = $3
		`, recordID, prior, status.LeavePending)
		return err
	})
}

// DecideLeave applies an approver's verdict to the application, its
// approval step and, while still leave_pending, the record.
func (r *Repository) DecideLeave(ctx context.Context, d model.LeaveDecision) error {
	return r.tx(ctx, func(ctx context.Context, tx store.DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE leave_applications SET status = $2, decided_at = $3, decision_comment = $4
			WHERE id = $1 AND status = $5
		`, d.ApplicationID, d.AppStatus, d.DecidedAt, d.Comment, status.LeaveStatusPending)
		if err := staleIfNone(res, err); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE leave_approvals SET result = $3, comment = $4, decided_at = $5
			WHERE id = $1 AND application_id = $2 AND result = $6
		`, d.ApprovalID, d.ApplicationID, d.Result, d.Comment, d.DecidedAt, status.ApprovalPending)
		if err := staleIfNone(res, err); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE attendance_records SET status = $2 WHERE id = $1 AND status = $3
		`, d.RecordID, d.RecordStatus, status.LeavePending)
		return err
	})
}

func staleIfNone(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrStaleState
	}
	return nil
}

package checkin

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/model"
	"classattend/internal/status"
)

// Manual is a teacher's direct entry for one student.
type Manual struct {
	StudentID string        `json:"student_id"`
	Status    status.Status `json:"status"`
	Reason    string        `json:"reason"`
}

// ManualCheckin inserts a manual record. It ignores time windows and never
// deduplicates; the newest record decides the student's status.
func (p *Processor) ManualCheckin(ctx context.Context, caller model.Caller, courseID int64, m Manual) (*model.Record, error) {
	if m.StudentID == "" {
		return nil, apperr.Validation("student_id required")
	}
	if m.Status == 0 {
		m.Status = status.Present
	}
	if !m.Status.ManualAllowed() {
		return nil, apperr.Validation("status %s cannot be set manually", m.Status)
	}
	course, err := p.ownedCourse(ctx, caller, courseID)
	if err != nil {
		return nil, err
	}
	enrolled, err := p.store.IsEnrolled(ctx, course.Code, m.StudentID)
	if err != nil {
		return nil, apperr.Internal("check enrollment", err)
	}
	if !enrolled {
		return nil, apperr.Permission("student %s is not enrolled in %s", m.StudentID, course.Code)
	}
	student, err := p.store.StudentByID(ctx, m.StudentID)
	if err != nil {
		return nil, apperr.Internal("load student", err)
	}

	now := p.now()
	rec := &model.Record{
		ID:           model.NewRecordID(),
		CourseID:     course.ID,
		StudentID:    m.StudentID,
		Status:       m.Status,
		Source:       status.SourceManual,
		ManualBy:     caller.ID,
		ManualReason: m.Reason,
		ManualAt:     &now,
		CreatedAt:    now,
	}
	if m.Status.CheckedIn() {
		at := now.Truncate(time.Second)
		rec.CheckinTime = &at
	}
	if student != nil {
		rec.StudentName = student.Name
		rec.ClassName = student.ClassName
		rec.Major = student.Major
	}
	if _, err := p.store.InsertRecord(ctx, rec); err != nil {
		return nil, apperr.Internal("insert manual record", err)
	}
	p.refreshSummary(ctx, course, m.StudentID)
	p.log.Info("manual check-in",
		zap.Int64("course_id", course.ID),
		zap.String("student_id", m.StudentID),
		zap.String("status", m.Status.String()),
		zap.String("teacher", caller.ID),
	)
	return rec, nil
}

// ReviewPhoto approves (present) or rejects (absent) a photo check-in.
func (p *Processor) ReviewPhoto(ctx context.Context, caller model.Caller, recordID string, approve bool, comment string) (*model.Record, error) {
	rec, err := p.store.RecordByID(ctx, recordID)
	if err != nil {
		return nil, apperr.Internal("load record", err)
	}
	if rec == nil {
		return nil, apperr.NotFound("record %s not found", recordID)
	}
	course, err := p.ownedCourse(ctx, caller, rec.CourseID)
	if err != nil {
		return nil, err
	}
	if rec.Status != status.PendingApproval || rec.Photo == nil {
		return nil, apperr.BusinessRule("record %s is not a photo check-in awaiting review", recordID)
	}

	to := status.Absent
	if approve {
		to = status.Present
	}
	now := p.now()
	if err := p.store.ReviewPhoto(ctx, recordID, to, caller.ID, comment, now); err != nil {
		if errors.Is(err, model.ErrStaleState) {
			return nil, apperr.BusinessRule("record %s was already reviewed", recordID)
		}
		return nil, apperr.Internal("review photo", err)
	}
	p.refreshSummary(ctx, course, rec.StudentID)
	rec.Status = to
	rec.ReviewedBy = caller.ID
	rec.ReviewComment = comment
	rec.ReviewedAt = &now
	return rec, nil
}

// SetNeedCheckin toggles whether a course expects check-ins. Only allowed
// before the course starts.
func (p *Processor) SetNeedCheckin(ctx context.Context, caller model.Caller, courseID int64, need bool) error {
	course, err := p.ownedCourse(ctx, caller, courseID)
	if err != nil {
		return err
	}
	if !p.now().Before(course.StartTime) {
		return apperr.BusinessRule("need_checkin can only change before the course starts")
	}
	if err := p.store.SetNeedCheckin(ctx, course.ID, need); err != nil {
		return apperr.Internal("update need_checkin", err)
	}
	return nil
}

func (p *Processor) ownedCourse(ctx context.Context, caller model.Caller, courseID int64) (*model.Course, error) {
	course, err := p.store.CourseByID(ctx, courseID)
	if err != nil {
		return nil, apperr.Internal("load course", err)
	}
	if course == nil {
		return nil, apperr.NotFound("course %d not found", courseID)
	}
	if caller.Role != status.RoleTeacher || !course.HasTeacher(caller.ID) {
		return nil, apperr.Permission("only a teacher of this course can do that")
	}
	return course, nil
}

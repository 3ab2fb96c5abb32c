// Package leave runs the leave application workflow:
// leave_pending → {leave, leave_rejected, withdrawn}. Every transition is a
// compare-and-swap in the store, so concurrent withdraw and decide calls
// cannot both win.
package leave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/status"
)

// Store is the persistence the workflow needs.
type Store interface {
	CourseByID(ctx context.Context, id int64) (*model.Course, error)
	IsEnrolled(ctx context.Context, courseCode, studentID string) (bool, error)
	StudentByID(ctx context.Context, id string) (*model.Student, error)
	RecordByID(ctx context.Context, id string) (*model.Record, error)
	LatestRecord(ctx context.Context, courseID int64, studentID string) (*model.Record, error)

	FileLeave(ctx context.Context, f model.LeaveFiling) error
	AddAttachment(ctx context.Context, a *model.LeaveAttachment) error
	LeaveByID(ctx context.Context, id string) (*model.LeaveApplication, error)
	ApprovalFor(ctx context.Context, applicationID string) (*model.LeaveApproval, error)
	AttachmentsFor(ctx context.Context, applicationID string) ([]model.LeaveAttachment, error)
	WithdrawLeave(ctx context.Context, applicationID string, at time.Time) error
	DecideLeave(ctx context.Context, d model.LeaveDecision) error
	RefreshSummary(ctx context.Context, course *model.Course, studentID string, at time.Time) error
}

// Uploader stores attachment bytes and returns a public URL.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Attachment is a file sent with a leave request.
type Attachment struct {
	FileName    string `json:"file_name" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"max=127"`
	Data        []byte `json:"data" validate:"required,max=10485760"`
}

// Request files a leave. Either RecordID or CourseID identifies the session.
type Request struct {
	RecordID    string       `json:"record_id"`
	CourseID    int64        `json:"course_id" validate:"required_without=RecordID"`
	LeaveType   string       `json:"leave_type" validate:"required,oneof=sick personal official other"`
	Reason      string       `json:"reason" validate:"required,max=1000"`
	Attachments []Attachment `json:"attachments" validate:"max=5,dive"`
}

// Detail is an application with its approval step and attachments.
type Detail struct {
	Application *model.LeaveApplication `json:"application"`
	Approval    *model.LeaveApproval    `json:"approval"`
	Attachments []model.LeaveAttachment `json:"attachments"`
}

type Service struct {
	store    Store
	blobs    Uploader
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

// NewService builds the workflow. blobs may be nil, in which case every
// attachment is recorded as failed.
func NewService(store Store, blobs Uploader, log *zap.Logger) *Service {
	return &Service{store: store, blobs: blobs, validate: validator.New(), log: log, now: time.Now}
}

// Submit files a leave for one attendance record, creating the record when
// the student has none for the course yet.
func (s *Service) Submit(ctx context.Context, caller model.Caller, req Request) (*Detail, error) {
	if caller.Role != status.RoleStudent || caller.ID == "" {
		return nil, apperr.Permission("only students can apply for leave")
	}
	if err := apperr.Validate(s.validate, req); err != nil {
		return nil, err
	}

	course, rec, err := s.resolveRecord(ctx, caller, req)
	if err != nil {
		return nil, err
	}
	approver := course.PrimaryTeacher()
	if approver == "" {
		return nil, apperr.BusinessRule("course %s has no teacher to approve leave", course.Code)
	}

	now := s.now()
	filing := model.LeaveFiling{Record: rec}
	prior := status.NotStarted
	if rec == nil {
		student, err := s.store.StudentByID(ctx, caller.ID)
		if err != nil {
			return nil, apperr.Internal("load student", err)
		}
		rec = &model.Record{
			ID:        model.NewRecordID(),
			CourseID:  course.ID,
			StudentID: caller.ID,
			Status:    status.LeavePending,
			Source:    status.SourceRegular,
			CreatedAt: now,
		}
		if student != nil {
			rec.StudentName, rec.ClassName, rec.Major = student.Name, student.ClassName, student.Major
		}
		filing.Record, filing.NewRecord = rec, true
	} else {
		switch {
		case rec.Status == status.LeavePending || rec.Status == status.Leave:
			return nil, apperr.BusinessRule("record already has an active leave application")
		case !rec.Status.LeaveFileable():
			return nil, apperr.BusinessRule("cannot apply for leave on a %s record", rec.Status)
		}
		prior = rec.Status
	}

	app := &model.LeaveApplication{
		ID:          uuid.NewString(),
		RecordID:    rec.ID,
		StudentID:   caller.ID,
		CourseID:    course.ID,
		TeacherCode: approver,
		LeaveType:   req.LeaveType,
		Reason:      req.Reason,
		Status:      status.LeaveStatusPending,
		PriorStatus: prior,
		AppliedAt:   now,
	}
	approval := &model.LeaveApproval{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		ApproverCode:  approver,
		Result:        status.ApprovalPending,
		Seq:           1,
		IsFinal:       true,
	}
	filing.Application, filing.Approval = app, approval

	if err := s.store.FileLeave(ctx, filing); err != nil {
		switch {
		case errors.Is(err, model.ErrDuplicateLeave):
			return nil, apperr.BusinessRule("record already has an active leave application")
		case errors.Is(err, model.ErrStaleState):
			return nil, apperr.BusinessRule("record changed while filing the leave, try again")
		default:
			return nil, apperr.Internal("file leave", err)
		}
	}
	metrics.LeaveTransitions.WithLabelValues(status.LeaveStatusPending.String()).Inc()
	s.log.Info("leave filed",
		zap.String("application_id", app.ID),
		zap.String("record_id", rec.ID),
		zap.String("student_id", caller.ID),
		zap.String("approver", approver),
		zap.Bool("new_record", filing.NewRecord),
	)
	s.refreshSummary(ctx, course, caller.ID)

	atts := s.storeAttachments(ctx, app.ID, req.Attachments)
	return &Detail{Application: app, Approval: approval, Attachments: atts}, nil
}

func (s *Service) resolveRecord(ctx context.Context, caller model.Caller, req Request) (*model.Course, *model.Record, error) {
	if req.RecordID != "" {
		rec, err := s.store.RecordByID(ctx, req.RecordID)
		if err != nil {
			return nil, nil, apperr.Internal("load record", err)
		}
		if rec == nil {
			return nil, nil, apperr.NotFound("record %s not found", req.RecordID)
		}
		if rec.StudentID != caller.ID {
			return nil, nil, apperr.Permission("record %s belongs to another student", req.RecordID)
		}
		course, err := s.course(ctx, rec.CourseID)
		if err != nil {
			return nil, nil, err
		}
		return course, rec, nil
	}

	course, err := s.course(ctx, req.CourseID)
	if err != nil {
		return nil, nil, err
	}
	enrolled, err := s.store.IsEnrolled(ctx, course.Code, caller.ID)
	if err != nil {
		return nil, nil, apperr.Internal("check enrollment", err)
	}
	if !enrolled {
		return nil, nil, apperr.Permission("not enrolled in %s", course.Code)
	}
	rec, err := s.store.LatestRecord(ctx, course.ID, caller.ID)
	if err != nil {
		return nil, nil, apperr.Internal("load latest record", err)
	}
	return course, rec, nil
}

// storeAttachments uploads after the application is committed. Failures are
// kept on the attachment row and never fail the submission.
func (s *Service) storeAttachments(ctx context.Context, appID string, files []Attachment) []model.LeaveAttachment {
	out := make([]model.LeaveAttachment, 0, len(files))
	for _, f := range files {
		att := model.LeaveAttachment{
			ID:            uuid.NewString(),
			ApplicationID: appID,
			FileName:      f.FileName,
			ContentType:   f.ContentType,
			CreatedAt:     s.now(),
		}
		if s.blobs == nil {
			att.UploadError = "no blob store configured"
		} else {
			url, err := s.blobs.Upload(ctx, fmt.Sprintf("%s/%s-%s", appID, att.ID, f.FileName), f.ContentType, f.Data)
			if err != nil {
				att.UploadError = err.Error()
			} else {
				att.URL = url
			}
		}
		if att.UploadError != "" {
			s.log.Warn("leave attachment upload failed",
				zap.String("application_id", appID),
				zap.String("file", f.FileName),
				zap.String("error", att.UploadError),
			)
		}
		if err := s.store.AddAttachment(ctx, &att); err != nil {
			s.log.Error("leave attachment not recorded", zap.String("application_id", appID), zap.Error(err))
			continue
		}
		out = append(out, att)
	}
	return out
}

// Withdraw cancels a pending application. The record returns to the status
// it had before the leave was filed.
func (s *Service) Withdraw(ctx context.Context, caller model.Caller, appID string) (*model.LeaveApplication, error) {
	app, err := s.application(ctx, appID)
	if err != nil {
		return nil, err
	}
	if caller.Role != status.RoleStudent || app.StudentID != caller.ID {
		return nil, apperr.Permission("only the applicant can withdraw a leave")
	}
	if app.Status != status.LeaveStatusPending {
		return nil, apperr.BusinessRule("leave is %s, only pending applications can be withdrawn", app.Status)
	}
	now := s.now()
	if err := s.store.WithdrawLeave(ctx, appID, now); err != nil {
		if errors.Is(err, model.ErrStaleState) {
			return nil, apperr.BusinessRule("leave was decided before the withdrawal")
		}
		return nil, apperr.Internal("withdraw leave", err)
	}
	if course, err := s.store.CourseByID(ctx, app.CourseID); err != nil || course == nil {
		s.log.Warn("summary not refreshed", zap.Int64("course_id", app.CourseID), zap.Error(err))
	} else {
		s.refreshSummary(ctx, course, app.StudentID)
	}
	app.Status = status.LeaveStatusWithdrawn
	app.DecidedAt = &now
	metrics.LeaveTransitions.WithLabelValues(status.LeaveStatusWithdrawn.String()).Inc()
	s.log.Info("leave withdrawn", zap.String("application_id", appID), zap.String("student_id", caller.ID))
	return app, nil
}

// Decide applies the approver's verdict. Approval moves the record to leave.
// Rejection moves it to leave_rejected so the student may still check in, or
// straight to absent once the course's absence deadline has passed.
func (s *Service) Decide(ctx context.Context, caller model.Caller, appID string, approve bool, comment string) (*Detail, error) {
	app, err := s.application(ctx, appID)
	if err != nil {
		return nil, err
	}
	approval, err := s.store.ApprovalFor(ctx, appID)
	if err != nil {
		return nil, apperr.Internal("load approval", err)
	}
	if approval == nil {
		return nil, apperr.NotFound("no approval step for leave %s", appID)
	}
	if caller.Role != status.RoleTeacher || approval.ApproverCode != caller.ID {
		return nil, apperr.Permission("only the designated approver can decide this leave")
	}
	if app.Status != status.LeaveStatusPending || approval.Result != status.ApprovalPending {
		return nil, apperr.BusinessRule("leave is %s, only pending applications can be decided", app.Status)
	}

	course, err := s.course(ctx, app.CourseID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	d := model.LeaveDecision{
		ApplicationID: app.ID,
		ApprovalID:    approval.ID,
		RecordID:      app.RecordID,
		Result:        status.ApprovalApproved,
		AppStatus:     status.LeaveStatusApproved,
		Comment:       comment,
		DecidedAt:     now,
	}
	if !approve {
		d.Result, d.AppStatus = status.ApprovalRejected, status.LeaveStatusRejected
		if course.NeedCheckin && !now.Before(course.AbsentDeadline()) {
			d.RecordStatus = status.Absent
		}
	}
	if d.RecordStatus == 0 {
		d.RecordStatus, _ = d.AppStatus.RecordStatus()
	}
	if err := s.store.DecideLeave(ctx, d); err != nil {
		if errors.Is(err, model.ErrStaleState) {
			return nil, apperr.BusinessRule("leave changed state before the decision")
		}
		return nil, apperr.Internal("decide leave", err)
	}
	s.refreshSummary(ctx, course, app.StudentID)

	app.Status, app.DecidedAt, app.DecisionComment = d.AppStatus, &now, comment
	approval.Result, approval.DecidedAt, approval.Comment = d.Result, &now, comment
	metrics.LeaveTransitions.WithLabelValues(d.AppStatus.String()).Inc()
	s.log.Info("leave decided",
		zap.String("application_id", appID),
		zap.String("result", d.Result.String()),
		zap.String("record_status", d.RecordStatus.String()),
		zap.String("approver", caller.ID),
	)
	atts, err := s.store.AttachmentsFor(ctx, appID)
	if err != nil {
		return nil, apperr.Internal("load attachments", err)
	}
	return &Detail{Application: app, Approval: approval, Attachments: atts}, nil
}

// Get shows an application to its applicant or its approver.
func (s *Service) Get(ctx context.Context, caller model.Caller, appID string) (*Detail, error) {
	app, err := s.application(ctx, appID)
	if err != nil {
		return nil, err
	}
	approval, err := s.store.ApprovalFor(ctx, appID)
	if err != nil {
		return nil, apperr.Internal("load approval", err)
	}
	owner := caller.Role == status.RoleStudent && caller.ID == app.StudentID
	approver := caller.Role == status.RoleTeacher && approval != nil && caller.ID == approval.ApproverCode
	if !owner && !approver {
		return nil, apperr.Permission("not allowed to view leave %s", appID)
	}
	atts, err := s.store.AttachmentsFor(ctx, appID)
	if err != nil {
		return nil, apperr.Internal("load attachments", err)
	}
	return &Detail{Application: app, Approval: approval, Attachments: atts}, nil
}

func (s *Service) application(ctx context.Context, id string) (*model.LeaveApplication, error) {
	app, err := s.store.LeaveByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal("load leave", err)
	}
	if app == nil {
		return nil, apperr.NotFound("leave %s not found", id)
	}
	return app, nil
}

// refreshSummary keeps the past-day projection in step with a record
// change. The next sweep rebuilds it if this fails.
func (s *Service) refreshSummary(ctx context.Context, course *model.Course, studentID string) {
	if err := s.store.RefreshSummary(ctx, course, studentID, s.now()); err != nil {
		s.log.Warn("summary not refreshed",
			zap.Int64("course_id", course.ID),
			zap.String("student_id", studentID),
			zap.Error(err),
		)
	}
}

func (s *Service) course(ctx context.Context, id int64) (*model.Course, error) {
	course, err := s.store.CourseByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal("load course", err)
	}
	if course == nil {
		return nil, apperr.NotFound("course %d not found", id)
	}
	return course, nil
}

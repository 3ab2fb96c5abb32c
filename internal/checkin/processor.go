package checkin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/model"
	"classattend/internal/status"
)

// Store is the persistence the check-in paths need. InsertRecord reports
// false when an equivalent student check-in already exists.
type Store interface {
	CourseByID(ctx context.Context, id int64) (*model.Course, error)
	CourseByExternalID(ctx context.Context, externalID string) (*model.Course, error)
	SetNeedCheckin(ctx context.Context, id int64, need bool) error
	IsEnrolled(ctx context.Context, courseCode, studentID string) (bool, error)
	StudentByID(ctx context.Context, id string) (*model.Student, error)
	FindCheckin(ctx context.Context, courseID int64, studentID string, at time.Time) (*model.Record, error)
	InsertRecord(ctx context.Context, r *model.Record) (bool, error)
	RecordByID(ctx context.Context, id string) (*model.Record, error)
	ReviewPhoto(ctx context.Context, id string, to status.Status, reviewer, comment string, at time.Time) error
	IncrementWindowCheckins(ctx context.Context, id string) error
	RefreshSummary(ctx context.Context, course *model.Course, studentID string, at time.Time) error
}

// WindowVerifier checks a window check-in against the stored window.
type WindowVerifier interface {
	Verify(ctx context.Context, courseID int64, windowID string, t time.Time) (*model.Window, error)
}

// FaceScorer rates a photo against the student's enrolled face.
type FaceScorer interface {
	Score(ctx context.Context, studentID, imageURL string) (float64, error)
}

// Options bound self-service check-ins around the course start.
type Options struct {
	Before time.Duration
	After  time.Duration
}

// Result is what processing one check-in produced.
type Result struct {
	RecordID  string        `json:"record_id"`
	Status    status.Status `json:"status"`
	Duplicate bool          `json:"duplicate"`
}

// Processor turns check-in payloads into records.
type Processor struct {
	store   Store
	windows WindowVerifier
	face    FaceScorer
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// NewProcessor builds a processor. face may be nil.
func NewProcessor(store Store, windows WindowVerifier, face FaceScorer, opts Options, log *zap.Logger) *Processor {
	if opts.Before <= 0 {
		opts.Before = 10 * time.Minute
	}
	if opts.After <= 0 {
		opts.After = 10 * time.Minute
	}
	return &Processor{store: store, windows: windows, face: face, opts: opts, log: log, now: time.Now}
}

// Process runs the check-in steps in order; the first failure wins. Fatal
// failures are apperr kinds other than INTERNAL.
func (p *Processor) Process(ctx context.Context, pl Payload) (*Result, error) {
	if pl.StudentID == "" || pl.CourseExternalID == "" {
		return nil, apperr.Validation("student and course required")
	}
	at := pl.CheckinTime.Truncate(time.Second)
	mode := pl.Modality()

	if err := p.checkTime(mode, pl, at); err != nil {
		return nil, err
	}

	course, err := p.store.CourseByExternalID(ctx, pl.CourseExternalID)
	if err != nil {
		return nil, apperr.Internal("load course", err)
	}
	if course == nil {
		return nil, apperr.NotFound("course %s not found", pl.CourseExternalID)
	}
	var win *model.Window
	if mode == ModalityWindow {
		if win, err = p.windows.Verify(ctx, course.ID, pl.WindowID, at); err != nil {
			return nil, err
		}
	}

	existing, err := p.store.FindCheckin(ctx, course.ID, pl.StudentID, at)
	if err != nil {
		return nil, apperr.Internal("find check-in", err)
	}
	if existing != nil {
		return &Result{RecordID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}

	enrolled, err := p.store.IsEnrolled(ctx, course.Code, pl.StudentID)
	if err != nil {
		return nil, apperr.Internal("check enrollment", err)
	}
	if !enrolled {
		return nil, apperr.Permission("student %s is not enrolled in %s", pl.StudentID, course.Code)
	}

	student, err := p.store.StudentByID(ctx, pl.StudentID)
	if err != nil {
		return nil, apperr.Internal("load student", err)
	}

	rec := &model.Record{
		ID:          model.NewRecordID(),
		CourseID:    course.ID,
		StudentID:   pl.StudentID,
		Status:      status.Present,
		Source:      status.SourceRegular,
		CheckinTime: &at,
		Location:    pl.Location,
		Latitude:    pl.Latitude,
		Longitude:   pl.Longitude,
		CreatedAt:   p.now(),
	}
	if student != nil {
		rec.StudentName = student.Name
		rec.ClassName = student.ClassName
		rec.Major = student.Major
	}
	switch mode {
	case ModalityPhoto:
		rec.Status = status.PendingApproval
		rec.Source = status.SourcePhoto
		rec.Photo = &model.Photo{URL: pl.Photo.URL, OffsetMeters: pl.Photo.OffsetMeters, Reason: pl.Photo.Reason}
		rec.Photo.FaceScore = p.faceScore(ctx, pl.StudentID, pl.Photo.URL)
	case ModalityWindow:
		rec.Source = status.SourceWindow
		rec.WindowID = win.ID
	}

	inserted, err := p.store.InsertRecord(ctx, rec)
	if err != nil {
		return nil, apperr.Internal("insert record", err)
	}
	if !inserted {
		// another worker won the race on the same check-in
		existing, err := p.store.FindCheckin(ctx, course.ID, pl.StudentID, at)
		if err != nil || existing == nil {
			return nil, apperr.Internal("reload duplicate check-in", err)
		}
		return &Result{RecordID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}
	if win != nil {
		if err := p.store.IncrementWindowCheckins(ctx, win.ID); err != nil {
			p.log.Warn("window check-in count not updated", zap.String("window_id", win.ID), zap.Error(err))
		}
	}
	p.refreshSummary(ctx, course, pl.StudentID)
	return &Result{RecordID: rec.ID, Status: rec.Status}, nil
}

// refreshSummary keeps the past-day projection in step with a record
// change. The next sweep rebuilds it if this fails.
func (p *Processor) refreshSummary(ctx context.Context, course *model.Course, studentID string) {
	if err := p.store.RefreshSummary(ctx, course, studentID, p.now()); err != nil {
		p.log.Warn("summary not refreshed",
			zap.Int64("course_id", course.ID),
			zap.String("student_id", studentID),
			zap.Error(err),
		)
	}
}

func (p *Processor) checkTime(mode Modality, pl Payload, at time.Time) error {
	switch mode {
	case ModalityPhoto:
		return nil
	case ModalityWindow:
		if at.Before(*pl.WindowOpen) || at.After(*pl.WindowClose) {
			return apperr.TimeWindow("check-in at %s is outside the verification window", at.Format(time.RFC3339))
		}
		return nil
	case ModalitySelf:
		if pl.CourseStart == nil {
			return apperr.Validation("course start required")
		}
		from, to := pl.CourseStart.Add(-p.opts.Before), pl.CourseStart.Add(p.opts.After)
		if at.Before(from) || at.After(to) {
			return apperr.TimeWindow("check-in at %s is outside %s to %s",
				at.Format(time.RFC3339), from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
		return nil
	default:
		return apperr.Validation("unknown check-in modality %q", mode)
	}
}

func (p *Processor) faceScore(ctx context.Context, studentID, url string) *float64 {
	if p.face == nil {
		return nil
	}
	score, err := p.face.Score(ctx, studentID, url)
	if err != nil {
		p.log.Warn("face scoring failed", zap.String("student_id", studentID), zap.Error(err))
		return nil
	}
	return &score
}

// Package view answers "what is the state of this course for this viewer
// now". The read model depends on where the course's date falls relative to
// today: finished days come from summary rows, today from live records, and
// upcoming days from live records narrowed to filed leave.
package view

import (
	"context"
	"time"

	"classattend/internal/apperr"
	"classattend/internal/model"
	"classattend/internal/status"
	"classattend/internal/window"
)

// Store exposes the read models.
type Store interface {
	CourseByID(ctx context.Context, id int64) (*model.Course, error)
	CoursesByTeacher(ctx context.Context, teacherCode string, from, to time.Time) ([]model.Course, error)
	SummaryFor(ctx context.Context, courseID int64, studentID string) (*model.SummaryRow, error)
	LiveRow(ctx context.Context, course *model.Course, studentID string) (*model.RosterRow, error)
	FutureRow(ctx context.Context, course *model.Course, studentID string) (*model.RosterRow, error)
	SummaryRoster(ctx context.Context, course *model.Course) ([]model.RosterRow, error)
	LiveRoster(ctx context.Context, course *model.Course) ([]model.RosterRow, error)
}

// Windows reports the currently valid verification window of a course.
type Windows interface {
	Active(ctx context.Context, courseID int64) (*model.Window, error)
}

// Classify compares calendar dates in loc, ignoring time of day.
func Classify(start, now time.Time, loc *time.Location) status.Category {
	sy, sm, sd := start.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	s := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	n := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	switch {
	case s.Before(n):
		return status.Past
	case s.After(n):
		return status.Future
	default:
		return status.Current
	}
}

// StudentView is one student's status for one course.
type StudentView struct {
	Course      *model.Course   `json:"course"`
	Category    status.Category `json:"category"`
	Status      status.Status   `json:"status"`
	Source      status.Source   `json:"source,omitempty"`
	RecordID    string          `json:"record_id,omitempty"`
	CheckinTime *time.Time      `json:"checkin_time,omitempty"`
	Window      *window.View    `json:"window,omitempty"`
}

// Counts tallies a teacher's roster. CheckedIn covers present and late.
type Counts struct {
	Total     int `json:"total"`
	CheckedIn int `json:"checked_in"`
	Absent    int `json:"absent"`
	Leave     int `json:"leave"`
	Truant    int `json:"truant"`
}

// TeacherView is the roster of one course.
type TeacherView struct {
	Course   *model.Course     `json:"course"`
	Category status.Category   `json:"category"`
	Counts   Counts            `json:"counts"`
	Students []model.RosterRow `json:"students"`
	Window   *window.View      `json:"window,omitempty"`
}

// Result is what View returns: exactly one of the two is set.
type Result struct {
	Student *StudentView `json:"student,omitempty"`
	Teacher *TeacherView `json:"teacher,omitempty"`
}

type Resolver struct {
	store   Store
	windows Windows
	loc     *time.Location
	now     func() time.Time
}

func NewResolver(store Store, windows Windows, loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{store: store, windows: windows, loc: loc, now: time.Now}
}

// View dispatches on the caller's role.
func (r *Resolver) View(ctx context.Context, caller model.Caller, courseID int64) (*Result, error) {
	switch caller.Role {
	case status.RoleStudent:
		v, err := r.StudentView(ctx, caller, courseID)
		if err != nil {
			return nil, err
		}
		return &Result{Student: v}, nil
	case status.RoleTeacher:
		v, err := r.TeacherView(ctx, caller, courseID)
		if err != nil {
			return nil, err
		}
		return &Result{Teacher: v}, nil
	default:
		return nil, apperr.Permission("role %s has no course view", caller.Role)
	}
}

func (r *Resolver) StudentView(ctx context.Context, caller model.Caller, courseID int64) (*StudentView, error) {
	if caller.Role != status.RoleStudent {
		return nil, apperr.Permission("student view requires a student")
	}
	course, err := r.course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := &StudentView{Course: course, Category: Classify(course.StartTime, now, r.loc)}

	switch out.Category {
	case status.Past:
		row, err := r.store.SummaryFor(ctx, course.ID, caller.ID)
		if err != nil {
			return nil, apperr.Internal("load summary", err)
		}
		out.Status = status.Present
		if row != nil {
			out.Status = row.Status
		}
	case status.Current:
		row, err := r.store.LiveRow(ctx, course, caller.ID)
		if err != nil {
			return nil, apperr.Internal("load attendance", err)
		}
		if row == nil {
			return nil, apperr.NotFound("no attendance for course %d", courseID)
		}
		fill(out, row, row.Status)
		if out.Window, err = r.activeWindow(ctx, course.ID, now); err != nil {
			return nil, err
		}
	case status.Future:
		row, err := r.store.FutureRow(ctx, course, caller.ID)
		if err != nil {
			return nil, apperr.Internal("load attendance", err)
		}
		if row == nil {
			return nil, apperr.NotFound("not enrolled in course %d", courseID)
		}
		fill(out, row, row.Status.ForFutureDay())
	default:
		return nil, apperr.Internal("classify course", nil)
	}
	return out, nil
}

func fill(v *StudentView, row *model.RosterRow, st status.Status) {
	v.Status = st
	v.Source = row.Source
	v.RecordID = row.RecordID
	v.CheckinTime = row.CheckinTime
}

func (r *Resolver) TeacherView(ctx context.Context, caller model.Caller, courseID int64) (*TeacherView, error) {
	course, err := r.course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if caller.Role != status.RoleTeacher || !course.HasTeacher(caller.ID) {
		return nil, apperr.Permission("only a teacher of this course can see its roster")
	}
	now := r.now()
	out := &TeacherView{Course: course, Category: Classify(course.StartTime, now, r.loc)}

	switch out.Category {
	case status.Past:
		out.Students, err = r.store.SummaryRoster(ctx, course)
	case status.Current:
		out.Students, err = r.store.LiveRoster(ctx, course)
		if err == nil {
			out.Window, err = r.activeWindow(ctx, course.ID, now)
		}
	case status.Future:
		out.Students, err = r.store.LiveRoster(ctx, course)
		for i := range out.Students {
			out.Students[i].Status = out.Students[i].Status.ForFutureDay()
		}
	default:
		return nil, apperr.Internal("classify course", nil)
	}
	if err != nil {
		return nil, apperr.Internal("load roster", err)
	}
	if out.Students == nil {
		out.Students = []model.RosterRow{}
	}
	out.Counts = count(out.Students)
	return out, nil
}

func count(rows []model.RosterRow) Counts {
	c := Counts{Total: len(rows)}
	for _, row := range rows {
		switch {
		case row.Status.CheckedIn():
			c.CheckedIn++
		case row.Status == status.Absent:
			c.Absent++
		case row.Status == status.Leave:
			c.Leave++
		case row.Status == status.Truant:
			c.Truant++
		}
	}
	return c
}

// Schedule lists a teacher's courses starting within [from, to).
func (r *Resolver) Schedule(ctx context.Context, caller model.Caller, from, to time.Time) ([]model.Course, error) {
	if caller.Role != status.RoleTeacher {
		return nil, apperr.Permission("schedule is only available to teachers")
	}
	if !from.Before(to) {
		return nil, apperr.Validation("from must be before to")
	}
	courses, err := r.store.CoursesByTeacher(ctx, caller.ID, from, to)
	if err != nil {
		return nil, apperr.Internal("list courses", err)
	}
	return courses, nil
}

func (r *Resolver) activeWindow(ctx context.Context, courseID int64, now time.Time) (*window.View, error) {
	if r.windows == nil {
		return nil, nil
	}
	w, err := r.windows.Active(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, nil
	}
	v := window.ViewOf(w, now)
	return &v, nil
}

func (r *Resolver) course(ctx context.Context, id int64) (*model.Course, error) {
	course, err := r.store.CourseByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal("load course", err)
	}
	if course == nil {
		return nil, apperr.NotFound("course %d not found", id)
	}
	return course, nil
}

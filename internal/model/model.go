// Package model defines the records shared by the attendance services and
// the stores behind them.
package model

import (
	"errors"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"classattend/internal/status"
)

// Store-level conflicts. Services translate them into caller-facing errors.
var (
	// ErrActiveWindow is returned when a course already has a valid window, or
	// a concurrent open claimed the same round.
	ErrActiveWindow = errors.New("course already has an active verification window")
	// ErrStaleState is returned when a compare-and-swap found the row in a
	// different state than expected.
	ErrStaleState = errors.New("record changed state concurrently")
	// ErrDuplicateLeave is returned when a record already has a live leave
	// application.
	ErrDuplicateLeave = errors.New("record already has an active leave application")
)

// Caller is the authenticated actor of a request.
type Caller struct {
	ID   string
	Role status.Role
}

// Course is one scheduled class session.
type Course struct {
	ID                   int64     `json:"id"`
	ExternalID           string    `json:"external_id"`
	Code                 string    `json:"code"`
	Name                 string    `json:"name"`
	Semester             string    `json:"semester"`
	TeacherCodes         []string  `json:"teacher_codes"`
	StartTime            time.Time `json:"start_time"`
	EndTime              time.Time `json:"end_time"`
	TeachingWeek         int       `json:"teaching_week"`
	Weekday              int       `json:"weekday"`
	Location             string    `json:"location"`
	NeedCheckin          bool      `json:"need_checkin"`
	CheckinBeforeMinutes int       `json:"checkin_before_minutes"`
	CheckinAfterMinutes  int       `json:"checkin_after_minutes"`
	LateAfterMinutes     int       `json:"late_after_minutes"`
	AutoAbsentAfterMins  int       `json:"auto_absent_after_minutes"`
}

// HasTeacher reports whether code is one of the course's teachers.
func (c *Course) HasTeacher(code string) bool {
	return code != "" && slices.Contains(c.TeacherCodes, code)
}

// PrimaryTeacher is the first listed teacher, who approves leave.
func (c *Course) PrimaryTeacher() string {
	if len(c.TeacherCodes) == 0 {
		return ""
	}
	return c.TeacherCodes[0]
}

// AbsentDeadline is the moment the sweep may mark missing students absent.
func (c *Course) AbsentDeadline() time.Time {
	return c.EndTime.Add(time.Duration(c.AutoAbsentAfterMins) * time.Minute)
}

// SummaryStatus is the past-day outcome of a student whose latest record
// has status latest, or zero when the student has no record. Without
// check-in nobody can miss one, so awaiting states count as attended.
func (c *Course) SummaryStatus(latest status.Status) status.Status {
	switch {
	case latest == 0 || latest == status.Unstarted:
		if c.NeedCheckin {
			return status.NotStarted
		}
		return status.Present
	case !c.NeedCheckin && latest.AwaitingCheckin():
		return status.Present
	default:
		return latest
	}
}

// Student is the directory entry copied onto records.
type Student struct {
	ID        string `json:"student_id"`
	Name      string `json:"name"`
	ClassName string `json:"class_name"`
	Major     string `json:"major"`
}

// Photo holds the evidence of a photo check-in.
type Photo struct {
	URL          string   `json:"url"`
	OffsetMeters float64  `json:"offset_meters"`
	Reason       string   `json:"reason,omitempty"`
	FaceScore    *float64 `json:"face_score,omitempty"`
}

// Record is one attendance row. Check-in paths only ever insert records.
type Record struct {
	ID          string        `json:"id"`
	CourseID    int64         `json:"course_id"`
	StudentID   string        `json:"student_id"`
	StudentName string        `json:"student_name"`
	ClassName   string        `json:"class_name"`
	Major       string        `json:"major"`
	Status      status.Status `json:"status"`
	Source      status.Source `json:"source"`
	CheckinTime *time.Time    `json:"checkin_time,omitempty"`
	Location    string        `json:"location,omitempty"`
	Latitude    *float64      `json:"latitude,omitempty"`
	Longitude   *float64      `json:"longitude,omitempty"`
	WindowID    string        `json:"window_id,omitempty"`
	Photo       *Photo        `json:"photo,omitempty"`

	ReviewedBy    string     `json:"reviewed_by,omitempty"`
	ReviewComment string     `json:"review_comment,omitempty"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`

	ManualBy     string     `json:"manual_by,omitempty"`
	ManualReason string     `json:"manual_reason,omitempty"`
	ManualAt     *time.Time `json:"manual_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewRecordID returns a lexically sortable id that increases within the
// process, so later inserts win creation-time ties.
func NewRecordID() string { return ulid.Make().String() }

// Newer reports whether r supersedes o for the same (course, student).
// Creation time decides; ids are monotonic ULIDs and break ties.
func (r *Record) Newer(o *Record) bool {
	if !r.CreatedAt.Equal(o.CreatedAt) {
		return r.CreatedAt.After(o.CreatedAt)
	}
	return r.ID > o.ID
}

// Latest returns the record that defines the current status, or nil.
func Latest(records []Record) *Record {
	var best *Record
	for i := range records {
		if best == nil || records[i].Newer(best) {
			best = &records[i]
		}
	}
	return best
}

// Window is a teacher-opened verification round.
type Window struct {
	ID           string        `json:"id"`
	CourseID     int64         `json:"course_id"`
	Round        int           `json:"round"`
	OpenedAt     time.Time     `json:"opened_at"`
	Duration     time.Duration `json:"-"`
	OpenedBy     string        `json:"opened_by"`
	CheckinCount int           `json:"checkin_count"`
}

// ClosesAt is the first instant the window no longer accepts check-ins.
func (w *Window) ClosesAt() time.Time { return w.OpenedAt.Add(w.Duration) }

// ValidAt reports whether the window is open at t.
func (w *Window) ValidAt(t time.Time) bool { return t.Before(w.ClosesAt()) }

// Accepts reports whether a check-in made at t falls inside the window.
func (w *Window) Accepts(t time.Time) bool {
	return !t.Before(w.OpenedAt) && !t.After(w.ClosesAt())
}

// StatusAt derives the window state at t.
func (w *Window) StatusAt(t time.Time) status.WindowStatus {
	if w.ValidAt(t) {
		return status.WindowOpen
	}
	return status.WindowExpired
}

// LeaveApplication is a student's request to be excused from one record.
type LeaveApplication struct {
	ID              string             `json:"id"`
	RecordID        string             `json:"record_id"`
	StudentID       string             `json:"student_id"`
	CourseID        int64              `json:"course_id"`
	TeacherCode     string             `json:"teacher_code"`
	LeaveType       string             `json:"leave_type"`
	Reason          string             `json:"reason"`
	Status          status.LeaveStatus `json:"status"`
	PriorStatus     status.Status      `json:"prior_status"`
	AppliedAt       time.Time          `json:"applied_at"`
	DecidedAt       *time.Time         `json:"decided_at,omitempty"`
	DecisionComment string             `json:"decision_comment,omitempty"`
}

// LeaveApproval is one approver's step on an application.
type LeaveApproval struct {
	ID            string                `json:"id"`
	ApplicationID string                `json:"application_id"`
	ApproverCode  string                `json:"approver_code"`
	Result        status.ApprovalResult `json:"result"`
	Seq           int                   `json:"seq"`
	IsFinal       bool                  `json:"is_final"`
	Comment       string                `json:"comment,omitempty"`
	DecidedAt     *time.Time            `json:"decided_at,omitempty"`
}

// LeaveAttachment is a supporting file. UploadError is set when the blob
// store rejected it; the application stands regardless.
type LeaveAttachment struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	FileName      string    `json:"file_name"`
	ContentType   string    `json:"content_type"`
	URL           string    `json:"url,omitempty"`
	UploadError   string    `json:"upload_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// LeaveFiling is everything a leave submission writes in one transaction.
// When NewRecord is set the record is inserted, otherwise it moves from
// Application.PriorStatus to leave_pending.
type LeaveFiling struct {
	Record      *Record
	NewRecord   bool
	Application *LeaveApplication
	Approval    *LeaveApproval
}

// LeaveDecision is an approver's verdict applied in one transaction.
type LeaveDecision struct {
	ApplicationID string
	ApprovalID    string
	RecordID      string
	Result        status.ApprovalResult
	AppStatus     status.LeaveStatus
	RecordStatus  status.Status
	Comment       string
	DecidedAt     time.Time
}

// RosterRow is one student's line in a course view.
type RosterRow struct {
	Student
	Status      status.Status `json:"status"`
	Source      status.Source `json:"source,omitempty"`
	RecordID    string        `json:"record_id,omitempty"`
	CheckinTime *time.Time    `json:"checkin_time,omitempty"`
}

// SummaryRow is the precomputed outcome of a finished course for one
// student. Only non-present outcomes are stored.
type SummaryRow struct {
	CourseID  int64         `json:"course_id"`
	StudentID string        `json:"student_id"`
	Status    status.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Package memstore is an in-memory implementation of every store the
// attendance services consume. It backs STORE_BACKEND=memory and the
// service tests, and follows the same conflict rules as the Postgres store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"classattend/internal/model"
	"classattend/internal/status"
)

type enrollKey struct {
	code      string
	studentID string
}

type summaryKey struct {
	courseID  int64
	studentID string
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	nextCourseID int64
	courses      map[int64]*model.Course
	students     map[string]*model.Student
	enrollments  map[enrollKey]bool
	records      map[string]*model.Record
	windows      map[string]*model.Window
	leaves       map[string]*model.LeaveApplication
	approvals    map[string]*model.LeaveApproval
	attachments  map[string][]model.LeaveAttachment
	summaries    map[summaryKey]*model.SummaryRow
}

func New() *Store {
	return &Store{
		courses:     make(map[int64]*model.Course),
		students:    make(map[string]*model.Student),
		enrollments: make(map[enrollKey]bool),
		records:     make(map[string]*model.Record),
		windows:     make(map[string]*model.Window),
		leaves:      make(map[string]*model.LeaveApplication),
		approvals:   make(map[string]*model.LeaveApproval),
		attachments: make(map[string][]model.LeaveAttachment),
		summaries:   make(map[summaryKey]*model.SummaryRow),
	}
}

// ── seeding (what the external sync owns) ──

// PutCourse stores c, assigning an id when it has none, and returns the id.
func (s *Store) PutCourse(c model.Course) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		s.nextCourseID++
		c.ID = s.nextCourseID
	} else if c.ID > s.nextCourseID {
		s.nextCourseID = c.ID
	}
	c.TeacherCodes = append([]string(nil), c.TeacherCodes...)
	s.courses[c.ID] = &c
	return c.ID
}

func (s *Store) PutStudent(st model.Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[st.ID] = &st
}

func (s *Store) Enroll(courseCode, studentID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[enrollKey{courseCode, studentID}] = active
}

// UpsertCourse stores c keyed by external id. An existing course keeps its
// id and need_checkin flag, as the database upsert does.
func (s *Store) UpsertCourse(_ context.Context, c *model.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.TeacherCodes = append([]string(nil), c.TeacherCodes...)
	for id, old := range s.courses {
		if old.ExternalID == c.ExternalID {
			cp.ID, cp.NeedCheckin = id, old.NeedCheckin
			s.courses[id] = &cp
			c.ID = id
			return nil
		}
	}
	s.nextCourseID++
	cp.ID = s.nextCourseID
	s.courses[cp.ID] = &cp
	c.ID = cp.ID
	return nil
}

func (s *Store) UpsertStudent(_ context.Context, st model.Student) error {
	s.PutStudent(st)
	return nil
}

func (s *Store) SetEnrollment(_ context.Context, courseCode, studentID string, active bool) error {
	s.Enroll(courseCode, studentID, active)
	return nil
}

// PutRecord stores r as is, bypassing check-in dedup.
func (s *Store) PutRecord(r model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = model.NewRecordID()
	}
	s.records[r.ID] = copyRecord(&r)
}

func (s *Store) PutSummary(row model.SummaryRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summaryKey{row.CourseID, row.StudentID}] = &row
}

// Records returns every record of a (course, student) pair in creation order.
func (s *Store) Records(courseID int64, studentID string) []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pairRecords(courseID, studentID)
	sort.Slice(out, func(i, j int) bool { return out[j].Newer(&out[i]) })
	return out
}

// ── courses ──

func (s *Store) CourseByID(_ context.Context, id int64) (*model.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCourse(s.courses[id]), nil
}

func (s *Store) CourseByExternalID(_ context.Context, externalID string) (*model.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.courses {
		if c.ExternalID == externalID {
			return copyCourse(c), nil
		}
	}
	return nil, nil
}

func (s *Store) CoursesByTeacher(_ context.Context, teacherCode string, from, to time.Time) ([]model.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Course
	for _, c := range s.courses {
		if c.HasTeacher(teacherCode) && !c.StartTime.Before(from) && c.StartTime.Before(to) {
			out = append(out, *copyCourse(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) SetNeedCheckin(_ context.Context, id int64, need bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.courses[id]; ok {
		c.NeedCheckin = need
	}
	return nil
}

func (s *Store) SweepCandidates(_ context.Context, endedAfter, now time.Time) ([]model.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Course
	for _, c := range s.courses {
		if !c.EndTime.Before(endedAfter) && !c.EndTime.After(now) {
			out = append(out, *copyCourse(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── directory ──

func (s *Store) IsEnrolled(_ context.Context, courseCode, studentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollments[enrollKey{courseCode, studentID}], nil
}

func (s *Store) StudentByID(_ context.Context, id string) (*model.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[id]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// ── records ──

// InsertRecord adds r unless a student-initiated record for the same
// (course, student, check-in time) exists, mirroring the unique index.
func (s *Store) InsertRecord(_ context.Context, r *model.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CheckinTime != nil && r.Source != status.SourceManual {
		if s.findCheckin(r.CourseID, r.StudentID, *r.CheckinTime) != nil {
			return false, nil
		}
	}
	s.records[r.ID] = copyRecord(r)
	return true, nil
}

func (s *Store) RecordByID(_ context.Context, id string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecord(s.records[id]), nil
}

func (s *Store) FindCheckin(_ context.Context, courseID int64, studentID string, at time.Time) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecord(s.findCheckin(courseID, studentID, at)), nil
}

func (s *Store) findCheckin(courseID int64, studentID string, at time.Time) *model.Record {
	for _, r := range s.records {
		if r.CourseID == courseID && r.StudentID == studentID && r.Source != status.SourceManual &&
			r.CheckinTime != nil && r.CheckinTime.Equal(at) {
			return r
		}
	}
	return nil
}

func (s *Store) LatestRecord(_ context.Context, courseID int64, studentID string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecord(model.Latest(s.pairRecords(courseID, studentID))), nil
}

func (s *Store) ReviewPhoto(_ context.Context, id string, to status.Status, reviewer, comment string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status != status.PendingApproval {
		return model.ErrStaleState
	}
	r.Status = to
	r.ReviewedBy = reviewer
	r.ReviewComment = comment
	r.ReviewedAt = &at
	return nil
}

// MarkAbsent records an absence for every student whose latest record still
// awaits a check-in, and for every active student with no record at all.
func (s *Store) MarkAbsent(_ context.Context, course *model.Course, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	latest := s.latestByStudent(course.ID)
	for _, r := range latest {
		if r.Status.AwaitingCheckin() {
			r.Status = status.Absent
			n++
		}
	}
	for _, id := range s.roster(course.Code) {
		if _, ok := latest[id]; ok {
			continue
		}
		rec := &model.Record{
			ID:        model.NewRecordID(),
			CourseID:  course.ID,
			StudentID: id,
			Status:    status.Absent,
			Source:    status.SourceRegular,
			CreatedAt: at,
		}
		if st, ok := s.students[id]; ok {
			rec.StudentName, rec.ClassName, rec.Major = st.Name, st.ClassName, st.Major
		}
		s.records[rec.ID] = rec
		n++
	}
	return n, nil
}

// RebuildSummaries rewrites every summary row of the course from the roster
// and the latest records.
func (s *Store) RebuildSummaries(_ context.Context, course *model.Course, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.latestByStudent(course.ID)
	members := make(map[string]bool, len(latest))
	for id := range latest {
		members[id] = true
	}
	for _, id := range s.roster(course.Code) {
		members[id] = true
	}
	var n int64
	for id := range members {
		var st status.Status
		if r, ok := latest[id]; ok {
			st = r.Status
		}
		if s.writeSummary(course, id, st, at) {
			n++
		}
	}
	return n, nil
}

// RefreshSummary rewrites one student's summary row after a record change.
func (s *Store) RefreshSummary(_ context.Context, course *model.Course, studentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := model.Latest(s.pairRecords(course.ID, studentID))
	if latest == nil && !s.enrollments[enrollKey{course.Code, studentID}] {
		return nil
	}
	var st status.Status
	if latest != nil {
		st = latest.Status
	}
	s.writeSummary(course, studentID, st, at)
	return nil
}

// writeSummary stores the outcome for latest and reports whether a row was
// kept.
func (s *Store) writeSummary(course *model.Course, studentID string, latest status.Status, at time.Time) bool {
	key := summaryKey{course.ID, studentID}
	outcome := course.SummaryStatus(latest)
	if outcome == status.Present {
		delete(s.summaries, key)
		return false
	}
	s.summaries[key] = &model.SummaryRow{CourseID: course.ID, StudentID: studentID, Status: outcome, UpdatedAt: at}
	return true
}

func (s *Store) pairRecords(courseID int64, studentID string) []model.Record {
	var out []model.Record
	for _, r := range s.records {
		if r.CourseID == courseID && r.StudentID == studentID {
			out = append(out, *copyRecord(r))
		}
	}
	return out
}

func (s *Store) latestByStudent(courseID int64) map[string]*model.Record {
	out := make(map[string]*model.Record)
	for _, r := range s.records {
		if r.CourseID != courseID {
			continue
		}
		if cur, ok := out[r.StudentID]; !ok || r.Newer(cur) {
			out[r.StudentID] = r
		}
	}
	return out
}

// ── windows ──

func (s *Store) CreateWindow(_ context.Context, w *model.Window, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxRound := 0
	for _, existing := range s.windows {
		if existing.CourseID != w.CourseID {
			continue
		}
		if existing.ValidAt(now) {
			return model.ErrActiveWindow
		}
		if existing.Round > maxRound {
			maxRound = existing.Round
		}
	}
	w.Round = maxRound + 1
	cp := *w
	s.windows[w.ID] = &cp
	return nil
}

func (s *Store) ActiveWindow(_ context.Context, courseID int64, now time.Time) (*model.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.CourseID == courseID && w.ValidAt(now) {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) WindowByID(_ context.Context, id string) (*model.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *Store) ListWindows(_ context.Context, courseID int64) ([]model.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Window
	for _, w := range s.windows {
		if w.CourseID == courseID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round > out[j].Round })
	return out, nil
}

func (s *Store) IncrementWindowCheckins(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[id]; ok {
		w.CheckinCount++
	}
	return nil
}

// ── leave ──

func (s *Store) FileLeave(_ context.Context, f model.LeaveFiling) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.NewRecord {
		rec := copyRecord(f.Record)
		rec.Status = status.LeavePending
		s.records[rec.ID] = rec
	} else {
		for _, app := range s.leaves {
			if app.RecordID == f.Record.ID && app.Status != status.LeaveStatusWithdrawn {
				return model.ErrDuplicateLeave
			}
		}
		rec, ok := s.records[f.Record.ID]
		if !ok || rec.Status != f.Application.PriorStatus {
			return model.ErrStaleState
		}
		rec.Status = status.LeavePending
	}
	app := *f.Application
	s.leaves[app.ID] = &app
	approval := *f.Approval
	s.approvals[app.ID] = &approval
	return nil
}

func (s *Store) AddAttachment(_ context.Context, a *model.LeaveAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[a.ApplicationID] = append(s.attachments[a.ApplicationID], *a)
	return nil
}

func (s *Store) LeaveByID(_ context.Context, id string) (*model.LeaveApplication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.leaves[id]
	if !ok {
		return nil, nil
	}
	cp := *app
	return &cp, nil
}

func (s *Store) ApprovalFor(_ context.Context, applicationID string) (*model.LeaveApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[applicationID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Store) AttachmentsFor(_ context.Context, applicationID string) ([]model.LeaveAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LeaveAttachment(nil), s.attachments[applicationID]...), nil
}

func (s *Store) WithdrawLeave(_ context.Context, applicationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.leaves[applicationID]
	if !ok || app.Status != status.LeaveStatusPending {
		return model.ErrStaleState
	}
	app.Status = status.LeaveStatusWithdrawn
	app.DecidedAt = &at
	if rec, ok := s.records[app.RecordID]; ok && rec.Status == status.LeavePending {
		rec.Status = app.PriorStatus
	}
	return nil
}

func (s *Store) DecideLeave(_ context.Context, d model.LeaveDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.leaves[d.ApplicationID]
	if !ok || app.Status != status.LeaveStatusPending {
		return model.ErrStaleState
	}
	approval, ok := s.approvals[d.ApplicationID]
	if !ok || approval.ID != d.ApprovalID || approval.Result != status.ApprovalPending {
		return model.ErrStaleState
	}
	at := d.DecidedAt
	approval.Result = d.Result
	approval.Comment = d.Comment
	approval.DecidedAt = &at
	app.Status = d.AppStatus
	app.DecidedAt = &at
	app.DecisionComment = d.Comment
	if rec, ok := s.records[d.RecordID]; ok && rec.Status == status.LeavePending {
		rec.Status = d.RecordStatus
	}
	return nil
}

// ── view read models ──

func (s *Store) SummaryFor(_ context.Context, courseID int64, studentID string) (*model.SummaryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.summaries[summaryKey{courseID, studentID}]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

// LiveRow joins the latest record with the roster; both must exist.
func (s *Store) LiveRow(_ context.Context, course *model.Course, studentID string) (*model.RosterRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enrollments[enrollKey{course.Code, studentID}] {
		return nil, nil
	}
	latest := model.Latest(s.pairRecords(course.ID, studentID))
	if latest == nil {
		return nil, nil
	}
	row := s.rosterRow(studentID, latest)
	return &row, nil
}

// FutureRow joins the roster with the latest record when there is one.
func (s *Store) FutureRow(_ context.Context, course *model.Course, studentID string) (*model.RosterRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enrollments[enrollKey{course.Code, studentID}] {
		return nil, nil
	}
	row := s.rosterRow(studentID, model.Latest(s.pairRecords(course.ID, studentID)))
	return &row, nil
}

// LiveRoster lists every active student of the course with their latest
// record; students without one are not_started.
func (s *Store) LiveRoster(_ context.Context, course *model.Course) ([]model.RosterRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RosterRow
	for _, id := range s.roster(course.Code) {
		out = append(out, s.rosterRow(id, model.Latest(s.pairRecords(course.ID, id))))
	}
	return out, nil
}

// SummaryRoster lists every active student with their summary outcome;
// students without a summary row attended.
func (s *Store) SummaryRoster(_ context.Context, course *model.Course) ([]model.RosterRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RosterRow
	for _, id := range s.roster(course.Code) {
		row := s.rosterRow(id, nil)
		row.Status = status.Present
		if sum, ok := s.summaries[summaryKey{course.ID, id}]; ok {
			row.Status = sum.Status
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) roster(courseCode string) []string {
	var ids []string
	for k, active := range s.enrollments {
		if active && k.code == courseCode {
			ids = append(ids, k.studentID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) rosterRow(studentID string, latest *model.Record) model.RosterRow {
	row := model.RosterRow{Student: model.Student{ID: studentID}, Status: status.NotStarted}
	if st, ok := s.students[studentID]; ok {
		row.Student = *st
	}
	if latest != nil {
		row.Status = latest.Status
		row.Source = latest.Source
		row.RecordID = latest.ID
		row.CheckinTime = latest.CheckinTime
		if row.Name == "" {
			row.Name = latest.StudentName
			row.ClassName = latest.ClassName
			row.Major = latest.Major
		}
	}
	return row
}

func copyCourse(c *model.Course) *model.Course {
	if c == nil {
		return nil
	}
	cp := *c
	cp.TeacherCodes = append([]string(nil), c.TeacherCodes...)
	return &cp
}

func copyRecord(r *model.Record) *model.Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Photo != nil {
		p := *r.Photo
		cp.Photo = &p
	}
	return &cp
}

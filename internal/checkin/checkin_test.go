package checkin

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/memstore"
	"classattend/internal/model"
	"classattend/internal/queue"
	"classattend/internal/status"
	"classattend/internal/window"
)

var shanghai = time.FixedZone("CST", 8*3600)

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, shanghai)
}

type fixture struct {
	store    *memstore.Store
	proc     *Processor
	courseID int64
	start    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	id := st.PutCourse(model.Course{
		ExternalID:          "ext-101",
		Code:                "CS101",
		Name:                "Algorithms",
		TeacherCodes:        []string{"t1", "t2"},
		StartTime:           at(9, 0),
		EndTime:             at(10, 0),
		NeedCheckin:         true,
		AutoAbsentAfterMins: 60,
	})
	st.PutStudent(model.Student{ID: "s1", Name: "Li Lei", ClassName: "CS-1", Major: "CS"})
	st.PutStudent(model.Student{ID: "s2", Name: "Han Mei", ClassName: "CS-1", Major: "CS"})
	st.Enroll("CS101", "s1", true)
	st.Enroll("CS101", "s2", true)

	log := zap.NewNop()
	windows := window.NewManager(st, window.Options{}, log)
	proc := NewProcessor(st, windows, nil, Options{}, log)
	proc.now = func() time.Time { return at(9, 30) }
	return &fixture{store: st, proc: proc, courseID: id, start: at(9, 0)}
}

func (f *fixture) payload(student string, checkin time.Time) Payload {
	start := f.start
	return Payload{
		Request:   Request{CourseExternalID: "ext-101", CourseStart: &start, CheckinTime: checkin},
		StudentID: student,
	}
}

func TestSubmitThenWorkerProducesPresentRecord(t *testing.T) {
	f := newFixture(t)
	q := queue.NewInMemory(8, 3)
	svc := NewService(q, zap.NewNop())
	student := model.Caller{ID: "s1", Role: status.RoleStudent}

	start := f.start
	queued, err := svc.Submit(context.Background(), student, Request{
		CourseExternalID: "ext-101",
		CourseStart:      &start,
		CheckinTime:      at(9, 5),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if queued.Status != "queued" || queued.JobKey != Key("ext-101", "s1", at(9, 5)) {
		t.Fatalf("unexpected queued response %+v", queued)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deliveries, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	worker := NewWorker(q, f.proc, zap.NewNop())
	select {
	case d := <-deliveries:
		worker.Handle(ctx, d)
	case <-ctx.Done():
		t.Fatal("no delivery")
	}

	js, err := svc.JobStatus(context.Background(), queued.JobKey)
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if js.State != queue.StateSucceeded {
		t.Fatalf("expected succeeded, got %+v", js)
	}
	recs := f.store.Records(f.courseID, "s1")
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if recs[0].Status != status.Present || recs[0].Source != status.SourceRegular {
		t.Fatalf("unexpected record %+v", recs[0])
	}
	if recs[0].StudentName != "Li Lei" || recs[0].ID != js.Result {
		t.Fatalf("record not denormalized or not linked to job: %+v", recs[0])
	}
}

func TestSubmitRejectsNonStudentsAndMissingStart(t *testing.T) {
	svc := NewService(queue.NewInMemory(4, 1), zap.NewNop())
	teacher := model.Caller{ID: "t1", Role: status.RoleTeacher}
	if _, err := svc.Submit(context.Background(), teacher, Request{CourseExternalID: "ext-101"}); !errors.Is(err, apperr.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	student := model.Caller{ID: "s1", Role: status.RoleStudent}
	if _, err := svc.Submit(context.Background(), student, Request{CourseExternalID: "ext-101"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitDeduplicatesSameSecond(t *testing.T) {
	q := queue.NewInMemory(4, 1)
	svc := NewService(q, zap.NewNop())
	student := model.Caller{ID: "s1", Role: status.RoleStudent}
	start := at(9, 0)
	req := Request{CourseExternalID: "ext-101", CourseStart: &start, CheckinTime: at(9, 5).Add(200 * time.Millisecond)}

	first, err := svc.Submit(context.Background(), student, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	req.CheckinTime = at(9, 5).Add(700 * time.Millisecond)
	second, err := svc.Submit(context.Background(), student, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.JobKey != second.JobKey || first.Deduplicated || !second.Deduplicated {
		t.Fatalf("expected same key with second deduplicated: %+v %+v", first, second)
	}
}

func TestSelfCheckinBounds(t *testing.T) {
	cases := []struct {
		name    string
		checkin time.Time
		ok      bool
	}{
		{"earliest", at(8, 50), true},
		{"on time", at(9, 5), true},
		{"latest", at(9, 10), true},
		{"too early", at(8, 49), false},
		{"too late", at(9, 11), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.proc.Process(context.Background(), f.payload("s1", tc.checkin))
			if tc.ok {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if res.Status != status.Present {
					t.Fatalf("expected present, got %s", res.Status)
				}
				return
			}
			if !errors.Is(err, apperr.ErrTimeWindow) {
				t.Fatalf("expected time window violation, got %v", err)
			}
			if len(f.store.Records(f.courseID, "s1")) != 0 {
				t.Fatal("rejected check-in must not insert")
			}
		})
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	pl := f.payload("s1", at(9, 5))
	first, err := f.proc.Process(context.Background(), pl)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.proc.Process(context.Background(), pl)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Duplicate || !second.Duplicate || first.RecordID != second.RecordID {
		t.Fatalf("expected second run to report the first record as duplicate: %+v %+v", first, second)
	}
	if n := len(f.store.Records(f.courseID, "s1")); n != 1 {
		t.Fatalf("expected exactly one record, got %d", n)
	}
}

func TestWindowCheckin(t *testing.T) {
	f := newFixture(t)
	w := &model.Window{ID: "w1", CourseID: f.courseID, OpenedAt: at(9, 15), Duration: 2 * time.Minute, OpenedBy: "t1"}
	if err := f.store.CreateWindow(context.Background(), w, at(9, 15)); err != nil {
		t.Fatalf("create window: %v", err)
	}
	open, closes := at(9, 15), at(9, 17)
	withWindow := func(student string, checkin time.Time) Payload {
		pl := f.payload(student, checkin)
		pl.WindowID, pl.WindowOpen, pl.WindowClose = "w1", &open, &closes
		return pl
	}

	res, err := f.proc.Process(context.Background(), withWindow("s1", at(9, 16)))
	if err != nil {
		t.Fatalf("check-in inside window: %v", err)
	}
	rec := f.store.Records(f.courseID, "s1")[0]
	if res.Status != status.Present || rec.Source != status.SourceWindow || rec.WindowID != "w1" {
		t.Fatalf("unexpected window record %+v", rec)
	}
	stored, _ := f.store.WindowByID(context.Background(), "w1")
	if stored.CheckinCount != 1 {
		t.Fatalf("expected window count 1, got %d", stored.CheckinCount)
	}

	if _, err := f.proc.Process(context.Background(), withWindow("s2", at(9, 20))); !errors.Is(err, apperr.ErrTimeWindow) {
		t.Fatalf("expected time window violation at 09:20, got %v", err)
	}
}

func TestWindowCheckinAgainstStoredBounds(t *testing.T) {
	f := newFixture(t)
	w := &model.Window{ID: "w1", CourseID: f.courseID, OpenedAt: at(9, 15), Duration: 2 * time.Minute}
	if err := f.store.CreateWindow(context.Background(), w, at(9, 15)); err != nil {
		t.Fatalf("create window: %v", err)
	}
	// client claims a longer window than the one that was opened
	open, closes := at(9, 15), at(9, 30)
	pl := f.payload("s1", at(9, 25))
	pl.WindowID, pl.WindowOpen, pl.WindowClose = "w1", &open, &closes
	if _, err := f.proc.Process(context.Background(), pl); !errors.Is(err, apperr.ErrTimeWindow) {
		t.Fatalf("expected stored bounds to reject, got %v", err)
	}
}

type fixedScore float64

func (s fixedScore) Score(context.Context, string, string) (float64, error) { return float64(s), nil }

func TestPhotoCheckinAwaitsApproval(t *testing.T) {
	f := newFixture(t)
	f.proc.face = fixedScore(0.8)
	pl := f.payload("s1", at(9, 40))
	pl.Photo = &PhotoEvidence{URL: "https://img/s1.jpg", OffsetMeters: 420, Reason: "gps drift"}

	res, err := f.proc.Process(context.Background(), pl)
	if err != nil {
		t.Fatalf("photo check-in: %v", err)
	}
	rec, _ := f.store.RecordByID(context.Background(), res.RecordID)
	if rec.Status != status.PendingApproval || rec.Source != status.SourcePhoto {
		t.Fatalf("unexpected photo record %+v", rec)
	}
	if rec.Photo == nil || rec.Photo.FaceScore == nil || *rec.Photo.FaceScore != 0.8 {
		t.Fatalf("expected advisory face score on photo, got %+v", rec.Photo)
	}
}

func TestProcessFatalFailures(t *testing.T) {
	f := newFixture(t)
	f.store.Enroll("CS101", "s3", false)

	missing := f.payload("s1", at(9, 5))
	missing.CourseExternalID = "nope"
	if _, err := f.proc.Process(context.Background(), missing); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.proc.Process(context.Background(), f.payload("s3", at(9, 5))); !errors.Is(err, apperr.ErrPermission) {
		t.Fatalf("expected permission error for inactive enrollment, got %v", err)
	}
}

func TestWorkerFailsFatalJobsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	q := queue.NewInMemory(4, 5)
	svc := NewService(q, zap.NewNop())
	start := f.start
	queued, err := svc.Submit(context.Background(), model.Caller{ID: "s1", Role: status.RoleStudent}, Request{
		CourseExternalID: "ext-101", CourseStart: &start, CheckinTime: at(9, 45),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deliveries, _ := q.Consume(ctx)
	d := <-deliveries
	NewWorker(q, f.proc, zap.NewNop()).Handle(ctx, d)

	js, _ := svc.JobStatus(context.Background(), queued.JobKey)
	if js.State != queue.StateFailed || js.ErrorKind != string(apperr.KindTimeWindow) || js.Attempts != 1 {
		t.Fatalf("expected failed TIME_WINDOW after one attempt, got %+v", js)
	}
	failed, err := svc.FailedJobs(context.Background(), model.Caller{ID: "t1", Role: status.RoleTeacher}, 10)
	if err != nil || len(failed) != 1 || failed[0].Key != queued.JobKey {
		t.Fatalf("expected the job in the failed list, got %+v %v", failed, err)
	}
	if _, err := svc.FailedJobs(context.Background(), model.Caller{ID: "s1", Role: status.RoleStudent}, 10); !errors.Is(err, apperr.ErrPermission) {
		t.Fatalf("students must not list failed jobs, got %v", err)
	}
}

func TestManualCheckinSupersedes(t *testing.T) {
	f := newFixture(t)
	if _, err := f.proc.Process(context.Background(), f.payload("s1", at(9, 5))); err != nil {
		t.Fatalf("self check-in: %v", err)
	}
	f.proc.now = func() time.Time { return at(9, 50) }
	teacher := model.Caller{ID: "t2", Role: status.RoleTeacher}
	rec, err := f.proc.ManualCheckin(context.Background(), teacher, f.courseID, Manual{StudentID: "s1", Status: status.Truant, Reason: "left early"})
	if err != nil {
		t.Fatalf("manual: %v", err)
	}
	if rec.Source != status.SourceManual || rec.ManualBy != "t2" || rec.CheckinTime != nil {
		t.Fatalf("unexpected manual record %+v", rec)
	}
	latest, _ := f.store.LatestRecord(context.Background(), f.courseID, "s1")
	if latest.ID != rec.ID || latest.Status != status.Truant {
		t.Fatalf("manual record should be the latest, got %+v", latest)
	}

	// every manual call inserts, even with identical input
	if _, err := f.proc.ManualCheckin(context.Background(), teacher, f.courseID, Manual{StudentID: "s1"}); err != nil {
		t.Fatalf("second manual: %v", err)
	}
	if n := len(f.store.Records(f.courseID, "s1")); n != 3 {
		t.Fatalf("expected 3 records, got %d", n)
	}
}

func TestManualCheckinChecks(t *testing.T) {
	f := newFixture(t)
	outsider := model.Caller{ID: "t9", Role: status.RoleTeacher}
	if _, err := f.proc.ManualCheckin(context.Background(), outsider, f.courseID, Manual{StudentID: "s1"}); !errors.Is(err, apperr.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	teacher := model.Caller{ID: "t1", Role: status.RoleTeacher}
	if _, err := f.proc.ManualCheckin(context.Background(), teacher, f.courseID, Manual{StudentID: "ghost"}); !errors.Is(err, apperr.ErrPermission) {
		t.Fatalf("expected permission error for unenrolled student, got %v", err)
	}
	if _, err := f.proc.ManualCheckin(context.Background(), teacher, f.courseID, Manual{StudentID: "s1", Status: status.PendingApproval}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for disallowed status, got %v", err)
	}
}

func TestReviewPhoto(t *testing.T) {
	f := newFixture(t)
	pl := f.payload("s1", at(9, 40))
	pl.Photo = &PhotoEvidence{URL: "https://img/s1.jpg"}
	res, err := f.proc.Process(context.Background(), pl)
	if err != nil {
		t.Fatalf("photo: %v", err)
	}
	teacher := model.Caller{ID: "t1", Role: status.RoleTeacher}

	if _, err := f.proc.ReviewPhoto(context.Background(), model.Caller{ID: "t9", Role: status.RoleTeacher}, res.RecordID, true, ""); !errors.Is(err, apperr.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	rec, err := f.proc.ReviewPhoto(context.Background(), teacher, res.RecordID, false, "not in class")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if rec.Status != status.Absent || rec.ReviewedBy != "t1" {
		t.Fatalf("unexpected reviewed record %+v", rec)
	}
	if _, err := f.proc.ReviewPhoto(context.Background(), teacher, res.RecordID, true, ""); !errors.Is(err, apperr.ErrBusinessRule) {
		t.Fatalf("second review must fail, got %v", err)
	}

	self, _ := f.proc.Process(context.Background(), f.payload("s2", at(9, 5)))
	if _, err := f.proc.ReviewPhoto(context.Background(), teacher, self.RecordID, true, ""); !errors.Is(err, apperr.ErrBusinessRule) {
		t.Fatalf("non-photo record must not be reviewable, got %v", err)
	}
}

func TestSetNeedCheckinOnlyBeforeStart(t *testing.T) {
	f := newFixture(t)
	teacher := model.Caller{ID: "t1", Role: status.RoleTeacher}
	if err := f.proc.SetNeedCheckin(context.Background(), teacher, f.courseID, false); !errors.Is(err, apperr.ErrBusinessRule) {
		t.Fatalf("expected business rule error after start, got %v", err)
	}
	f.proc.now = func() time.Time { return at(8, 0) }
	if err := f.proc.SetNeedCheckin(context.Background(), teacher, f.courseID, false); err != nil {
		t.Fatalf("toggle before start: %v", err)
	}
	c, _ := f.store.CourseByID(context.Background(), f.courseID)
	if c.NeedCheckin {
		t.Fatal("need_checkin not updated")
	}
}

package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"classattend/internal/memstore"
)

const doc = `
students:
  - {id: s1, name: Li Lei, class: C1, major: Physics}
  - {id: s2, name: Han Mei, class: C1}
courses:
  - external_id: ext-1
    code: PH100
    name: Mechanics
    teachers: [t1, t2]
    start: 2026-03-02T09:00:00+08:00
    minutes: 90
  - external_id: ext-2
    code: PH200
    teachers: [t1]
    start: 2026-03-06T14:00:00+08:00
    need_checkin: false
enrollments:
  - code: PH100
    students: [s1, s2]
    dropped: [s3]
`

func TestApplySeedsMemoryStore(t *testing.T) {
	f, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	st := memstore.New()
	ctx := context.Background()
	if err := Apply(ctx, st, f, zap.NewNop()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	c, _ := st.CourseByExternalID(ctx, "ext-1")
	if c == nil || c.PrimaryTeacher() != "t1" || !c.NeedCheckin || c.AutoAbsentAfterMins != 60 {
		t.Fatalf("unexpected course %+v", c)
	}
	if want := c.StartTime.Add(90 * time.Minute); !c.EndTime.Equal(want) || c.Weekday != 1 {
		t.Fatalf("end %s weekday %d", c.EndTime, c.Weekday)
	}
	if c2, _ := st.CourseByExternalID(ctx, "ext-2"); c2 == nil || c2.NeedCheckin || c2.Weekday != 5 {
		t.Fatalf("unexpected course %+v", c2)
	}
	if ok, _ := st.IsEnrolled(ctx, "PH100", "s2"); !ok {
		t.Fatal("s2 should be enrolled")
	}
	if ok, _ := st.IsEnrolled(ctx, "PH100", "s3"); ok {
		t.Fatal("dropped student must be inactive")
	}
	if s, _ := st.StudentByID(ctx, "s1"); s == nil || s.Major != "Physics" {
		t.Fatalf("unexpected student %+v", s)
	}

	// Reapplying keeps ids and a teacher's need_checkin change.
	if err := st.SetNeedCheckin(ctx, c.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := Apply(ctx, st, f, zap.NewNop()); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	again, _ := st.CourseByExternalID(ctx, "ext-1")
	if again.ID != c.ID || again.NeedCheckin {
		t.Fatalf("reapply must update in place, got %+v", again)
	}
}

func TestParseRejectsIncompleteCourses(t *testing.T) {
	cases := map[string]string{
		"no code":    "courses: [{external_id: e, teachers: [t1], start: 2026-03-02T09:00:00Z}]",
		"no start":   "courses: [{external_id: e, code: C, teachers: [t1]}]",
		"no teacher": "courses: [{external_id: e, code: C, start: 2026-03-02T09:00:00Z}]",
		"no student": "students: [{name: x}]",
		"not yaml":   "courses: {",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(in)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(f.Courses) != 2 || len(f.Students) != 2 || len(f.Enrollments) != 1 {
		t.Fatalf("unexpected file %+v", f)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}
}

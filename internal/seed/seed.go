// Package seed loads courses, students and rosters from a YAML file. It
// stands in for the schedule and roster sync in local and demo setups.
package seed

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"classattend/internal/model"
)

// Target receives the seeded data. The sync owns these writes, so no
// service calls them.
type Target interface {
	UpsertCourse(ctx context.Context, c *model.Course) error
	UpsertStudent(ctx context.Context, st model.Student) error
	SetEnrollment(ctx context.Context, courseCode, studentID string, active bool) error
}

type Student struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	ClassName string `yaml:"class"`
	Major     string `yaml:"major"`
}

type Course struct {
	ExternalID    string    `yaml:"external_id"`
	Code          string    `yaml:"code"`
	Name          string    `yaml:"name"`
	Semester      string    `yaml:"semester"`
	Teachers      []string  `yaml:"teachers"`
	Start         time.Time `yaml:"start"`
	Minutes       int       `yaml:"minutes"`
	TeachingWeek  int       `yaml:"teaching_week"`
	Location      string    `yaml:"location"`
	NeedCheckin   *bool     `yaml:"need_checkin"`
	LateAfter     int       `yaml:"late_after_minutes"`
	AbsentAfter   int       `yaml:"absent_after_minutes"`
	CheckinBefore int       `yaml:"checkin_before_minutes"`
	CheckinAfter  int       `yaml:"checkin_after_minutes"`
}

// Enrollment lists a course code's students. Dropped students stay on file
// as inactive.
type Enrollment struct {
	Code     string   `yaml:"code"`
	Students []string `yaml:"students"`
	Dropped  []string `yaml:"dropped"`
}

type File struct {
	Students    []Student    `yaml:"students"`
	Courses     []Course     `yaml:"courses"`
	Enrollments []Enrollment `yaml:"enrollments"`
}

// Load reads and checks a seed file.
func Load(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(buf)
}

// Parse decodes a seed document.
func Parse(buf []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, c := range f.Courses {
		switch {
		case c.ExternalID == "" || c.Code == "":
			return nil, fmt.Errorf("seed course %d: external_id and code required", i)
		case c.Start.IsZero():
			return nil, fmt.Errorf("seed course %s: start required", c.ExternalID)
		case len(c.Teachers) == 0:
			return nil, fmt.Errorf("seed course %s: at least one teacher required", c.ExternalID)
		}
	}
	for i, s := range f.Students {
		if s.ID == "" {
			return nil, fmt.Errorf("seed student %d: id required", i)
		}
	}
	return &f, nil
}

func (c Course) model() *model.Course {
	minutes := c.Minutes
	if minutes <= 0 {
		minutes = 45
	}
	need := true
	if c.NeedCheckin != nil {
		need = *c.NeedCheckin
	}
	absent := c.AbsentAfter
	if absent <= 0 {
		absent = 60
	}
	// Monday is 1, Sunday 7.
	weekday := int(c.Start.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return &model.Course{
		ExternalID:           c.ExternalID,
		Code:                 c.Code,
		Name:                 c.Name,
		Semester:             c.Semester,
		TeacherCodes:         c.Teachers,
		StartTime:            c.Start,
		EndTime:              c.Start.Add(time.Duration(minutes) * time.Minute),
		TeachingWeek:         c.TeachingWeek,
		Weekday:              weekday,
		Location:             c.Location,
		NeedCheckin:          need,
		CheckinBeforeMinutes: c.CheckinBefore,
		CheckinAfterMinutes:  c.CheckinAfter,
		LateAfterMinutes:     c.LateAfter,
		AutoAbsentAfterMins:  absent,
	}
}

// Apply writes f into t. Rerunning it with the same file changes nothing.
func Apply(ctx context.Context, t Target, f *File, log *zap.Logger) error {
	for _, s := range f.Students {
		st := model.Student{ID: s.ID, Name: s.Name, ClassName: s.ClassName, Major: s.Major}
		if err := t.UpsertStudent(ctx, st); err != nil {
			return fmt.Errorf("seed student %s: %w", s.ID, err)
		}
	}
	for _, c := range f.Courses {
		if err := t.UpsertCourse(ctx, c.model()); err != nil {
			return fmt.Errorf("seed course %s: %w", c.ExternalID, err)
		}
	}
	var enrolled int
	for _, e := range f.Enrollments {
		for _, id := range e.Students {
			if err := t.SetEnrollment(ctx, e.Code, id, true); err != nil {
				return fmt.Errorf("seed enrollment %s/%s: %w", e.Code, id, err)
			}
			enrolled++
		}
		for _, id := range e.Dropped {
			if err := t.SetEnrollment(ctx, e.Code, id, false); err != nil {
				return fmt.Errorf("seed enrollment %s/%s: %w", e.Code, id, err)
			}
		}
	}
	log.Info("seed data applied",
		zap.Int("students", len(f.Students)),
		zap.Int("courses", len(f.Courses)),
		zap.Int("enrollments", enrolled),
	)
	return nil
}

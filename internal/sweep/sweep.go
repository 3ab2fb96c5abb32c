// Package sweep marks students absent once a course's absence deadline has
// passed, and rebuilds the summary rows of finished courses.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/status"
)

// Store holds the records the sweep rewrites. MarkAbsent must only touch
// the latest record of each student, cover students with no record, and be
// idempotent.
type Store interface {
	CourseByID(ctx context.Context, id int64) (*model.Course, error)
	SweepCandidates(ctx context.Context, endedAfter, now time.Time) ([]model.Course, error)
	MarkAbsent(ctx context.Context, course *model.Course, at time.Time) (int64, error)
	RebuildSummaries(ctx context.Context, course *model.Course, at time.Time) (int64, error)
}

// Result reports one course's sweep.
type Result struct {
	CourseID     int64 `json:"course_id"`
	MarkedAbsent int64 `json:"marked_absent"`
	SummaryRows  int64 `json:"summary_rows"`
}

type Sweeper struct {
	store    Store
	lookback time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// New builds a sweeper. Scheduled runs only consider courses that ended
// within lookback.
func New(store Store, lookback time.Duration, log *zap.Logger) *Sweeper {
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return &Sweeper{store: store, lookback: lookback, log: log, now: time.Now}
}

// RunCourse sweeps one course on a teacher's request.
func (s *Sweeper) RunCourse(ctx context.Context, caller model.Caller, courseID int64) (*Result, error) {
	course, err := s.store.CourseByID(ctx, courseID)
	if err != nil {
		return nil, apperr.Internal("load course", err)
	}
	if course == nil {
		return nil, apperr.NotFound("course %d not found", courseID)
	}
	if caller.Role != status.RoleTeacher || !course.HasTeacher(caller.ID) {
		return nil, apperr.Permission("only a teacher of this course can run the sweep")
	}
	if !course.NeedCheckin {
		return nil, apperr.BusinessRule("course %d does not require check-in", courseID)
	}
	now := s.now()
	if now.Before(course.AbsentDeadline()) {
		return nil, apperr.BusinessRule("absences can be marked from %s", course.AbsentDeadline().Format(time.RFC3339))
	}
	res, err := s.sweep(ctx, course, now)
	if err != nil {
		return nil, apperr.Internal("sweep course", err)
	}
	return res, nil
}

// RunAll sweeps every course that ended within the lookback: summaries are
// rebuilt for all of them, absences marked only where check-in is required
// and the deadline has passed. A failing course is logged and skipped; the
// first error is returned after the rest have run.
func (s *Sweeper) RunAll(ctx context.Context) ([]Result, error) {
	now := s.now()
	courses, err := s.store.SweepCandidates(ctx, now.Add(-s.lookback), now)
	if err != nil {
		return nil, err
	}
	var (
		out      []Result
		firstErr error
	)
	for i := range courses {
		c := &courses[i]
		res, err := s.sweep(ctx, c, now)
		if err != nil {
			s.log.Error("sweep failed", zap.Int64("course_id", c.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, *res)
	}
	return out, firstErr
}

func (s *Sweeper) sweep(ctx context.Context, course *model.Course, now time.Time) (*Result, error) {
	var marked int64
	if course.NeedCheckin && !now.Before(course.AbsentDeadline()) {
		var err error
		if marked, err = s.store.MarkAbsent(ctx, course, now); err != nil {
			return nil, err
		}
	}
	rows, err := s.store.RebuildSummaries(ctx, course, now)
	if err != nil {
		return nil, err
	}
	if marked > 0 {
		metrics.SweepTransitions.Add(float64(marked))
		s.log.Info("absences marked", zap.Int64("course_id", course.ID), zap.Int64("count", marked))
	}
	return &Result{CourseID: course.ID, MarkedAbsent: marked, SummaryRows: rows}, nil
}

// Schedule registers RunAll on a cron spec. Overlapping runs are skipped.
// The caller starts and stops the returned scheduler.
func (s *Sweeper) Schedule(spec string, timeout time.Duration) (*cron.Cron, error) {
	clog := cronLogger{s.log.Sugar()}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := s.RunAll(ctx)
		if err != nil {
			s.log.Error("scheduled sweep", zap.Error(err))
		}
		s.log.Debug("scheduled sweep done", zap.Int("courses", len(res)))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

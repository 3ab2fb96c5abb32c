// Package window manages teacher-opened verification rounds. A round accepts
// check-ins from its open time until open time plus duration; afterwards it
// is kept as history.
package window

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/status"
)

const maxDuration = time.Hour

// Store is what the manager needs from persistence. CreateWindow must check
// for a valid window and assign the next round atomically, returning
// model.ErrActiveWindow when it loses.
type Store interface {
	CourseByID(ctx context.Context, id int64) (*model.Course, error)
	CreateWindow(ctx context.Context, w *model.Window, now time.Time) error
	ActiveWindow(ctx context.Context, courseID int64, now time.Time) (*model.Window, error)
	WindowByID(ctx context.Context, id string) (*model.Window, error)
	ListWindows(ctx context.Context, courseID int64) ([]model.Window, error)
}

// Options tune the opening rules.
type Options struct {
	// OpenDelay is how long after course start the first window may open.
	OpenDelay       time.Duration
	DefaultDuration time.Duration
}

// Manager opens and answers questions about verification windows.
type Manager struct {
	store Store
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

func NewManager(store Store, opts Options, log *zap.Logger) *Manager {
	if opts.OpenDelay <= 0 {
		opts.OpenDelay = 10 * time.Minute
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 2 * time.Minute
	}
	return &Manager{store: store, opts: opts, log: log, now: time.Now}
}

// Opened describes a freshly opened window.
type Opened struct {
	WindowID string    `json:"window_id"`
	Round    int       `json:"round"`
	OpenedAt time.Time `json:"opened_at"`
	ClosesAt time.Time `json:"closes_at"`
}

// View is a window as shown to clients.
type View struct {
	ID           string              `json:"id"`
	Round        int                 `json:"round"`
	OpenedAt     time.Time           `json:"opened_at"`
	ClosesAt     time.Time           `json:"closes_at"`
	Status       status.WindowStatus `json:"status"`
	OpenedBy     string              `json:"opened_by"`
	CheckinCount int                 `json:"checkin_count"`
}

// ViewOf renders w as seen at now.
func ViewOf(w *model.Window, now time.Time) View {
	return View{
		ID:           w.ID,
		Round:        w.Round,
		OpenedAt:     w.OpenedAt,
		ClosesAt:     w.ClosesAt(),
		Status:       w.StatusAt(now),
		OpenedBy:     w.OpenedBy,
		CheckinCount: w.CheckinCount,
	}
}

// Open starts a new round. Preconditions are checked in order and the first
// failure is returned: the caller teaches the course, the course is past its
// opening delay and not over, and no window is currently valid.
func (m *Manager) Open(ctx context.Context, caller model.Caller, courseID int64, duration time.Duration) (*Opened, error) {
	if duration < 0 || duration > maxDuration {
		return nil, apperr.Validation("duration must be between 0 and %s", maxDuration)
	}
	if duration == 0 {
		duration = m.opts.DefaultDuration
	}

	course, err := m.store.CourseByID(ctx, courseID)
	if err != nil {
		return nil, apperr.Internal("load course", err)
	}
	if course == nil {
		return nil, apperr.NotFound("course %d not found", courseID)
	}
	if caller.Role != status.RoleTeacher || !course.HasTeacher(caller.ID) {
		return nil, apperr.Permission("only a teacher of this course can open a verification window")
	}

	now := m.now()
	if earliest := course.StartTime.Add(m.opts.OpenDelay); now.Before(earliest) {
		return nil, apperr.BusinessRule("verification windows open from %s", earliest.Format(time.RFC3339))
	}
	if now.After(course.EndTime) {
		return nil, apperr.BusinessRule("course has already ended")
	}

	w := &model.Window{
		ID:       uuid.NewString(),
		CourseID: course.ID,
		OpenedAt: now,
		Duration: duration,
		OpenedBy: caller.ID,
	}
	if err := m.store.CreateWindow(ctx, w, now); err != nil {
		if errors.Is(err, model.ErrActiveWindow) {
			return nil, apperr.BusinessRule("a verification window is already open for this course")
		}
		return nil, apperr.Internal("create window", err)
	}

	metrics.WindowsOpened.Inc()
	m.log.Info("verification window opened",
		zap.Int64("course_id", course.ID),
		zap.Int("round", w.Round),
		zap.String("teacher", caller.ID),
		zap.Duration("duration", duration),
	)
	return &Opened{WindowID: w.ID, Round: w.Round, OpenedAt: w.OpenedAt, ClosesAt: w.ClosesAt()}, nil
}

// Active returns the currently valid window of a course, or nil.
func (m *Manager) Active(ctx context.Context, courseID int64) (*model.Window, error) {
	w, err := m.store.ActiveWindow(ctx, courseID, m.now())
	if err != nil {
		return nil, apperr.Internal("load active window", err)
	}
	return w, nil
}

// List returns the course's windows, newest round first, to its teachers.
func (m *Manager) List(ctx context.Context, caller model.Caller, courseID int64) ([]View, error) {
	course, err := m.store.CourseByID(ctx, courseID)
	if err != nil {
		return nil, apperr.Internal("load course", err)
	}
	if course == nil {
		return nil, apperr.NotFound("course %d not found", courseID)
	}
	if caller.Role != status.RoleTeacher || !course.HasTeacher(caller.ID) {
		return nil, apperr.Permission("only a teacher of this course can list its windows")
	}
	windows, err := m.store.ListWindows(ctx, courseID)
	if err != nil {
		return nil, apperr.Internal("list windows", err)
	}
	now := m.now()
	out := make([]View, 0, len(windows))
	for i := range windows {
		out = append(out, ViewOf(&windows[i], now))
	}
	return out, nil
}

// Verify checks that a check-in made at t may use window windowID of course
// courseID. The check is against the stored bounds, not the ones the client
// sent.
func (m *Manager) Verify(ctx context.Context, courseID int64, windowID string, t time.Time) (*model.Window, error) {
	w, err := m.store.WindowByID(ctx, windowID)
	if err != nil {
		return nil, apperr.Internal("load window", err)
	}
	if w == nil || w.CourseID != courseID {
		return nil, apperr.TimeWindow("verification window %s does not belong to this course", windowID)
	}
	if !w.Accepts(t) {
		return nil, apperr.TimeWindow("check-in at %s is outside verification round %d", t.Format(time.RFC3339), w.Round)
	}
	return w, nil
}

// Get returns one window as seen now.
func (m *Manager) Get(ctx context.Context, windowID string) (*View, error) {
	w, err := m.store.WindowByID(ctx, windowID)
	if err != nil {
		return nil, apperr.Internal("load window", err)
	}
	if w == nil {
		return nil, apperr.NotFound("window %s not found", windowID)
	}
	v := ViewOf(w, m.now())
	return &v, nil
}

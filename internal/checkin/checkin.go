// Package checkin accepts student check-ins, queues them, and turns queued
// jobs into attendance records. It also owns the teacher-side record
// operations: manual check-in, photo review and the need_checkin toggle.
package checkin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/queue"
	"classattend/internal/status"
)

// JobType tags check-in jobs on the shared queue.
const JobType = "checkin"

// Modality is how a check-in proves presence.
type Modality string

const (
	ModalitySelf   Modality = "self"
	ModalityWindow Modality = "window"
	ModalityPhoto  Modality = "photo"
)

// PhotoEvidence is attached when location validation failed on the client.
type PhotoEvidence struct {
	URL          string  `json:"url" validate:"required,url"`
	OffsetMeters float64 `json:"offset_meters" validate:"gte=0"`
	Reason       string  `json:"reason" validate:"max=500"`
}

// Request is a student's check-in as sent by the client.
type Request struct {
	CourseExternalID string         `json:"course_id" validate:"required,max=128"`
	CourseStart      *time.Time     `json:"course_start" validate:"required"`
	CheckinTime      time.Time      `json:"checkin_time"`
	Location         string         `json:"location" validate:"max=255"`
	Latitude         *float64       `json:"latitude" validate:"omitempty,latitude"`
	Longitude        *float64       `json:"longitude" validate:"omitempty,longitude"`
	WindowID         string         `json:"window_id"`
	WindowOpen       *time.Time     `json:"window_open"`
	WindowClose      *time.Time     `json:"window_close"`
	Photo            *PhotoEvidence `json:"photo"`
}

// Payload is the queued job body.
type Payload struct {
	Request
	StudentID string `json:"student_id"`
}

// Modality classifies the payload. Photo evidence wins over window fields.
func (p *Payload) Modality() Modality {
	switch {
	case p.Photo != nil:
		return ModalityPhoto
	case p.WindowID != "" && p.WindowOpen != nil && p.WindowClose != nil:
		return ModalityWindow
	default:
		return ModalitySelf
	}
}

// Queued is the immediate answer to a submission.
type Queued struct {
	Status       string `json:"status"`
	JobKey       string `json:"job_key"`
	Deduplicated bool   `json:"deduplicated"`
}

// Key derives the idempotency key of a check-in. Equivalent submissions
// (same course, student and check-in second) share a key.
func Key(courseExternalID, studentID string, checkinTime time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", courseExternalID, studentID, checkinTime.Unix())))
	return hex.EncodeToString(sum[:])
}

// Service is the request-side entry point. It never touches the store.
type Service struct {
	q        queue.Queue
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

func NewService(q queue.Queue, log *zap.Logger) *Service {
	return &Service{q: q, validate: validator.New(), log: log, now: time.Now}
}

// Submit validates and enqueues a check-in. A zero CheckinTime means now.
func (s *Service) Submit(ctx context.Context, caller model.Caller, req Request) (*Queued, error) {
	if caller.Role != status.RoleStudent || caller.ID == "" {
		return nil, apperr.Permission("only students can check in")
	}
	if err := apperr.Validate(s.validate, req); err != nil {
		return nil, err
	}
	if req.CheckinTime.IsZero() {
		req.CheckinTime = s.now()
	}
	req.CheckinTime = req.CheckinTime.Truncate(time.Second)

	p := Payload{Request: req, StudentID: caller.ID}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, apperr.Internal("encode check-in", err)
	}
	key := Key(req.CourseExternalID, caller.ID, req.CheckinTime)
	fresh, err := s.q.Publish(ctx, queue.Job{Key: key, Type: JobType, Body: body})
	if err != nil {
		return nil, apperr.Internal("enqueue check-in", err)
	}

	metrics.CheckinsSubmitted.WithLabelValues(fmt.Sprint(!fresh)).Inc()
	s.log.Debug("check-in queued",
		zap.String("job_key", key),
		zap.String("student_id", caller.ID),
		zap.String("course", req.CourseExternalID),
		zap.String("modality", string(p.Modality())),
		zap.Bool("deduplicated", !fresh),
	)
	return &Queued{Status: "queued", JobKey: key, Deduplicated: !fresh}, nil
}

// JobStatus reports where a submitted check-in is.
func (s *Service) JobStatus(ctx context.Context, key string) (*queue.JobStatus, error) {
	if key == "" {
		return nil, apperr.Validation("job key required")
	}
	st, err := s.q.Status(ctx, key)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownJob) {
			return nil, apperr.NotFound("job %s not found", key)
		}
		return nil, apperr.Internal("load job status", err)
	}
	return &st, nil
}

// FailedJobs lists check-ins that will not be retried, for teachers.
func (s *Service) FailedJobs(ctx context.Context, caller model.Caller, limit int) ([]queue.JobStatus, error) {
	if caller.Role != status.RoleTeacher {
		return nil, apperr.Permission("only teachers can list failed check-ins")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	jobs, err := s.q.Failed(ctx, limit)
	if err != nil {
		return nil, apperr.Internal("list failed jobs", err)
	}
	return jobs, nil
}

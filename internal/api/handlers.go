package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/apperr"
	"classattend/internal/auth"
	"classattend/internal/checkin"
	"classattend/internal/leave"
	"classattend/internal/model"
)

const maxAttachmentBytes = 10 << 20

func caller(c *gin.Context) model.Caller {
	cl, _ := auth.CallerFrom(c)
	return cl
}

func idParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// ── check-in ──

func (h *handlers) submitCheckin(c *gin.Context) {
	var req checkin.Request
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	queued, err := h.Checkins.Submit(c.Request.Context(), caller(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, queued)
}

func (h *handlers) jobStatus(c *gin.Context) {
	st, err := h.Checkins.JobStatus(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, st)
}

func (h *handlers) failedJobs(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.fail(c, apperr.Validation("invalid limit %q", v))
			return
		}
		limit = parsed
	}
	jobs, err := h.Checkins.FailedJobs(c.Request.Context(), caller(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"jobs": jobs})
}

// ── teacher record operations ──

func (h *handlers) manualCheckin(c *gin.Context) {
	courseID, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var m checkin.Manual
	if err := bindJSON(c, &m); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.Processor.ManualCheckin(c.Request.Context(), caller(c), courseID, m)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, rec)
}

type decisionBody struct {
	Approve *bool  `json:"approve" binding:"required"`
	Comment string `json:"comment"`
}

func (h *handlers) reviewPhoto(c *gin.Context) {
	var body decisionBody
	if err := bindJSON(c, &body); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.Processor.ReviewPhoto(c.Request.Context(), caller(c), c.Param("id"), *body.Approve, body.Comment)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, rec)
}

func (h *handlers) setNeedCheckin(c *gin.Context) {
	courseID, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var body struct {
		NeedCheckin *bool `json:"need_checkin" binding:"required"`
	}
	if err := bindJSON(c, &body); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Processor.SetNeedCheckin(c.Request.Context(), caller(c), courseID, *body.NeedCheckin); err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"course_id": courseID, "need_checkin": *body.NeedCheckin})
}

func (h *handlers) sweepCourse(c *gin.Context) {
	courseID, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.Sweeper.RunCourse(c.Request.Context(), caller(c), courseID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

// ── views ──

func (h *handlers) courseView(c *gin.Context) {
	courseID, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.Views.View(c.Request.Context(), caller(c), courseID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

func (h *handlers) schedule(c *gin.Context) {
	from, err := parseTimeQuery(c, "from")
	if err != nil {
		h.fail(c, err)
		return
	}
	to, err := parseTimeQuery(c, "to")
	if err != nil {
		h.fail(c, err)
		return
	}
	courses, err := h.Views.Schedule(c.Request.Context(), caller(c), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"courses": courses})
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, apperr.Validation("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be RFC3339: %v", name, err)
	}
	return t, nil
}

// ── windows ──

func (h *handlers) openWindow(c *gin.Context) {
	courseID, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var body struct {
		DurationSeconds int `json:"duration_seconds"`
	}
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &body); err != nil {
			h.fail(c, err)
			return
		}
	}
	opened, err := h.Windows.Open(c.Request.Context(), caller(c), courseID, time.Duration(body.DurationSeconds)*time.Second)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, opened)
}

func (h *handlers) listWindows(c *gin.Context) {
	courseID, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	views, err := h.Windows.List(c.Request.Context(), caller(c), courseID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"windows": views})
}

func (h *handlers) getWindow(c *gin.Context) {
	v, err := h.Windows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, v)
}

// ── leave ──

func (h *handlers) submitLeave(c *gin.Context) {
	var (
		req leave.Request
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		req, err = leaveFromForm(c)
	} else {
		err = bindJSON(c, &req)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	detail, err := h.Leaves.Submit(c.Request.Context(), caller(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, detail)
}

// leaveFromForm reads a multipart leave request; files come in the
// "attachments" field.
func leaveFromForm(c *gin.Context) (leave.Request, error) {
	req := leave.Request{
		RecordID:  c.PostForm("record_id"),
		LeaveType: c.PostForm("leave_type"),
		Reason:    c.PostForm("reason"),
	}
	if v := c.PostForm("course_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, apperr.Validation("invalid course_id %q", v)
		}
		req.CourseID = id
	}
	form, err := c.MultipartForm()
	if err != nil {
		return req, apperr.Validation("invalid multipart body: %v", err)
	}
	for _, fh := range form.File["attachments"] {
		if fh.Size > maxAttachmentBytes {
			return req, apperr.Validation("attachment %s exceeds %d bytes", fh.Filename, maxAttachmentBytes)
		}
		f, err := fh.Open()
		if err != nil {
			return req, apperr.Validation("read attachment %s: %v", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return req, apperr.Validation("read attachment %s: %v", fh.Filename, err)
		}
		req.Attachments = append(req.Attachments, leave.Attachment{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return req, nil
}

func (h *handlers) getLeave(c *gin.Context) {
	detail, err := h.Leaves.Get(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, detail)
}

func (h *handlers) withdrawLeave(c *gin.Context) {
	app, err := h.Leaves.Withdraw(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, app)
}

func (h *handlers) decideLeave(c *gin.Context) {
	var body decisionBody
	if err := bindJSON(c, &body); err != nil {
		h.fail(c, err)
		return
	}
	detail, err := h.Leaves.Decide(c.Request.Context(), caller(c), c.Param("id"), *body.Approve, body.Comment)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, detail)
}

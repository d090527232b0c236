package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dubplane/dubplane/pkg/audit"
	"github.com/dubplane/dubplane/pkg/models"
)

// CreateJob handles POST /api/jobs.
func (s *Server) CreateJob(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeSubmitJob); err != nil {
		replyError(c, err)
		return
	}
	var req models.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.jobs.Create(c.Request.Context(), id.UserID, req)
	if err != nil {
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventJobCreate, Outcome: "ok",
		RequestID: requestID(c), UserID: id.UserID, ResourceID: job.ID,
		Meta: map[string]any{"mode": string(job.Mode), "tgt_lang": job.TgtLang},
	})
	c.JSON(http.StatusCreated, job)
}

// ListJobs handles GET /api/jobs.
func (s *Server) ListJobs(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeReadJob); err != nil {
		replyError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	params := models.JobListParams{
		State:           models.JobState(c.Query("state")),
		Query:           c.Query("q"),
		Project:         c.Query("project"),
		Mode:            models.JobMode(c.Query("mode")),
		Tag:             c.Query("tag"),
		IncludeArchived: c.Query("include_archived") == "1",
		Limit:           limit,
		Offset:          offset,
	}
	resp, err := s.jobs.List(id, params)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /api/jobs/:id with checkpoint summary and player URLs.
func (s *Server) GetJob(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeReadJob); err != nil {
		replyError(c, err)
		return
	}
	detail, err := s.jobs.Detail(id, c.Param("id"))
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// CancelJob handles POST /api/jobs/:id/cancel. Idempotent.
func (s *Server) CancelJob(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeEditJob); err != nil {
		replyError(c, err)
		return
	}
	if err := s.jobs.Cancel(c.Request.Context(), id, c.Param("id")); err != nil {
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventJobCancel, Outcome: "ok",
		RequestID: requestID(c), UserID: id.UserID, ResourceID: c.Param("id"),
	})
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

// PauseJob handles POST /api/jobs/:id/pause.
func (s *Server) PauseJob(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeEditJob); err != nil {
		replyError(c, err)
		return
	}
	if err := s.jobs.Pause(id, c.Param("id")); err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeJob handles POST /api/jobs/:id/resume.
func (s *Server) ResumeJob(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeEditJob); err != nil {
		replyError(c, err)
		return
	}
	if err := s.jobs.Resume(c.Request.Context(), id, c.Param("id")); err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

type visibilityRequest struct {
	Visibility models.Visibility `json:"visibility" binding:"required"`
}

// SetJobVisibility handles POST /api/jobs/:id/visibility.
func (s *Server) SetJobVisibility(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeEditJob); err != nil {
		replyError(c, err)
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.jobs.SetVisibility(id, c.Param("id"), req.Visibility); err != nil {
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventJobVisibility, Outcome: "ok",
		RequestID: requestID(c), UserID: id.UserID, ResourceID: c.Param("id"),
		Meta: map[string]any{"visibility": string(req.Visibility)},
	})
	c.JSON(http.StatusOK, gin.H{"visibility": req.Visibility})
}

// DeleteJob handles DELETE /api/jobs/:id with artifact cascade.
func (s *Server) DeleteJob(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeEditJob); err != nil {
		replyError(c, err)
		return
	}
	if err := s.jobs.Delete(id, c.Param("id")); err != nil {
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventJobDelete, Outcome: "ok",
		RequestID: requestID(c), UserID: id.UserID, ResourceID: c.Param("id"),
	})
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// JobFiles handles GET /api/jobs/:id/files.
func (s *Server) JobFiles(c *gin.Context) {
	detail, err := s.jobs.Detail(identity(c), c.Param("id"))
	if err != nil {
		replyError(c, err)
		return
	}
	urls := detail.URLs
	if urls == nil {
		urls = map[string]string{}
	}
	c.JSON(http.StatusOK, gin.H{"urls": urls})
}

// JobLogsTail handles GET /api/jobs/:id/logs/tail?n=.
func (s *Server) JobLogsTail(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("n", "100"))
	lines, err := s.jobs.LogsTail(identity(c), c.Param("id"), n)
	if err != nil {
		replyError(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// JobLogsStream handles GET /api/jobs/:id/logs/stream with Server-Sent
// Events: replays the current tail, then follows appends until the client
// disconnects or the stream idles out.
func (s *Server) JobLogsStream(c *gin.Context) {
	path, err := s.jobs.LogPathForStreaming(identity(c), c.Param("id"))
	if err != nil {
		replyError(c, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no logs yet"})
			return
		}
		replyError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	buf := make([]byte, 16*1024)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(30 * time.Minute)
	defer deadline.Stop()

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			c.SSEvent("log", string(buf[:n]))
			c.Writer.Flush()
		}
		if readErr != nil && readErr != io.EOF {
			return
		}
		if n > 0 {
			continue
		}
		select {
		case <-c.Request.Context().Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// JobManifest handles GET /api/jobs/:id/manifest for published episodes.
func (s *Server) JobManifest(c *gin.Context) {
	m, err := s.library.Manifest(identity(c), c.Param("id"))
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type qaReviewRequest struct {
	SegmentID string                `json:"segment_id" binding:"required"`
	Status    models.QAReviewStatus `json:"status" binding:"required"`
	Note      string                `json:"note"`
}

// PutQAReview handles POST /api/jobs/:id/qa.
func (s *Server) PutQAReview(c *gin.Context) {
	var req qaReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.library.PutQAReview(identity(c), c.Param("id"), req.SegmentID, req.Status, req.Note); err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// ListQAReviews handles GET /api/jobs/:id/qa.
func (s *Server) ListQAReviews(c *gin.Context) {
	reviews, err := s.library.ListQAReviews(identity(c), c.Param("id"))
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}

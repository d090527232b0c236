package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dubplane/dubplane/pkg/audit"
)

// AdminQueue handles GET /api/admin/queue: scheduler snapshot, counters
// and distributed-queue status when redis mode is configured.
func (s *Server) AdminQueue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	resp := gin.H{
		"queue": s.sched.Snapshot(limit),
		"state": s.sched.State(),
	}
	if s.dq != nil {
		resp["distributed"] = s.dq.Status(c.Request.Context())
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventAdminQueueView, Outcome: "ok",
		RequestID: requestID(c), UserID: identity(c).UserID,
	})
	c.JSON(http.StatusOK, resp)
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

// AdminPriority handles POST /api/admin/jobs/:id/priority.
func (s *Server) AdminPriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.jobs.Reprioritize(c.Param("id"), req.Priority, s.sched.Reprioritize); err != nil {
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventAdminPriority, Outcome: "ok",
		RequestID: requestID(c), UserID: identity(c).UserID, ResourceID: c.Param("id"), JobID: c.Param("id"),
		Meta: map[string]any{"priority": req.Priority},
	})
	c.JSON(http.StatusOK, gin.H{"priority": req.Priority})
}

// AdminCancel handles POST /api/admin/jobs/:id/cancel. Admin identity
// passes the ownership check inside the job service.
func (s *Server) AdminCancel(c *gin.Context) {
	if err := s.jobs.Cancel(c.Request.Context(), identity(c), c.Param("id")); err != nil {
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventAdminCancel, Outcome: "ok",
		RequestID: requestID(c), UserID: identity(c).UserID, ResourceID: c.Param("id"), JobID: c.Param("id"),
	})
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

// AdminVisibility handles POST /api/admin/jobs/:id/visibility.
func (s *Server) AdminVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.jobs.SetVisibility(identity(c), c.Param("id"), req.Visibility); err != nil {
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventAdminVisible, Outcome: "ok",
		RequestID: requestID(c), UserID: identity(c).UserID, ResourceID: c.Param("id"), JobID: c.Param("id"),
		Meta: map[string]any{"visibility": string(req.Visibility)},
	})
	c.JSON(http.StatusOK, gin.H{"visibility": req.Visibility})
}

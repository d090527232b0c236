package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dubplane/dubplane/pkg/audit"
	"github.com/dubplane/dubplane/pkg/auth"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/services"
)

const chunkSHAHeader = "X-Chunk-Sha256"

// UploadInit handles POST /api/uploads/init.
func (s *Server) UploadInit(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeSubmitJob); err != nil {
		replyError(c, err)
		return
	}
	var req models.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.guard.CheckUploadInit(id.UserID, req.TotalBytes); err != nil {
		replyError(c, err)
		return
	}
	resp, err := s.uploads.Init(id.UserID, req)
	if err != nil {
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventUploadInit, Outcome: "ok",
		RequestID: requestID(c), UserID: id.UserID, ResourceID: resp.UploadID,
		Meta: map[string]any{"filename": req.Filename, "total_bytes": req.TotalBytes},
	})
	c.JSON(http.StatusOK, resp)
}

// ownedUpload loads an upload and verifies ownership. Non-owners get 404.
func (s *Server) ownedUpload(c *gin.Context) (*models.Upload, bool) {
	u, err := s.uploads.Get(c.Param("id"))
	if err != nil {
		replyError(c, services.ErrNotFound)
		return nil, false
	}
	id := identity(c)
	if u.OwnerID != id.UserID && !id.IsAdmin() {
		replyError(c, services.ErrNotFound)
		return nil, false
	}
	return u, true
}

// UploadChunk handles POST /api/uploads/:id/chunk?index=N&offset=O with the
// chunk bytes as body and its sha256 in X-Chunk-Sha256.
func (s *Server) UploadChunk(c *gin.Context) {
	u, ok := s.ownedUpload(c)
	if !ok {
		return
	}
	// The chunk budget is per upload, so one user's parallel uploads do
	// not throttle each other.
	if !s.limiter.Allow(auth.BucketChunk, u.ID) {
		replyRateLimited(c)
		return
	}
	index, err := strconv.Atoi(c.Query("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk index"})
		return
	}
	offset, err := strconv.ParseInt(c.Query("offset"), 10, 64)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk offset"})
		return
	}
	wantSHA := c.GetHeader(chunkSHAHeader)
	if wantSHA == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": chunkSHAHeader + " header is required"})
		return
	}
	updated, err := s.uploads.Chunk(u.ID, index, offset, wantSHA, c.Request.Body)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bytes_received": updated.ReceivedBytes,
		"total_bytes":    updated.TotalBytes,
	})
}

// UploadComplete handles POST /api/uploads/:id/complete. Idempotent.
func (s *Server) UploadComplete(c *gin.Context) {
	u, ok := s.ownedUpload(c)
	if !ok {
		return
	}
	completed, err := s.uploads.Complete(u.ID)
	if err != nil {
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventUploadComplete, Outcome: "ok",
		RequestID: requestID(c), UserID: identity(c).UserID, ResourceID: u.ID,
		Meta: map[string]any{"total_bytes": completed.TotalBytes},
	})
	c.JSON(http.StatusOK, gin.H{"upload_id": completed.ID, "state": "completed"})
}

// UploadStatus handles GET /api/uploads/:id/status.
func (s *Server) UploadStatus(c *gin.Context) {
	u, ok := s.ownedUpload(c)
	if !ok {
		return
	}
	status, err := s.uploads.Status(u.ID)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dubplane/dubplane/pkg/audit"
	"github.com/dubplane/dubplane/pkg/fsutil"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/services"
)

// ServeFile handles GET /files/*path: resolve strictly under the output
// root, authorize against the enclosing job, then stream with Range
// support (206/200/416, Accept-Ranges).
func (s *Server) ServeFile(c *gin.Context) {
	id := identity(c)
	if err := id.RequireScope(models.ScopeReadJob); err != nil {
		replyError(c, err)
		return
	}
	rel := strings.TrimPrefix(c.Param("path"), "/")
	abs, err := fsutil.ResolveUnder(s.cfg.Paths.OutputDir, rel)
	if err != nil {
		replyError(c, services.ErrNotFound)
		return
	}

	job, err := s.jobs.JobForPath(abs)
	if err != nil {
		replyError(c, services.ErrNotFound)
		return
	}
	if !id.CanViewJob(job.OwnerID, job.Visibility) {
		replyError(c, services.ErrNotFound)
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		replyError(c, services.ErrNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		replyError(c, services.ErrNotFound)
		return
	}

	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventFileDownload, Outcome: "ok",
		RequestID: requestID(c), UserID: id.UserID, ResourceID: job.ID, JobID: job.ID,
		Meta: map[string]any{"file": rel, "bytes": info.Size()},
	})

	c.Header("Accept-Ranges", "bytes")
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dubplane/dubplane/pkg/audit"
	"github.com/dubplane/dubplane/pkg/auth"
	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/distqueue"
	"github.com/dubplane/dubplane/pkg/metrics"
	"github.com/dubplane/dubplane/pkg/retention"
	"github.com/dubplane/dubplane/pkg/scheduler"
	"github.com/dubplane/dubplane/pkg/services"
	"github.com/dubplane/dubplane/pkg/upload"
	"github.com/dubplane/dubplane/pkg/version"
)

// Cookie names. The refresh cookie is scoped to the auth endpoints so it
// never rides ordinary API calls.
const (
	cookieSession = "dp_session"
	cookieRefresh = "dp_refresh"
	cookieCSRF    = "dp_csrf"

	csrfHeader = "X-CSRF-Token"

	sessionTTL = 12 * time.Hour
	csrfTTL    = 12 * time.Hour
)

// Server wires the HTTP surface to the service layer.
type Server struct {
	cfg      *config.Config
	accounts *services.AccountService
	jobs     *services.JobService
	library  *services.LibraryService
	uploads  *upload.Service
	guard    *retention.Guard

	issuer *auth.TokenIssuer
	// signer seals session cookies; csrf seals the double-submit token
	// with its own secret.
	signer  *auth.Signer
	csrf    *auth.Signer
	limiter *auth.RateLimiter
	audit   *audit.Logger
	metrics *metrics.Metrics

	sched *scheduler.Scheduler
	// dq is nil unless QUEUE_MODE=redis.
	dq *distqueue.Adapter
}

// NewServer creates the API server.
func NewServer(
	cfg *config.Config,
	accounts *services.AccountService,
	jobs *services.JobService,
	library *services.LibraryService,
	uploads *upload.Service,
	guard *retention.Guard,
	issuer *auth.TokenIssuer,
	limiter *auth.RateLimiter,
	auditLog *audit.Logger,
	m *metrics.Metrics,
	sched *scheduler.Scheduler,
	dq *distqueue.Adapter,
) *Server {
	return &Server{
		cfg:      cfg,
		accounts: accounts,
		jobs:     jobs,
		library:  library,
		uploads:  uploads,
		guard:    guard,
		issuer:   issuer,
		signer:   auth.NewSigner(cfg.Auth.SessionSecret),
		csrf:     auth.NewSigner(cfg.Auth.CSRFSecret),
		limiter:  limiter,
		audit:    auditLog,
		metrics:  m,
		sched:    sched,
		dq:       dq,
	}
}

// Router builds the gin engine with all routes and middleware registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestID())
	r.Use(s.securityHeaders())
	r.Use(s.httpMetrics())

	r.GET("/healthz", s.Health)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api")
	{
		authGrp := api.Group("/auth")
		authGrp.POST("/login", s.Login)
		authGrp.POST("/refresh", s.Refresh)
		authGrp.POST("/logout", s.Logout)
		authGrp.POST("/invites/redeem", s.RedeemInvite)

		// Everything below requires an authenticated caller.
		priv := api.Group("")
		priv.Use(s.authenticate(), s.csrfGuard())

		priv.GET("/auth/me", s.Me)
		priv.POST("/auth/invites", s.CreateInvite)
		priv.GET("/auth/apikeys", s.ListAPIKeys)
		priv.POST("/auth/apikeys", s.CreateAPIKey)
		priv.DELETE("/auth/apikeys/:id", s.RevokeAPIKey)

		priv.POST("/uploads/init", s.UploadInit)
		priv.POST("/uploads/:id/chunk", s.UploadChunk)
		priv.POST("/uploads/:id/complete", s.UploadComplete)
		priv.GET("/uploads/:id/status", s.UploadStatus)

		priv.POST("/jobs", s.CreateJob)
		priv.GET("/jobs", s.ListJobs)
		priv.GET("/jobs/:id", s.GetJob)
		priv.POST("/jobs/:id/cancel", s.CancelJob)
		priv.POST("/jobs/:id/pause", s.PauseJob)
		priv.POST("/jobs/:id/resume", s.ResumeJob)
		priv.POST("/jobs/:id/visibility", s.SetJobVisibility)
		priv.DELETE("/jobs/:id", s.DeleteJob)
		priv.GET("/jobs/:id/files", s.JobFiles)
		priv.GET("/jobs/:id/logs/tail", s.JobLogsTail)
		priv.GET("/jobs/:id/logs/stream", s.JobLogsStream)
		priv.GET("/jobs/:id/manifest", s.JobManifest)
		priv.GET("/jobs/:id/qa", s.ListQAReviews)
		priv.POST("/jobs/:id/qa", s.PutQAReview)

		priv.GET("/library", s.ListSeries)
		priv.GET("/library/search", s.LibrarySearch)
		priv.GET("/library/recent", s.LibraryRecent)
		priv.GET("/library/continue", s.ContinueWatching)
		priv.POST("/library/views", s.RecordView)
		priv.GET("/library/:series/seasons", s.ListSeasons)
		priv.GET("/library/:series/voices", s.ListVoiceProfiles)
		priv.POST("/library/:series/voices", s.AddVoiceProfile)
		priv.GET("/library/:series/:season/episodes", s.ListEpisodes)

		admin := priv.Group("/admin", s.requireAdmin())
		admin.GET("/queue", s.AdminQueue)
		admin.POST("/jobs/:id/priority", s.AdminPriority)
		admin.POST("/jobs/:id/cancel", s.AdminCancel)
		admin.POST("/jobs/:id/visibility", s.AdminVisibility)
		admin.GET("/users/:id/quota", s.GetQuota)
		admin.PUT("/users/:id/quota", s.SetQuota)
	}

	files := r.Group("/files")
	files.Use(s.authenticate(), s.csrfGuard())
	files.GET("/*path", s.ServeFile)

	return r
}

// Health reports process liveness and queue mode.
func (s *Server) Health(c *gin.Context) {
	resp := gin.H{"status": "healthy", "version": version.Full(), "queue_mode": "local"}
	if s.dq != nil {
		resp["queue_mode"] = string(s.dq.Mode())
	}
	c.JSON(http.StatusOK, resp)
}

// Serve runs the HTTP server until ctx is canceled, then drains.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dubplane/dubplane/pkg/audit"
	"github.com/dubplane/dubplane/pkg/auth"
	"github.com/dubplane/dubplane/pkg/models"
)

func (s *Server) requestMeta(c *gin.Context) auth.RequestMeta {
	return auth.RequestMeta{
		DeviceID:  c.GetHeader("X-Device-Id"),
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// Login handles POST /api/auth/login. With session=true the tokens ride
// cookies instead of the JSON body.
func (s *Server) Login(c *gin.Context) {
	if !s.limiter.Allow(auth.BucketLogin, c.ClientIP()) {
		replyRateLimited(c)
		return
	}
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.accounts.Login(req.Username, req.Password, s.requestMeta(c))
	if err != nil {
		s.audit.Log(audit.Entry{
			TS: time.Now().UTC(), Event: audit.EventLoginFailed, Outcome: "denied",
			RequestID: requestID(c), Meta: map[string]any{"username": req.Username, "ip": c.ClientIP()},
		})
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventLoginOK, Outcome: "ok",
		RequestID: requestID(c), UserID: res.User.ID,
	})

	resp := models.TokenResponse{
		AccessToken: res.AccessToken,
		ExpiresIn:   int(s.cfg.Auth.AccessTokenTTL.Seconds()),
	}
	if req.Session {
		s.setSessionCookies(c, res.User.ID, res.RefreshToken)
	} else {
		resp.RefreshToken = res.RefreshToken
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) setSessionCookies(c *gin.Context, userID, refreshToken string) {
	secure := s.cfg.Auth.CookieSecure
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(cookieSession, s.signer.Sign(userID, sessionTTL),
		int(sessionTTL.Seconds()), "/", "", secure, true)
	c.SetCookie(cookieRefresh, refreshToken,
		int(s.cfg.Auth.RefreshTokenTTL.Seconds()), "/api/auth", "", secure, true)
	// Readable by the frontend so it can echo the value in X-CSRF-Token.
	if csrf, err := s.csrf.NewCSRFToken(csrfTTL); err == nil {
		c.SetCookie(cookieCSRF, csrf, int(csrfTTL.Seconds()), "/", "", secure, false)
	}
}

func (s *Server) clearSessionCookies(c *gin.Context) {
	secure := s.cfg.Auth.CookieSecure
	c.SetCookie(cookieSession, "", -1, "/", "", secure, true)
	c.SetCookie(cookieRefresh, "", -1, "/api/auth", "", secure, true)
	c.SetCookie(cookieCSRF, "", -1, "/", "", secure, false)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /api/auth/refresh. The presented token comes from
// the body or, for session callers, the refresh cookie; it is rotated and
// the old one revoked.
func (s *Server) Refresh(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)
	presented := req.RefreshToken
	fromCookie := false
	if presented == "" {
		if cookie, err := c.Cookie(cookieRefresh); err == nil {
			presented = cookie
			fromCookie = true
		}
	}
	if presented == "" {
		replyError(c, auth.ErrUnauthenticated)
		return
	}
	res, err := s.accounts.Refresh(presented, s.requestMeta(c))
	if err != nil {
		s.clearSessionCookies(c)
		replyError(c, err)
		return
	}
	s.audit.Log(audit.Entry{
		TS: time.Now().UTC(), Event: audit.EventRefreshOK, Outcome: "ok",
		RequestID: requestID(c), UserID: res.User.ID,
	})
	resp := models.TokenResponse{
		AccessToken: res.AccessToken,
		ExpiresIn:   int(s.cfg.Auth.AccessTokenTTL.Seconds()),
	}
	if fromCookie {
		s.setSessionCookies(c, res.User.ID, res.RefreshToken)
	} else {
		resp.RefreshToken = res.RefreshToken
	}
	c.JSON(http.StatusOK, resp)
}

// Logout handles POST /api/auth/logout: best-effort refresh revocation
// plus cookie clearing. Always succeeds.
func (s *Server) Logout(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)
	presented := req.RefreshToken
	if presented == "" {
		presented, _ = c.Cookie(cookieRefresh)
	}
	if presented != "" {
		s.accounts.Logout(presented)
	}
	s.clearSessionCookies(c)
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// Me returns the caller's resolved identity.
func (s *Server) Me(c *gin.Context) {
	id := identity(c)
	u, err := s.accounts.GetUser(id.UserID)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u, "method": id.Method, "scopes": id.Scopes})
}

type createInviteRequest struct {
	TTLHours int `json:"ttl_hours"`
}

// CreateInvite mints a single-use invite token. Admin only.
func (s *Server) CreateInvite(c *gin.Context) {
	id := identity(c)
	if err := id.RequireRole(models.RoleAdmin); err != nil {
		replyError(c, err)
		return
	}
	var req createInviteRequest
	_ = c.ShouldBindJSON(&req)
	ttl := 72 * time.Hour
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}
	token, err := s.accounts.CreateInvite(id.UserID, ttl)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite_token": token, "expires_in": int(ttl.Seconds())})
}

type redeemInviteRequest struct {
	Token    string `json:"token" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RedeemInvite creates an account from an invite token. Rate limited by
// client IP and by token prefix to blunt brute forcing.
func (s *Server) RedeemInvite(c *gin.Context) {
	if !s.limiter.Allow(auth.BucketInviteIP, c.ClientIP()) {
		replyRateLimited(c)
		return
	}
	var req redeemInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prefix := req.Token
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	if !s.limiter.Allow(auth.BucketInvitePrefix, prefix) {
		replyRateLimited(c)
		return
	}
	u, err := s.accounts.RedeemInvite(req.Token, req.Username, req.Password)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

type createAPIKeyRequest struct {
	Scopes []models.Scope `json:"scopes" binding:"required"`
}

// CreateAPIKey mints an API key for the caller. The plaintext is returned
// exactly once.
func (s *Server) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.accounts.CreateAPIKey(identity(c).UserID, req.Scopes)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ListAPIKeys lists the caller's keys, hashes omitted.
func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.accounts.ListAPIKeys(identity(c).UserID)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// RevokeAPIKey revokes one of the caller's keys. Admins may revoke any.
func (s *Server) RevokeAPIKey(c *gin.Context) {
	id := identity(c)
	keys, err := s.accounts.ListAPIKeys(id.UserID)
	if err != nil {
		replyError(c, err)
		return
	}
	owned := false
	for _, k := range keys {
		if k.ID == c.Param("id") {
			owned = true
			break
		}
	}
	if !owned && !id.IsAdmin() {
		replyError(c, auth.ErrForbidden)
		return
	}
	if err := s.accounts.RevokeAPIKey(c.Param("id")); err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// GetQuota returns a user's quota overrides. Admin only (route-gated).
func (s *Server) GetQuota(c *gin.Context) {
	q, err := s.accounts.GetQuota(c.Param("id"))
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// SetQuota replaces a user's quota overrides. Admin only (route-gated).
func (s *Server) SetQuota(c *gin.Context) {
	var q models.UserQuota
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.accounts.SetQuota(c.Param("id"), &q); err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

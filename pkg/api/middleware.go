package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dubplane/dubplane/pkg/auth"
)

const (
	ctxIdentity  = "identity"
	ctxRequestID = "request_id"

	requestIDHeader = "X-Request-Id"
)

// requestID attaches a request id, honoring one supplied by a proxy.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// securityHeaders sets standard security response headers.
func (s *Server) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// httpMetrics counts requests by method, route template and status.
func (s *Server) httpMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(c.Writer.Status()),
		).Inc()
	}
}

// authenticate resolves the caller's identity. Resolution order: API key,
// bearer access token, session cookie. Unauthenticated requests are
// rejected here; fine-grained authorization happens in handlers.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.resolveIdentity(c)
		if err != nil {
			replyError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxIdentity, id)
		c.Next()
	}
}

func (s *Server) resolveIdentity(c *gin.Context) (*auth.Identity, error) {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return s.identityFromAPIKey(key)
	}

	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		if _, isKey := auth.SplitAPIKey(token); isKey {
			return s.identityFromAPIKey(token)
		}
		claims, err := s.issuer.Parse(token, auth.TokenTypeAccess)
		if err != nil {
			return nil, auth.ErrUnauthenticated
		}
		return &auth.Identity{
			UserID: claims.Subject,
			Role:   claims.Role,
			Scopes: claims.Scopes,
			Method: auth.MethodBearer,
		}, nil
	}

	if cookie, err := c.Cookie(cookieSession); err == nil {
		userID, err := s.signer.Verify(cookie)
		if err != nil {
			return nil, auth.ErrUnauthenticated
		}
		u, err := s.accounts.GetUser(userID)
		if err != nil {
			return nil, auth.ErrUnauthenticated
		}
		return &auth.Identity{
			UserID:   u.ID,
			Username: u.Username,
			Role:     u.Role,
			Method:   auth.MethodSession,
		}, nil
	}

	return nil, auth.ErrUnauthenticated
}

func (s *Server) identityFromAPIKey(key string) (*auth.Identity, error) {
	u, scopes, err := s.accounts.ResolveAPIKey(key)
	if err != nil {
		return nil, auth.ErrUnauthenticated
	}
	return &auth.Identity{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
		Scopes:   scopes,
		Method:   auth.MethodAPIKey,
	}, nil
}

// csrfGuard enforces double-submit CSRF on state-changing requests from
// session-cookie callers. API-key and bearer callers carry no ambient
// credential, so they are exempt.
func (s *Server) csrfGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		id := identity(c)
		if id == nil || id.Method != auth.MethodSession {
			c.Next()
			return
		}
		header := c.GetHeader(csrfHeader)
		cookie, err := c.Cookie(cookieCSRF)
		if err != nil || header == "" || header != cookie {
			replyError(c, auth.ErrForbidden)
			c.Abort()
			return
		}
		if _, err := s.csrf.Verify(cookie); err != nil {
			replyError(c, auth.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// requireAdmin gates the admin group.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := identity(c); id == nil || !id.IsAdmin() {
			replyError(c, auth.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// identity returns the resolved caller, or nil on unauthenticated routes.
func identity(c *gin.Context) *auth.Identity {
	v, ok := c.Get(ctxIdentity)
	if !ok {
		return nil
	}
	id, _ := v.(*auth.Identity)
	return id
}

func requestID(c *gin.Context) string {
	return c.GetString(ctxRequestID)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/audit"
	"github.com/dubplane/dubplane/pkg/auth"
	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/metrics"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/retention"
	"github.com/dubplane/dubplane/pkg/scheduler"
	"github.com/dubplane/dubplane/pkg/services"
	"github.com/dubplane/dubplane/pkg/store"
	"github.com/dubplane/dubplane/pkg/upload"
)

// schedQueue is the local admission backend used by the API tests.
type schedQueue struct{ s *scheduler.Scheduler }

func (q schedQueue) Submit(_ context.Context, job scheduler.QueuedJob) error {
	q.s.Submit(job)
	return nil
}
func (q schedQueue) Drop(jobID string) int                  { return q.s.Drop(jobID) }
func (q schedQueue) Cancel(context.Context, string, string) error { return nil }

type testEnv struct {
	t        *testing.T
	router   http.Handler
	cfg      *config.Config
	authDB   *store.AuthStore
	jobDB    *store.JobStore
	accounts *services.AccountService
	paths    config.PathsConfig
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvCfg(t, nil)
}

// newTestEnvCfg builds the env with an optional config tweak applied before
// any component is constructed.
func newTestEnvCfg(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	paths := config.PathsConfig{
		AppRoot:   root,
		InputDir:  filepath.Join(root, "in"),
		OutputDir: filepath.Join(root, "out"),
		LogDir:    filepath.Join(root, "logs"),
		StateDir:  filepath.Join(root, "state"),
	}
	for _, d := range []string{paths.InputDir, paths.OutputDir, paths.LogDir, paths.StateDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	cfg := &config.Config{
		Paths: paths,
		Auth: config.AuthConfig{
			JWTSecret:       []byte("test-jwt-secret"),
			SessionSecret:   []byte("test-session-secret"),
			CSRFSecret:      []byte("test-csrf-secret"),
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 24 * time.Hour,
			AdminUsername:   "root",
			AdminPassword:   "root password",
		},
		Queue: config.QueueConfig{
			MaxConcurrencyGlobal:  2,
			MaxConcurrencyPerUser: 1,
		},
		Upload: config.UploadConfig{
			MaxUploadBytes:     1 << 20,
			ChunkBytes:         64,
			ChunkRatePerSecond: 1000,
		},
		Quota: config.QuotaConfig{
			MaxUploadBytes:    1 << 20,
			JobsPerDay:        100,
			MaxConcurrentJobs: 100,
			MaxStorageBytes:   1 << 40,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	authDB, err := store.OpenAuthStore(filepath.Join(paths.StateDir, "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = authDB.Close() })
	jobDB, err := store.OpenJobStore(filepath.Join(paths.StateDir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobDB.Close() })

	issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	rotator := auth.NewRotator(authDB, issuer)
	accounts := services.NewAccountService(cfg.Auth, authDB, issuer, rotator)
	require.NoError(t, accounts.BootstrapAdmin())

	m := metrics.New()
	auditLog := audit.New(paths.LogDir, paths.OutputDir)
	guard := retention.NewGuard(cfg.Quota, cfg.Retention, authDB, jobDB, paths.OutputDir)
	uploads := upload.NewService(cfg.Upload, jobDB, filepath.Join(paths.InputDir, "uploads"))
	library := services.NewLibraryService(jobDB, paths)
	sched := scheduler.New(cfg.Queue, func(scheduler.QueuedJob) {})
	jobs := services.NewJobService(jobDB, guard, schedQueue{sched}, m, paths)
	limiter := auth.NewRateLimiter(cfg.Upload.ChunkRatePerSecond)

	srv := NewServer(cfg, accounts, jobs, library, uploads, guard, issuer, limiter, auditLog, m, sched, nil)
	return &testEnv{
		t:        t,
		router:   srv.Router(),
		cfg:      cfg,
		authDB:   authDB,
		jobDB:    jobDB,
		accounts: accounts,
		paths:    paths,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) jsonReq(method, path, token string, body any) *http.Request {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// createUser inserts an operator account directly and returns its id.
func (e *testEnv) createUser(username, password string) string {
	hash, err := auth.HashPassword(password)
	require.NoError(e.t, err)
	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         models.RoleOperator,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(e.t, e.authDB.PutUser(u))
	return u.ID
}

func (e *testEnv) login(username, password string) models.TokenResponse {
	w := e.do(e.jsonReq(http.MethodPost, "/api/auth/login", "",
		models.LoginRequest{Username: username, Password: password}))
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
	var resp models.TokenResponse
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// putJob inserts a job row with a real work dir under the output root.
func (e *testEnv) putJob(owner, seriesSlug string, vis models.Visibility) *models.Job {
	workDir := filepath.Join(e.paths.OutputDir, "job-dir-"+uuid.NewString()[:8])
	require.NoError(e.t, os.MkdirAll(filepath.Join(workDir, "logs"), 0o755))
	now := time.Now().UTC()
	j := &models.Job{
		ID:           uuid.NewString(),
		OwnerID:      owner,
		VideoPath:    filepath.Join(e.paths.InputDir, "src.mkv"),
		Mode:         models.JobModeMedium,
		Device:       models.DeviceAuto,
		TgtLang:      "de",
		State:        models.JobStateDone,
		WorkDir:      workDir,
		LogPath:      filepath.Join(workDir, "logs", "pipeline.txt"),
		SeriesSlug:   seriesSlug,
		SeriesTitle:  strings.ReplaceAll(seriesSlug, "-", " "),
		SeasonNumber: 1, EpisodeNumber: 1,
		Visibility: vis,
		CreatedAt:  now, UpdatedAt: now,
	}
	require.NoError(e.t, e.jobDB.PutJob(j))
	return j
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.Contains(t, w.Body.String(), "local")
}

func TestLoginAndTokenAuth(t *testing.T) {
	e := newTestEnv(t)

	resp := e.login("root", "root password")
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken, "non-session login returns the refresh token in the body")

	w := e.do(e.jsonReq(http.MethodGet, "/api/auth/me", resp.AccessToken, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "root")

	w = e.do(e.jsonReq(http.MethodPost, "/api/auth/login", "",
		models.LoginRequest{Username: "root", Password: "wrong"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(e.jsonReq(http.MethodGet, "/api/auth/me", "not-a-token", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(e.jsonReq(http.MethodGet, "/api/auth/me", "", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionLoginSetsCookiesAndCSRF(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(e.jsonReq(http.MethodPost, "/api/auth/login", "",
		models.LoginRequest{Username: "root", Password: "root password", Session: true}))
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.RefreshToken, "session login keeps the refresh token out of the body")

	cookies := w.Result().Cookies()
	byName := map[string]*http.Cookie{}
	for _, ck := range cookies {
		byName[ck.Name] = ck
	}
	require.Contains(t, byName, "dp_session")
	require.Contains(t, byName, "dp_refresh")
	require.Contains(t, byName, "dp_csrf")
	assert.True(t, byName["dp_session"].HttpOnly)
	assert.True(t, byName["dp_refresh"].HttpOnly)
	assert.Equal(t, "/api/auth", byName["dp_refresh"].Path)
	assert.False(t, byName["dp_csrf"].HttpOnly, "frontend reads the CSRF cookie")

	// A GET with just the session cookie works.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(byName["dp_session"])
	assert.Equal(t, http.StatusOK, e.do(req).Code)

	// A POST without the CSRF header is refused.
	req = e.jsonReq(http.MethodPost, "/api/uploads/init", "",
		models.InitUploadRequest{Filename: "a.mkv", TotalBytes: 10})
	req.AddCookie(byName["dp_session"])
	req.AddCookie(byName["dp_csrf"])
	assert.Equal(t, http.StatusForbidden, e.do(req).Code)

	// Echoing the cookie value in X-CSRF-Token passes the guard.
	req = e.jsonReq(http.MethodPost, "/api/uploads/init", "",
		models.InitUploadRequest{Filename: "a.mkv", TotalBytes: 10})
	req.AddCookie(byName["dp_session"])
	req.AddCookie(byName["dp_csrf"])
	req.Header.Set("X-CSRF-Token", byName["dp_csrf"].Value)
	assert.Equal(t, http.StatusOK, e.do(req).Code)

	// A forged, unsigned pair fails even when header and cookie match.
	req = e.jsonReq(http.MethodPost, "/api/uploads/init", "",
		models.InitUploadRequest{Filename: "a.mkv", TotalBytes: 10})
	req.AddCookie(byName["dp_session"])
	req.AddCookie(&http.Cookie{Name: "dp_csrf", Value: "forged"})
	req.Header.Set("X-CSRF-Token", "forged")
	assert.Equal(t, http.StatusForbidden, e.do(req).Code)
}

func TestCSRFTokenSignedWithDedicatedSecret(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(e.jsonReq(http.MethodPost, "/api/auth/login", "",
		models.LoginRequest{Username: "root", Password: "root password", Session: true}))
	require.Equal(t, http.StatusOK, w.Code)

	var csrf string
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "dp_csrf" {
			csrf = ck.Value
		}
	}
	require.NotEmpty(t, csrf)

	_, err := auth.NewSigner(e.cfg.Auth.CSRFSecret).Verify(csrf)
	assert.NoError(t, err, "CSRF token verifies under CSRF_SECRET")
	_, err = auth.NewSigner(e.cfg.Auth.SessionSecret).Verify(csrf)
	assert.Error(t, err, "CSRF token must not be valid under the session secret")
}

func TestRefreshRotation(t *testing.T) {
	e := newTestEnv(t)
	first := e.login("root", "root password")

	w := e.do(e.jsonReq(http.MethodPost, "/api/auth/refresh", "",
		map[string]string{"refresh_token": first.RefreshToken}))
	require.Equal(t, http.StatusOK, w.Code)
	var second models.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Replaying the consumed token is rejected.
	w = e.do(e.jsonReq(http.MethodPost, "/api/auth/refresh", "",
		map[string]string{"refresh_token": first.RefreshToken}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("op", "operator pass")
	op := e.login("op", "operator pass")
	admin := e.login("root", "root password")

	w := e.do(e.jsonReq(http.MethodGet, "/api/admin/queue", op.AccessToken, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(e.jsonReq(http.MethodGet, "/api/admin/queue", admin.AccessToken, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "queue")
}

func TestAPIKeyAuthWithScopes(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("op", "operator pass")
	op := e.login("op", "operator pass")

	w := e.do(e.jsonReq(http.MethodPost, "/api/auth/apikeys", op.AccessToken,
		map[string]any{"scopes": []string{"read:job"}}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.True(t, strings.HasPrefix(created.Key, "dp_"), created.Key)

	// read:job lets the key list jobs…
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("X-API-Key", created.Key)
	assert.Equal(t, http.StatusOK, e.do(req).Code)

	// …but not start uploads.
	req = e.jsonReq(http.MethodPost, "/api/uploads/init", "",
		models.InitUploadRequest{Filename: "a.mkv", TotalBytes: 10})
	req.Header.Set("X-API-Key", created.Key)
	assert.Equal(t, http.StatusForbidden, e.do(req).Code)

	// The key also rides the Authorization header.
	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+created.Key)
	assert.Equal(t, http.StatusOK, e.do(req).Code)
}

func TestJobVisibilityOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	alice := e.createUser("alice", "alice password")
	e.createUser("bob", "bob password")
	aliceTok := e.login("alice", "alice password")
	bobTok := e.login("bob", "bob password")

	job := e.putJob(alice, "show-a", models.VisibilityPrivate)

	w := e.do(e.jsonReq(http.MethodGet, "/api/jobs/"+job.ID, aliceTok.AccessToken, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(e.jsonReq(http.MethodGet, "/api/jobs/"+job.ID, bobTok.AccessToken, nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "private jobs do not leak their ids")

	w = e.do(e.jsonReq(http.MethodPost, "/api/jobs/"+job.ID+"/visibility", aliceTok.AccessToken,
		map[string]string{"visibility": "shared"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(e.jsonReq(http.MethodGet, "/api/jobs/"+job.ID, bobTok.AccessToken, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Read access never grants writes.
	w = e.do(e.jsonReq(http.MethodPost, "/api/jobs/"+job.ID+"/cancel", bobTok.AccessToken, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

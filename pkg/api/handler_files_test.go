package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/models"
)

func TestServeFileRangeSemantics(t *testing.T) {
	e := newTestEnv(t)
	alice := e.createUser("alice", "alice password")
	tok := e.login("alice", "alice password").AccessToken

	job := e.putJob(alice, "show-a", models.VisibilityPrivate)
	payload := bytes.Repeat([]byte{0xAB}, 256)
	require.NoError(t, os.WriteFile(filepath.Join(job.WorkDir, "mobile.mp4"), payload, 0o644))
	rel := filepath.Base(job.WorkDir) + "/mobile.mp4"

	get := func(rangeHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/files/"+rel, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		return e.do(req)
	}

	// Plain GET: whole file, range support advertised.
	w := get("")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, payload, w.Body.Bytes())

	// First hundred bytes.
	w = get("bytes=0-99")
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 0-99/256", w.Header().Get("Content-Range"))
	assert.Equal(t, payload[:100], w.Body.Bytes())

	// Open-ended suffix.
	w = get("bytes=200-")
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 200-255/256", w.Header().Get("Content-Range"))
	assert.Len(t, w.Body.Bytes(), 56)

	// Past the end.
	w = get("bytes=999-")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
}

func TestServeFileAuthorization(t *testing.T) {
	e := newTestEnv(t)
	alice := e.createUser("alice", "alice password")
	e.createUser("bob", "bob password")
	aliceTok := e.login("alice", "alice password").AccessToken
	bobTok := e.login("bob", "bob password").AccessToken

	job := e.putJob(alice, "show-a", models.VisibilityPrivate)
	require.NoError(t, os.WriteFile(filepath.Join(job.WorkDir, "mobile.mp4"), []byte("clip"), 0o644))
	rel := filepath.Base(job.WorkDir) + "/mobile.mp4"

	get := func(token, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return e.do(req).Code
	}

	assert.Equal(t, http.StatusOK, get(aliceTok, "/files/"+rel))
	assert.Equal(t, http.StatusNotFound, get(bobTok, "/files/"+rel),
		"private artifacts read as missing to strangers")

	require.NoError(t, e.jobDB.UpdateJob(job.ID, map[string]any{"visibility": models.VisibilityShared}))
	assert.Equal(t, http.StatusOK, get(bobTok, "/files/"+rel))

	// Traversal and out-of-tree paths resolve to nothing.
	assert.Equal(t, http.StatusNotFound, get(aliceTok, "/files/../../etc/passwd"))
	assert.Equal(t, http.StatusNotFound, get(aliceTok, "/files/no-such-dir/file.mp4"))

	// Directories are not servable.
	assert.Equal(t, http.StatusNotFound, get(aliceTok, "/files/"+filepath.Base(job.WorkDir)))
}

func TestServeFilePublishedLibraryArtifact(t *testing.T) {
	e := newTestEnv(t)
	alice := e.createUser("alice", "alice password")
	tok := e.login("alice", "alice password").AccessToken

	job := e.putJob(alice, "show-a", models.VisibilityPrivate)
	libDir := filepath.Join(e.paths.OutputDir, "Library", "show-a", "season-01", "episode-01", "job-"+job.ID)
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "subs.srt"), []byte("1\n"), 0o644))

	req := httptest.NewRequest(http.MethodGet,
		"/files/Library/show-a/season-01/episode-01/job-"+job.ID+"/subs.srt", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := e.do(req)
	assert.Equal(t, http.StatusOK, w.Code, "published files authorize through their job-id segment")
}

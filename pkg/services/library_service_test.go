package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/fsutil"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/store"
)

func newTestLibraryService(t *testing.T) (*LibraryService, *store.JobStore, config.PathsConfig) {
	t.Helper()
	root := t.TempDir()
	paths := config.PathsConfig{
		InputDir:  filepath.Join(root, "in"),
		OutputDir: filepath.Join(root, "out"),
	}
	require.NoError(t, os.MkdirAll(paths.InputDir, 0o755))
	require.NoError(t, os.MkdirAll(paths.OutputDir, 0o755))
	st, err := store.OpenJobStore(filepath.Join(root, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewLibraryService(st, paths), st, paths
}

func finishedJob(t *testing.T, st *store.JobStore, paths config.PathsConfig, owner, slug string) *models.Job {
	t.Helper()
	workDir := filepath.Join(paths.OutputDir, "work-"+uuid.NewString()[:8])
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	mkv := filepath.Join(workDir, "out.de.mkv")
	srt := filepath.Join(workDir, "out.de.srt")
	require.NoError(t, os.WriteFile(mkv, []byte("mkv bytes"), 0o644))
	require.NoError(t, os.WriteFile(srt, []byte("1\n"), 0o644))
	now := time.Now().UTC()
	j := &models.Job{
		ID:      uuid.NewString(),
		OwnerID: owner, VideoPath: "in.mkv",
		Mode: models.JobModeMedium, Device: models.DeviceAuto, TgtLang: "de",
		State: models.JobStateDone, WorkDir: workDir,
		OutputMKV: mkv, OutputSRT: srt,
		SeriesSlug: slug, SeriesTitle: "Show A",
		SeasonNumber: 2, EpisodeNumber: 7,
		Visibility: models.VisibilityPrivate,
		CreatedAt:  now, UpdatedAt: now,
	}
	require.NoError(t, st.PutJob(j))
	return j
}

func TestPublishEpisodeWritesManifest(t *testing.T) {
	s, st, paths := newTestLibraryService(t)
	job := finishedJob(t, st, paths, "alice", "show-a")

	urls := map[string]string{"master": "/files/x/out.de.mkv"}
	require.NoError(t, s.PublishEpisode(job, urls))

	dir := filepath.Join(paths.OutputDir, "Library", "show-a", "season-02", "episode-07", "job-"+job.ID)
	assert.FileExists(t, filepath.Join(dir, "master.mkv"))
	assert.FileExists(t, filepath.Join(dir, "subs.srt"))

	var m models.Manifest
	require.NoError(t, fsutil.ReadJSON(filepath.Join(dir, "manifest.json"), &m))
	assert.Equal(t, 1, m.Version)
	assert.Equal(t, job.ID, m.JobID)
	assert.Equal(t, "show-a", m.SeriesSlug)
	assert.Equal(t, "alice", m.OwnerUserID)
	assert.Equal(t, models.VisibilityPrivate, m.Visibility)
	assert.Equal(t, urls, m.URLs)
	assert.Contains(t, m.Paths, "master")
	assert.NotContains(t, m.Paths, "mobile", "missing artifacts stay out of the manifest")
}

func TestPublishEpisodeWithoutSeriesGoesUnsorted(t *testing.T) {
	s, st, paths := newTestLibraryService(t)
	job := finishedJob(t, st, paths, "alice", "")

	require.NoError(t, s.PublishEpisode(job, nil))
	dir := filepath.Join(paths.OutputDir, "Library", "unsorted", "season-02", "episode-07", "job-"+job.ID)
	assert.FileExists(t, filepath.Join(dir, "manifest.json"))
}

func TestPublishEpisodeCarriesDegradedReasons(t *testing.T) {
	s, st, paths := newTestLibraryService(t)
	job := finishedJob(t, st, paths, "alice", "show-a")
	rt := job.Runtime()
	rt.Metadata.DegradedReasons = []string{"separation skipped", "tts fallback voice"}
	job.SetRuntime(rt)
	require.NoError(t, st.UpdateJob(job.ID, map[string]any{"runtime": job.RuntimeJSON}))

	require.NoError(t, s.PublishEpisode(job, nil))
	dir := filepath.Join(paths.OutputDir, "Library", "show-a", "season-02", "episode-07", "job-"+job.ID)
	var m models.Manifest
	require.NoError(t, fsutil.ReadJSON(filepath.Join(dir, "manifest.json"), &m))
	assert.Contains(t, m.Extra["degraded_reasons"], "separation skipped")
}

func TestManifestVisibility(t *testing.T) {
	s, st, paths := newTestLibraryService(t)
	job := finishedJob(t, st, paths, "alice", "show-a")
	require.NoError(t, s.PublishEpisode(job, nil))

	owner := ident("alice", models.RoleOperator)
	stranger := ident("bob", models.RoleOperator)

	m, err := s.Manifest(owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, m.JobID)

	_, err = s.Manifest(stranger, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVoiceProfileVersioning(t *testing.T) {
	s, st, paths := newTestLibraryService(t)
	finishedJob(t, st, paths, "alice", "show-a")
	owner := ident("alice", models.RoleOperator)

	ref := filepath.Join(paths.OutputDir, "narrator.wav")
	require.NoError(t, os.WriteFile(ref, []byte("wav"), 0o644))

	p1, err := s.AddVoiceProfile(owner, "show-a", "narrator", ref)
	require.NoError(t, err)
	assert.Equal(t, 1, p1.Version)

	p2, err := s.AddVoiceProfile(owner, "show-a", "narrator", ref)
	require.NoError(t, err)
	assert.Equal(t, 2, p2.Version)

	other, err := s.AddVoiceProfile(owner, "show-a", "villain", ref)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version, "versions count per character")

	_, err = s.AddVoiceProfile(owner, "show-a", "narrator", "/etc/passwd")
	assert.True(t, IsValidationError(err), "reference audio must live under the output root")

	profiles, err := s.ListVoiceProfiles(owner, "show-a")
	require.NoError(t, err)
	assert.Len(t, profiles, 3)
}

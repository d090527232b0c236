package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/models"
)

func newTestJobStore(t *testing.T) *JobStore {
	t.Helper()
	s, err := OpenJobStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testJob(id, owner string, state models.JobState) *models.Job {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Job{
		ID:         id,
		OwnerID:    owner,
		VideoPath:  "/input/" + id + ".mkv",
		Mode:       models.JobModeMedium,
		Device:     models.DeviceAuto,
		TgtLang:    "de",
		State:      state,
		Visibility: models.VisibilityPrivate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := newTestJobStore(t)

	j := testJob("j1", "alice", models.JobStateQueued)
	j.SetRuntime(models.JobRuntime{SkipStages: []string{"diarize"}})
	require.NoError(t, s.PutJob(j))

	got, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, models.JobStateQueued, got.State)
	assert.Equal(t, []string{"diarize"}, got.Runtime().SkipStages)

	_, err = s.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobRejectsUnknownColumn(t *testing.T) {
	s := newTestJobStore(t)
	require.NoError(t, s.PutJob(testJob("j1", "alice", models.JobStateQueued)))

	require.NoError(t, s.UpdateJob("j1", map[string]any{
		"state": models.JobStateRunning, "progress": 0.25,
	}))
	got, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, got.State)
	assert.InDelta(t, 0.25, got.Progress, 1e-9)

	err = s.UpdateJob("j1", map[string]any{"owner_id": "mallory"})
	assert.Error(t, err, "owner is not an updatable column")

	err = s.UpdateJob("missing", map[string]any{"state": models.JobStateDone})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobsFilterAndPagination(t *testing.T) {
	s := newTestJobStore(t)
	for _, j := range []*models.Job{
		testJob("a", "alice", models.JobStateQueued),
		testJob("b", "alice", models.JobStateDone),
		testJob("c", "bob", models.JobStateQueued),
	} {
		require.NoError(t, s.PutJob(j))
	}

	queued, total, err := s.ListJobs(models.JobListParams{
		State: models.JobStateQueued, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, queued, 2)

	page, total, err := s.ListJobs(models.JobListParams{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 1)
}

func TestRecoverInterrupted(t *testing.T) {
	s := newTestJobStore(t)
	require.NoError(t, s.PutJob(testJob("run", "alice", models.JobStateRunning)))
	require.NoError(t, s.PutJob(testJob("done", "alice", models.JobStateDone)))

	n, err := s.RecoverInterrupted("Recovered after restart")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetJob("run")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, got.State)
	assert.Equal(t, "Recovered after restart", got.Message)

	done, err := s.GetJob("done")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateDone, done.State)
}

func TestLibraryRowTracksVisibility(t *testing.T) {
	s := newTestJobStore(t)
	j := testJob("ep1", "alice", models.JobStateDone)
	j.SeriesTitle = "Show A"
	j.SeriesSlug = "show-a"
	j.SeasonNumber = 1
	j.EpisodeNumber = 3
	require.NoError(t, s.PutJob(j))

	// Private: invisible to a non-owner, visible to the owner.
	exists, visible, err := s.SeriesVisibleTo("show-a", "bob", false)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, visible)
	_, visible, err = s.SeriesVisibleTo("show-a", "alice", false)
	require.NoError(t, err)
	assert.True(t, visible)

	require.NoError(t, s.UpdateJob("ep1", map[string]any{"visibility": models.VisibilityShared}))
	_, visible, err = s.SeriesVisibleTo("show-a", "bob", false)
	require.NoError(t, err)
	assert.True(t, visible, "shared series becomes visible to other users")

	exists, _, err = s.SeriesVisibleTo("no-such-show", "bob", false)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStorageLedgerReplaceAndSum(t *testing.T) {
	s := newTestJobStore(t)

	require.NoError(t, s.ReplaceStorageAccounting(
		[]*models.StorageEntry{
			{UserID: "alice", ObjectID: "j1", Kind: "job", Bytes: 100},
			{UserID: "alice", ObjectID: "j2", Kind: "job", Bytes: 50},
		},
		[]*models.StorageEntry{
			{UserID: "bob", ObjectID: "u1", Kind: "upload", Bytes: 30},
		},
	))

	got, err := s.StorageBytesForUser("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got)

	// Replace drops previous entries: j2 disappears from the ledger.
	require.NoError(t, s.ReplaceStorageAccounting(
		[]*models.StorageEntry{{UserID: "alice", ObjectID: "j1", Kind: "job", Bytes: 100}},
		nil,
	))
	got, err = s.StorageBytesForUser("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)
}

func TestUploadRows(t *testing.T) {
	s := newTestJobStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	u := &models.Upload{
		ID: "u1", OwnerID: "alice", Filename: "video.mkv",
		TotalBytes: 100, ChunkBytes: 40,
		PartPath: "/in/u1.part", FinalPath: "/in/u1_video.mkv",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.PutUpload(u))

	u.ReceivedBytes = 40
	require.NoError(t, s.UpdateUpload(u))
	got, err := s.GetUpload("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.ReceivedBytes)

	stale, err := s.ListStaleUploads(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, stale, 1, "uncompleted upload past cutoff is stale")

	u.Completed = true
	require.NoError(t, s.UpdateUpload(u))
	stale, err = s.ListStaleUploads(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale, "completed uploads are never stale")

	require.NoError(t, s.DeleteUpload("u1"))
	_, err = s.GetUpload("u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

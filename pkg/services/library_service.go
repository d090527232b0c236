package services

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dubplane/dubplane/pkg/auth"
	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/fsutil"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/store"
)

// LibraryService serves the browse surfaces (series, seasons, episodes,
// search, recent, continue-watching) and writes the canonical per-episode
// manifest. It is the only producer of manifest.json files.
type LibraryService struct {
	store *store.JobStore
	paths config.PathsConfig
}

// NewLibraryService creates the library service.
func NewLibraryService(st *store.JobStore, paths config.PathsConfig) *LibraryService {
	return &LibraryService{store: st, paths: paths}
}

// ListSeries returns the series visible to the caller.
func (s *LibraryService) ListSeries(id *auth.Identity) ([]*models.SeriesSummary, error) {
	return s.store.ListSeries(id.UserID, id.IsAdmin())
}

// ListSeasons returns season numbers for a series. A series the caller
// cannot see reads as not-found; a series they can see but whose seasons
// are all private to others returns forbidden.
func (s *LibraryService) ListSeasons(id *auth.Identity, slug string) ([]int, error) {
	if err := s.checkSeries(id, slug); err != nil {
		return nil, err
	}
	return s.store.ListSeasons(slug, id.UserID, id.IsAdmin())
}

// ListEpisodes returns the episodes of one season, visibility-filtered.
func (s *LibraryService) ListEpisodes(id *auth.Identity, slug string, season int) ([]*models.LibraryEntry, error) {
	if err := s.checkSeries(id, slug); err != nil {
		return nil, err
	}
	return s.store.ListEpisodes(slug, season, id.UserID, id.IsAdmin())
}

func (s *LibraryService) checkSeries(id *auth.Identity, slug string) error {
	exists, visible, err := s.store.SeriesVisibleTo(slug, id.UserID, id.IsAdmin())
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if !visible {
		return auth.ErrForbidden
	}
	return nil
}

// Search runs a title search over visible library entries.
func (s *LibraryService) Search(id *auth.Identity, q string, limit int) ([]*models.LibraryEntry, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, NewValidationError("q", "query must not be empty")
	}
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	return s.store.SearchLibrary(q, id.UserID, id.IsAdmin(), limit)
}

// Recent returns the most recently finished visible episodes.
func (s *LibraryService) Recent(id *auth.Identity, limit int) ([]*models.LibraryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.RecentLibrary(id.UserID, id.IsAdmin(), limit)
}

// RecordView upserts the caller's continue-watching position.
func (s *LibraryService) RecordView(id *auth.Identity, slug string, season, episode int, jobID string) error {
	if err := s.checkSeries(id, slug); err != nil {
		return err
	}
	return s.store.RecordView(id.UserID, slug, season, episode, jobID, time.Now().UTC())
}

// ContinueWatching returns the caller's most recent view positions.
func (s *LibraryService) ContinueWatching(id *auth.Identity, limit int) ([]*models.ViewRecord, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	return s.store.ContinueWatching(id.UserID, limit)
}

// PutQAReview records a per-segment review verdict on a job's output.
func (s *LibraryService) PutQAReview(id *auth.Identity, jobID, segmentID string, status models.QAReviewStatus, note string) error {
	if !status.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown review status %q", status))
	}
	if segmentID == "" {
		return NewValidationError("segment_id", "segment id is required")
	}
	job, err := s.store.GetJob(jobID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !id.CanMutateJob(job.OwnerID) {
		return auth.ErrForbidden
	}
	return s.store.PutQAReview(&models.QAReview{
		JobID:     jobID,
		SegmentID: segmentID,
		Status:    status,
		Note:      note,
		UpdatedBy: id.UserID,
		UpdatedAt: time.Now().UTC(),
	})
}

// ListQAReviews returns all review verdicts for a job.
func (s *LibraryService) ListQAReviews(id *auth.Identity, jobID string) ([]*models.QAReview, error) {
	job, err := s.store.GetJob(jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !id.CanViewJob(job.OwnerID, job.Visibility) {
		return nil, ErrNotFound
	}
	return s.store.ListQAReviews(jobID)
}

// AddVoiceProfile appends a new version of a character voiceprint. The
// reference audio path must already live under the output root.
func (s *LibraryService) AddVoiceProfile(id *auth.Identity, slug, character, refPath string) (*models.VoiceProfile, error) {
	if character == "" {
		return nil, NewValidationError("character", "character name is required")
	}
	if !fsutil.Within(s.paths.OutputDir, refPath) {
		return nil, NewValidationError("ref_path", "must point inside the output root")
	}
	if err := s.checkSeries(id, slug); err != nil {
		return nil, err
	}
	existing, err := s.store.ListVoiceProfiles(slug)
	if err != nil {
		return nil, err
	}
	version := 1
	for _, p := range existing {
		if p.Character == character && p.Version >= version {
			version = p.Version + 1
		}
	}
	profile := &models.VoiceProfile{
		ID:         uuid.NewString(),
		SeriesSlug: slug,
		Character:  character,
		Version:    version,
		RefPath:    refPath,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendVoiceProfile(profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// ListVoiceProfiles returns all voiceprint versions for a series.
func (s *LibraryService) ListVoiceProfiles(id *auth.Identity, slug string) ([]*models.VoiceProfile, error) {
	if err := s.checkSeries(id, slug); err != nil {
		return nil, err
	}
	return s.store.ListVoiceProfiles(slug)
}

// PublishEpisode links a finished job's outputs into the library tree and
// writes the canonical manifest. Jobs without series metadata publish under
// an "unsorted" series keyed by the job id.
func (s *LibraryService) PublishEpisode(job *models.Job, urls map[string]string) error {
	slug := job.SeriesSlug
	title := job.SeriesTitle
	if slug == "" {
		slug = "unsorted"
		title = "Unsorted"
	}
	dir := filepath.Join(s.paths.OutputDir, "Library", slug,
		fmt.Sprintf("season-%02d", job.SeasonNumber),
		fmt.Sprintf("episode-%02d", job.EpisodeNumber),
		"job-"+job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating library dir: %w", err)
	}

	paths := make(map[string]string)
	link := func(key, src, name string) {
		if src == "" {
			return
		}
		if _, err := os.Stat(src); err != nil {
			return
		}
		dst := filepath.Join(dir, name)
		_ = os.Remove(dst)
		if err := os.Link(src, dst); err != nil {
			// Cross-device library roots fall back to a copy.
			if err := fsutil.CopyFile(src, dst); err != nil {
				slog.Warn("Linking episode artifact", "job_id", job.ID, "src", src, "error", err)
				return
			}
		}
		paths[key] = dst
	}
	link("master", job.OutputMKV, "master"+filepath.Ext(job.OutputMKV))
	link("subs", job.OutputSRT, "subs.srt")
	if job.WorkDir != "" {
		link("mobile", filepath.Join(job.WorkDir, "mobile.mp4"), "mobile.mp4")
	}

	m := &models.Manifest{
		Version:       1,
		JobID:         job.ID,
		CreatedAt:     time.Now().UTC(),
		Status:        string(job.State),
		Mode:          job.Mode,
		SeriesTitle:   title,
		SeriesSlug:    slug,
		SeasonNumber:  job.SeasonNumber,
		EpisodeNumber: job.EpisodeNumber,
		OwnerUserID:   job.OwnerID,
		Visibility:    job.Visibility,
		Paths:         paths,
		URLs:          urls,
	}
	if reasons := job.Runtime().Metadata.DegradedReasons; len(reasons) > 0 {
		m.Extra = map[string]string{"degraded_reasons": strings.Join(reasons, "; ")}
	}
	return fsutil.WriteJSONAtomic(filepath.Join(dir, "manifest.json"), m)
}

// Manifest loads the canonical manifest for a published episode after a
// visibility check.
func (s *LibraryService) Manifest(id *auth.Identity, jobID string) (*models.Manifest, error) {
	entry, err := s.store.GetLibraryEntry(jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !id.CanViewJob(entry.OwnerUserID, entry.Visibility) {
		return nil, ErrNotFound
	}
	slug := entry.SeriesSlug
	if slug == "" {
		slug = "unsorted"
	}
	path := filepath.Join(s.paths.OutputDir, "Library", slug,
		fmt.Sprintf("season-%02d", entry.SeasonNumber),
		fmt.Sprintf("episode-%02d", entry.EpisodeNumber),
		"job-"+jobID, "manifest.json")
	var m models.Manifest
	if err := fsutil.ReadJSON(path, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

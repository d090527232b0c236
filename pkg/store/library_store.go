package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dubplane/dubplane/pkg/models"
)

// visibilityCond builds the WHERE fragment restricting library rows to what
// viewerID may see. Admins see everything; owners see their own rows plus
// anything shared; everyone else sees only shared rows.
func visibilityCond(viewerID string, isAdmin bool) (string, []any) {
	if isAdmin {
		return "1=1", nil
	}
	return "(owner_user_id = ? OR visibility = ?)", []any{viewerID, models.VisibilityShared}
}

// ListSeries returns de-duplicated series visible to the viewer, most
// recently updated first.
func (s *JobStore) ListSeries(viewerID string, isAdmin bool) ([]*models.SeriesSummary, error) {
	cond, args := visibilityCond(viewerID, isAdmin)
	var series []*models.SeriesSummary
	err := s.db.conn.Select(&series, `
		SELECT series_slug, MAX(series_title) AS series_title,
		       COUNT(*) AS episode_count, MAX(created_at) AS latest_at
		FROM library_entries WHERE `+cond+`
		GROUP BY series_slug ORDER BY latest_at DESC`, args...)
	return series, err
}

// SeriesVisibleTo reports whether the viewer may see any entry of the
// series at all. A false result with existing private entries maps to 403
// at the gateway.
func (s *JobStore) SeriesVisibleTo(slug, viewerID string, isAdmin bool) (exists, visible bool, err error) {
	var total int
	if err = s.db.conn.Get(&total,
		`SELECT COUNT(*) FROM library_entries WHERE series_slug = ?`, slug); err != nil {
		return false, false, err
	}
	if total == 0 {
		return false, false, nil
	}
	cond, args := visibilityCond(viewerID, isAdmin)
	var n int
	err = s.db.conn.Get(&n,
		`SELECT COUNT(*) FROM library_entries WHERE series_slug = ? AND `+cond,
		append([]any{slug}, args...)...)
	return true, n > 0, err
}

// ListSeasons returns the distinct season numbers of a series visible to
// the viewer.
func (s *JobStore) ListSeasons(slug, viewerID string, isAdmin bool) ([]int, error) {
	cond, args := visibilityCond(viewerID, isAdmin)
	var seasons []int
	err := s.db.conn.Select(&seasons, `
		SELECT DISTINCT season_number FROM library_entries
		WHERE series_slug = ? AND `+cond+` ORDER BY season_number ASC`,
		append([]any{slug}, args...)...)
	return seasons, err
}

// ListEpisodes returns a season's entries visible to the viewer.
func (s *JobStore) ListEpisodes(slug string, season int, viewerID string, isAdmin bool) ([]*models.LibraryEntry, error) {
	cond, args := visibilityCond(viewerID, isAdmin)
	var entries []*models.LibraryEntry
	err := s.db.conn.Select(&entries, `
		SELECT * FROM library_entries
		WHERE series_slug = ? AND season_number = ? AND `+cond+`
		ORDER BY episode_number ASC`,
		append([]any{slug, season}, args...)...)
	return entries, err
}

// SearchLibrary matches series titles and slugs visible to the viewer.
func (s *JobStore) SearchLibrary(q, viewerID string, isAdmin bool, limit int) ([]*models.LibraryEntry, error) {
	cond, args := visibilityCond(viewerID, isAdmin)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	pat := "%" + q + "%"
	var entries []*models.LibraryEntry
	err := s.db.conn.Select(&entries, `
		SELECT * FROM library_entries
		WHERE (series_title LIKE ? OR series_slug LIKE ?) AND `+cond+`
		ORDER BY created_at DESC LIMIT ?`,
		append(append([]any{pat, pat}, args...), limit)...)
	return entries, err
}

// RecentLibrary returns the newest entries visible to the viewer.
func (s *JobStore) RecentLibrary(viewerID string, isAdmin bool, limit int) ([]*models.LibraryEntry, error) {
	cond, args := visibilityCond(viewerID, isAdmin)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	var entries []*models.LibraryEntry
	err := s.db.conn.Select(&entries, `
		SELECT * FROM library_entries WHERE `+cond+`
		ORDER BY created_at DESC LIMIT ?`, append(args, limit)...)
	return entries, err
}

// RecordView upserts the continue-watching row for (user, series, season,
// episode).
func (s *JobStore) RecordView(userID, slug string, season, episode int, jobID string, openedAt time.Time) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.Exec(`
			INSERT INTO views (user_id, series_slug, season_number, episode_number, job_id, last_opened_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, series_slug, season_number, episode_number) DO UPDATE SET
				job_id = excluded.job_id,
				last_opened_at = excluded.last_opened_at`,
			userID, slug, season, episode, jobID, openedAt.UTC())
		return err
	})
}

// ContinueWatching returns the user's view rows, most recent first.
func (s *JobStore) ContinueWatching(userID string, limit int) ([]*models.ViewRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []*models.ViewRecord
	err := s.db.conn.Select(&rows, `
		SELECT * FROM views WHERE user_id = ?
		ORDER BY last_opened_at DESC LIMIT ?`, userID, limit)
	return rows, err
}

// GetLibraryEntry fetches one index row by job id.
func (s *JobStore) GetLibraryEntry(jobID string) (*models.LibraryEntry, error) {
	var e models.LibraryEntry
	err := s.db.conn.Get(&e, `SELECT * FROM library_entries WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &e, err
}

// --- QA reviews ---

// PutQAReview upserts a per-segment review.
func (s *JobStore) PutQAReview(r *models.QAReview) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.NamedExec(`
			INSERT INTO qa_reviews (job_id, segment_id, status, note, updated_by, updated_at)
			VALUES (:job_id, :segment_id, :status, :note, :updated_by, :updated_at)
			ON CONFLICT(job_id, segment_id) DO UPDATE SET
				status = excluded.status,
				note = excluded.note,
				updated_by = excluded.updated_by,
				updated_at = excluded.updated_at`, r)
		return err
	})
}

// ListQAReviews returns a job's reviews ordered by segment.
func (s *JobStore) ListQAReviews(jobID string) ([]*models.QAReview, error) {
	var reviews []*models.QAReview
	err := s.db.conn.Select(&reviews,
		`SELECT * FROM qa_reviews WHERE job_id = ? ORDER BY segment_id ASC`, jobID)
	return reviews, err
}

// --- voice profiles ---

// AppendVoiceProfile appends a new version for the profile id. Versions are
// append-only; the newest version wins.
func (s *JobStore) AppendVoiceProfile(p *models.VoiceProfile) error {
	return s.db.inTx(func(tx *sqlx.Tx) error {
		var maxVersion sql.NullInt64
		if err := tx.Get(&maxVersion,
			`SELECT MAX(version) FROM voice_profiles WHERE id = ?`, p.ID); err != nil {
			return err
		}
		p.Version = int(maxVersion.Int64) + 1
		_, err := tx.NamedExec(`
			INSERT INTO voice_profiles (id, series_slug, character, version, ref_path, created_at)
			VALUES (:id, :series_slug, :character, :version, :ref_path, :created_at)`, p)
		return err
	})
}

// ListVoiceProfiles returns the newest version of each profile for a series.
func (s *JobStore) ListVoiceProfiles(seriesSlug string) ([]*models.VoiceProfile, error) {
	var profiles []*models.VoiceProfile
	err := s.db.conn.Select(&profiles, `
		SELECT vp.* FROM voice_profiles vp
		JOIN (SELECT id, MAX(version) AS version FROM voice_profiles
		      WHERE series_slug = ? GROUP BY id) latest
		ON vp.id = latest.id AND vp.version = latest.version
		ORDER BY vp.character ASC`, seriesSlug)
	return profiles, err
}

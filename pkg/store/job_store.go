package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dubplane/dubplane/pkg/models"
)

// JobStore owns the jobs database: jobs, uploads, the library index,
// continue-watching views, QA reviews, voice profiles and the storage
// ledger.
type JobStore struct {
	db *db
}

// OpenJobStore opens (or creates) the jobs database at path.
func OpenJobStore(path string) (*JobStore, error) {
	d, err := openDB(path, "jobs")
	if err != nil {
		return nil, err
	}
	return &JobStore{db: d}, nil
}

// Close releases the connection and the process lock file.
func (s *JobStore) Close() error { return s.db.close() }

// jobColumns lists every updatable jobs column. UpdateJob validates field
// names against this set; owner_id and created_at are immutable.
var jobColumns = map[string]bool{
	"video_path": true, "duration_s": true, "mode": true, "device": true,
	"src_lang": true, "tgt_lang": true, "state": true, "progress": true,
	"message": true, "error": true, "output_mkv": true, "output_srt": true,
	"work_dir": true, "log_path": true, "series_title": true,
	"series_slug": true, "season_number": true, "episode_number": true,
	"visibility": true, "runtime": true,
}

// PutJob inserts a job and materializes its library row when the series
// slug is set.
func (s *JobStore) PutJob(j *models.Job) error {
	return s.db.inTx(func(tx *sqlx.Tx) error {
		_, err := tx.NamedExec(`
			INSERT INTO jobs (id, owner_id, video_path, duration_s, mode, device,
				src_lang, tgt_lang, state, progress, message, error,
				output_mkv, output_srt, work_dir, log_path,
				series_title, series_slug, season_number, episode_number,
				visibility, runtime, created_at, updated_at)
			VALUES (:id, :owner_id, :video_path, :duration_s, :mode, :device,
				:src_lang, :tgt_lang, :state, :progress, :message, :error,
				:output_mkv, :output_srt, :work_dir, :log_path,
				:series_title, :series_slug, :season_number, :episode_number,
				:visibility, :runtime, :created_at, :updated_at)`, j)
		if err != nil {
			return err
		}
		return syncLibraryRow(tx, j)
	})
}

// GetJob fetches a job by id.
func (s *JobStore) GetJob(id string) (*models.Job, error) {
	var j models.Job
	err := s.db.conn.Get(&j, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &j, err
}

// UpdateJob applies the given column updates atomically and bumps
// updated_at. Unknown or immutable columns are rejected.
func (s *JobStore) UpdateJob(id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !jobColumns[col] {
			return fmt.Errorf("job column %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	args := make([]any, 0, len(fields)+2)
	sb.WriteString("UPDATE jobs SET ")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col + " = ?")
		args = append(args, fields[col])
	}
	sb.WriteString(", updated_at = ? WHERE id = ?")
	args = append(args, time.Now().UTC(), id)

	return s.db.inTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(sb.String(), args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		// Library-relevant columns changed: refresh the index row.
		if fields["series_slug"] != nil || fields["series_title"] != nil ||
			fields["season_number"] != nil || fields["episode_number"] != nil ||
			fields["visibility"] != nil {
			var j models.Job
			if err := tx.Get(&j, `SELECT * FROM jobs WHERE id = ?`, id); err != nil {
				return err
			}
			return syncLibraryRow(tx, &j)
		}
		return nil
	})
}

// ListJobs returns jobs matching the filter, newest first, plus the total
// match count for pagination.
func (s *JobStore) ListJobs(params models.JobListParams) ([]*models.Job, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if params.State != "" {
		where = append(where, "state = ?")
		args = append(args, params.State)
	}
	if params.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, params.Mode)
	}
	if params.Project != "" {
		where = append(where, "series_slug = ?")
		args = append(args, params.Project)
	}
	if params.Query != "" {
		where = append(where, "(video_path LIKE ? OR series_title LIKE ? OR message LIKE ?)")
		q := "%" + params.Query + "%"
		args = append(args, q, q, q)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.conn.Get(&total, `SELECT COUNT(*) FROM jobs WHERE `+cond, args...); err != nil {
		return nil, 0, err
	}

	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var jobs []*models.Job
	query := `SELECT * FROM jobs WHERE ` + cond + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	err := s.db.conn.Select(&jobs, query, append(args, limit, params.Offset)...)
	return jobs, total, err
}

// ListAllJobs returns every job; used by recovery scans and accounting.
func (s *JobStore) ListAllJobs() ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db.conn.Select(&jobs, `SELECT * FROM jobs ORDER BY created_at ASC`)
	return jobs, err
}

// ListJobsByOwnerAndStates returns the owner's jobs in any of the states.
func (s *JobStore) ListJobsByOwnerAndStates(ownerID string, states ...models.JobState) ([]*models.Job, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM jobs WHERE owner_id = ? AND state IN (?) ORDER BY created_at ASC`,
		ownerID, states)
	if err != nil {
		return nil, err
	}
	var jobs []*models.Job
	err = s.db.conn.Select(&jobs, s.db.conn.Rebind(query), args...)
	return jobs, err
}

// CountJobsCreatedSince counts the owner's jobs created after cutoff.
// Backs the jobs-per-day quota.
func (s *JobStore) CountJobsCreatedSince(ownerID string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.conn.Get(&n,
		`SELECT COUNT(*) FROM jobs WHERE owner_id = ? AND created_at >= ?`, ownerID, cutoff)
	return n, err
}

// RecoverInterrupted force-transitions every non-terminal job to QUEUED
// with the recovery message. Called once at process start; the runner skips
// completed stages via the checkpoint.
func (s *JobStore) RecoverInterrupted(message string) (int64, error) {
	var n int64
	err := s.db.withWriter(func(conn *sqlx.DB) error {
		res, err := conn.Exec(`
			UPDATE jobs SET state = ?, message = ?, updated_at = ?
			WHERE state IN (?, ?)`,
			models.JobStateQueued, message, time.Now().UTC(),
			models.JobStateQueued, models.JobStateRunning)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// DeleteJob removes the job row; library rows and reviews cascade.
func (s *JobStore) DeleteJob(id string) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		res, err := conn.Exec(`DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// syncLibraryRow keeps invariant I6: a library row exists iff the job's
// series_slug is non-empty.
func syncLibraryRow(tx *sqlx.Tx, j *models.Job) error {
	if j.SeriesSlug == "" {
		_, err := tx.Exec(`DELETE FROM library_entries WHERE job_id = ?`, j.ID)
		return err
	}
	_, err := tx.Exec(`
		INSERT INTO library_entries (job_id, owner_user_id, series_title, series_slug,
			season_number, episode_number, visibility, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			series_title = excluded.series_title,
			series_slug = excluded.series_slug,
			season_number = excluded.season_number,
			episode_number = excluded.episode_number,
			visibility = excluded.visibility`,
		j.ID, j.OwnerID, j.SeriesTitle, j.SeriesSlug,
		j.SeasonNumber, j.EpisodeNumber, j.Visibility, j.CreatedAt)
	return err
}

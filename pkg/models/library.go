package models

import "time"

// LibraryEntry is the materialized index row over a completed job's series
// fields. It exists iff the job's series_slug is non-empty.
type LibraryEntry struct {
	JobID         string     `db:"job_id" json:"job_id"`
	OwnerUserID   string     `db:"owner_user_id" json:"owner_user_id"`
	SeriesTitle   string     `db:"series_title" json:"series_title"`
	SeriesSlug    string     `db:"series_slug" json:"series_slug"`
	SeasonNumber  int        `db:"season_number" json:"season_number"`
	EpisodeNumber int        `db:"episode_number" json:"episode_number"`
	Visibility    Visibility `db:"visibility" json:"visibility"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// ViewRecord tracks per-user continue-watching positions.
type ViewRecord struct {
	UserID        string    `db:"user_id" json:"user_id"`
	SeriesSlug    string    `db:"series_slug" json:"series_slug"`
	SeasonNumber  int       `db:"season_number" json:"season_number"`
	EpisodeNumber int       `db:"episode_number" json:"episode_number"`
	JobID         string    `db:"job_id" json:"job_id"`
	LastOpenedAt  time.Time `db:"last_opened_at" json:"last_opened_at"`
}

// QAReviewStatus is the review verdict for one subtitle segment.
type QAReviewStatus string

// QA review statuses.
const (
	QAReviewPending  QAReviewStatus = "pending"
	QAReviewApproved QAReviewStatus = "approved"
	QAReviewRejected QAReviewStatus = "rejected"
)

// Valid reports whether s is a known review status.
func (s QAReviewStatus) Valid() bool {
	return s == QAReviewPending || s == QAReviewApproved || s == QAReviewRejected
}

// QAReview is a per-segment human review of a job's output.
type QAReview struct {
	JobID     string         `db:"job_id" json:"job_id"`
	SegmentID string         `db:"segment_id" json:"segment_id"`
	Status    QAReviewStatus `db:"status" json:"status"`
	Note      string         `db:"note" json:"note,omitempty"`
	UpdatedBy string         `db:"updated_by" json:"updated_by"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// VoiceProfile is a persistent voiceprint belonging to a series.
// Versions are append-only; the newest version is the active one.
type VoiceProfile struct {
	ID         string    `db:"id" json:"id"`
	SeriesSlug string    `db:"series_slug" json:"series_slug"`
	Character  string    `db:"character" json:"character"`
	Version    int       `db:"version" json:"version"`
	RefPath    string    `db:"ref_path" json:"ref_path"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// StorageEntry is one per-object row of the storage ledger.
type StorageEntry struct {
	UserID   string `db:"user_id" json:"user_id"`
	ObjectID string `db:"object_id" json:"object_id"`
	Kind     string `db:"kind" json:"kind"` // "job" or "upload"
	Bytes    int64  `db:"bytes" json:"bytes"`
}

package models

import "time"

// CreateJobRequest is the body of POST /api/jobs. The video must come from
// a previously completed upload.
type CreateJobRequest struct {
	UploadID      string  `json:"upload_id" binding:"required"`
	Mode          JobMode `json:"mode"`
	Device        Device  `json:"device"`
	SrcLang       string  `json:"src_lang"`
	TgtLang       string  `json:"tgt_lang" binding:"required"`
	SeriesTitle   string  `json:"series_title,omitempty"`
	SeasonNumber  int     `json:"season_number,omitempty"`
	EpisodeNumber int     `json:"episode_number,omitempty"`
	Priority      int     `json:"priority,omitempty"`
	TargetSRT     string  `json:"target_srt,omitempty"`
}

// JobListParams filters GET /api/jobs.
type JobListParams struct {
	State           JobState
	Query           string
	Project         string
	Mode            JobMode
	Tag             string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// JobDetail is the job detail response with derived player URLs and a
// checkpoint summary attached when outputs exist.
type JobDetail struct {
	*Job
	Runtime         JobRuntime        `json:"runtime"`
	DegradedReasons []string          `json:"degraded_reasons,omitempty"`
	Checkpoint      *CheckpointDigest `json:"checkpoint,omitempty"`
	URLs            map[string]string `json:"urls,omitempty"`
}

// CheckpointDigest summarises per-stage completion for the detail endpoint.
type CheckpointDigest struct {
	LastStage string          `json:"last_stage"`
	Stages    map[string]bool `json:"stages"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// JobListResponse is a paginated job list.
type JobListResponse struct {
	Jobs       []*Job `json:"jobs"`
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

// InitUploadRequest is the body of POST /api/uploads/init.
type InitUploadRequest struct {
	Filename   string `json:"filename" binding:"required"`
	TotalBytes int64  `json:"total_bytes" binding:"required"`
	MIME       string `json:"mime,omitempty"`
}

// InitUploadResponse answers an upload init.
type InitUploadResponse struct {
	UploadID    string `json:"upload_id"`
	ChunkBytes  int64  `json:"chunk_bytes"`
	TotalChunks int    `json:"total_chunks"`
}

// UploadStatusResponse answers GET /api/uploads/:id/status.
type UploadStatusResponse struct {
	BytesReceived     int64  `json:"bytes_received"`
	NextExpectedChunk int    `json:"next_expected_chunk"`
	TotalChunks       int    `json:"total_chunks"`
	State             string `json:"state"` // "uploading" or "completed"
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Session  bool   `json:"session,omitempty"`
}

// TokenResponse answers login and refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// SeriesSummary is one de-duplicated series row for library listings.
type SeriesSummary struct {
	SeriesSlug   string    `db:"series_slug" json:"series_slug"`
	SeriesTitle  string    `db:"series_title" json:"series_title"`
	EpisodeCount int       `db:"episode_count" json:"episode_count"`
	LatestAt     time.Time `db:"latest_at" json:"latest_at"`
}

// Manifest is the canonical library manifest format, version 1. The library
// manifest writer is its only producer.
type Manifest struct {
	Version       int               `json:"version"`
	JobID         string            `json:"job_id"`
	CreatedAt     time.Time         `json:"created_at"`
	Status        string            `json:"status"`
	Mode          JobMode           `json:"mode"`
	SeriesTitle   string            `json:"series_title"`
	SeriesSlug    string            `json:"series_slug"`
	SeasonNumber  int               `json:"season_number"`
	EpisodeNumber int               `json:"episode_number"`
	OwnerUserID   string            `json:"owner_user_id"`
	Visibility    Visibility        `json:"visibility"`
	Paths         map[string]string `json:"paths"`
	URLs          map[string]string `json:"urls"`
	Extra         map[string]string `json:"extra,omitempty"`
}

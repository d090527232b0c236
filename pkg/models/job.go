// Package models defines the persistent entities and API request/response
// shapes shared across the store, services and HTTP layers.
package models

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a dubbing job.
type JobState string

// Job lifecycle states. DONE, FAILED and CANCELED are terminal.
const (
	JobStateQueued   JobState = "QUEUED"
	JobStateRunning  JobState = "RUNNING"
	JobStatePaused   JobState = "PAUSED"
	JobStateDone     JobState = "DONE"
	JobStateFailed   JobState = "FAILED"
	JobStateCanceled JobState = "CANCELED"
)

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateFailed || s == JobStateCanceled
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStatePaused, JobStateDone, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// JobMode selects the quality/latency tradeoff for the pipeline.
type JobMode string

// Job modes.
const (
	JobModeLow    JobMode = "low"
	JobModeMedium JobMode = "medium"
	JobModeHigh   JobMode = "high"
)

// Valid reports whether m is a known mode.
func (m JobMode) Valid() bool {
	return m == JobModeLow || m == JobModeMedium || m == JobModeHigh
}

// Device is the compute-device preference for ML stages.
type Device string

// Device preferences.
const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Valid reports whether d is a known device preference.
func (d Device) Valid() bool {
	return d == DeviceAuto || d == DeviceCPU || d == DeviceCUDA
}

// Visibility controls who may read a job and its artifacts.
type Visibility string

// Visibility values. Shared grants read access to any authenticated user;
// mutation always requires owner or admin.
const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityShared
}

// JobRuntime is the free-form runtime map persisted with each job.
// Known keys are modelled as fields; everything else rides in Extra.
type JobRuntime struct {
	Pinned          bool              `json:"pinned,omitempty"`
	SkipStages      []string          `json:"skip_stages,omitempty"`
	ImportedSRTPath string            `json:"imported_srt_path,omitempty"`
	Metadata        JobMetadata       `json:"metadata,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// JobMetadata carries per-run diagnostic data surfaced to clients.
type JobMetadata struct {
	DegradedReasons []string `json:"degraded_reasons,omitempty"`
}

// Job is a user-submitted dubbing task.
type Job struct {
	ID            string     `db:"id" json:"id"`
	OwnerID       string     `db:"owner_id" json:"owner_id"`
	VideoPath     string     `db:"video_path" json:"video_path"`
	DurationS     float64    `db:"duration_s" json:"duration_s"`
	Mode          JobMode    `db:"mode" json:"mode"`
	Device        Device     `db:"device" json:"device"`
	SrcLang       string     `db:"src_lang" json:"src_lang"`
	TgtLang       string     `db:"tgt_lang" json:"tgt_lang"`
	State         JobState   `db:"state" json:"state"`
	Progress      float64    `db:"progress" json:"progress"`
	Message       string     `db:"message" json:"message"`
	Error         string     `db:"error" json:"error,omitempty"`
	OutputMKV     string     `db:"output_mkv" json:"output_mkv,omitempty"`
	OutputSRT     string     `db:"output_srt" json:"output_srt,omitempty"`
	WorkDir       string     `db:"work_dir" json:"work_dir,omitempty"`
	LogPath       string     `db:"log_path" json:"log_path,omitempty"`
	SeriesTitle   string     `db:"series_title" json:"series_title,omitempty"`
	SeriesSlug    string     `db:"series_slug" json:"series_slug,omitempty"`
	SeasonNumber  int        `db:"season_number" json:"season_number,omitempty"`
	EpisodeNumber int        `db:"episode_number" json:"episode_number,omitempty"`
	Visibility    Visibility `db:"visibility" json:"visibility"`
	RuntimeJSON   string     `db:"runtime" json:"-"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Runtime decodes the runtime JSON column. An empty or malformed column
// yields the zero runtime.
func (j *Job) Runtime() JobRuntime {
	var rt JobRuntime
	if j.RuntimeJSON != "" {
		_ = json.Unmarshal([]byte(j.RuntimeJSON), &rt)
	}
	return rt
}

// SetRuntime encodes rt into the runtime JSON column.
func (j *Job) SetRuntime(rt JobRuntime) {
	b, err := json.Marshal(rt)
	if err != nil {
		return
	}
	j.RuntimeJSON = string(b)
}

// ResourceClass is the scheduler resource bucket a job occupies while running.
type ResourceClass string

// Resource classes used for per-resource admission counters.
const (
	ResourceTranscribe ResourceClass = "transcribe"
	ResourceTTS        ResourceClass = "tts"
	ResourceGPU        ResourceClass = "gpu"
)

// ResourceClassFor derives the admission resource class from mode and device.
// CUDA jobs contend on the GPU counter; high-quality CPU jobs are dominated
// by TTS, everything else by transcription.
func ResourceClassFor(mode JobMode, device Device) ResourceClass {
	if device == DeviceCUDA {
		return ResourceGPU
	}
	if mode == JobModeHigh {
		return ResourceTTS
	}
	return ResourceTranscribe
}

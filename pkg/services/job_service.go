package services

import (
	"context"
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
	"github.com/dubplane/dubplane/pkg/metrics"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/pipeline"
	"github.com/dubplane/dubplane/pkg/retention"
	"github.com/dubplane/dubplane/pkg/scheduler"
	"github.com/dubplane/dubplane/pkg/store"
)

// Queue abstracts the admission backend: the local scheduler or the
// distributed adapter fronting it.
type Queue interface {
	Submit(ctx context.Context, job scheduler.QueuedJob) error
	Drop(jobID string) int
	Cancel(ctx context.Context, jobID, userID string) error
}

// JobService implements the job lifecycle: create from a completed upload,
// state transitions, visibility, deletion with artifact cascade.
type JobService struct {
	store   *store.JobStore
	guard   *retention.Guard
	queue   Queue
	metrics *metrics.Metrics
	paths   config.PathsConfig
}

// NewJobService creates the job service.
func NewJobService(st *store.JobStore, guard *retention.Guard, q Queue, m *metrics.Metrics, paths config.PathsConfig) *JobService {
	if st == nil {
		panic("NewJobService: store must not be nil")
	}
	return &JobService{store: st, guard: guard, queue: q, metrics: m, paths: paths}
}

// Create builds a job from a previously completed upload and submits it
// for admission.
func (s *JobService) Create(ctx context.Context, ownerID string, req models.CreateJobRequest) (*models.Job, error) {
	if req.TgtLang == "" {
		return nil, NewValidationError("tgt_lang", "target language is required")
	}
	if req.Mode == "" {
		req.Mode = models.JobModeMedium
	}
	if !req.Mode.Valid() {
		return nil, NewValidationError("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}
	if req.Device == "" {
		req.Device = models.DeviceAuto
	}
	if !req.Device.Valid() {
		return nil, NewValidationError("device", fmt.Sprintf("unknown device %q", req.Device))
	}

	u, err := s.store.GetUpload(req.UploadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: upload %s", ErrNotFound, req.UploadID)
	}
	if err != nil {
		return nil, err
	}
	if u.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: upload %s", ErrNotFound, req.UploadID)
	}
	if !u.Completed {
		return nil, NewValidationError("upload_id", "upload is not completed")
	}

	if err := s.guard.CheckJobCreate(ownerID); err != nil {
		return nil, err
	}

	stem := strings.TrimSuffix(u.Filename, filepath.Ext(u.Filename))
	workDir := filepath.Join(s.paths.OutputDir, fsutil.Slugify(stem))
	if err := os.MkdirAll(filepath.Join(workDir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		VideoPath:     u.FinalPath,
		Mode:          req.Mode,
		Device:        req.Device,
		SrcLang:       req.SrcLang,
		TgtLang:       req.TgtLang,
		State:         models.JobStateQueued,
		Message:       "Queued",
		WorkDir:       workDir,
		LogPath:       filepath.Join(workDir, "logs", "pipeline.txt"),
		SeriesTitle:   req.SeriesTitle,
		SeriesSlug:    fsutil.Slugify(req.SeriesTitle),
		SeasonNumber:  req.SeasonNumber,
		EpisodeNumber: req.EpisodeNumber,
		Visibility:    models.VisibilityPrivate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.TargetSRT != "" {
		if !fsutil.Within(s.paths.InputDir, req.TargetSRT) {
			return nil, NewValidationError("target_srt", "must point inside the input root")
		}
		job.SetRuntime(models.JobRuntime{ImportedSRTPath: req.TargetSRT})
	}

	if err := s.store.PutJob(job); err != nil {
		return nil, err
	}
	if err := s.queue.Submit(ctx, scheduler.QueuedJob{
		JobID:     job.ID,
		OwnerID:   ownerID,
		Mode:      job.Mode,
		Device:    job.Device,
		Priority:  clampPriority(req.Priority),
		CreatedAt: now,
	}); err != nil {
		slog.Error("Submitting job for admission", "job_id", job.ID, "error", err)
		_ = s.store.UpdateJob(job.ID, map[string]any{
			"state": models.JobStateFailed, "error": "admission failed: " + err.Error(),
		})
		return nil, err
	}
	s.metrics.JobsQueued.Inc()
	return job, nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > scheduler.MaxPriority {
		return scheduler.MaxPriority
	}
	return p
}

// GetForViewer loads a job and applies the visibility policy.
func (s *JobService) GetForViewer(id *auth.Identity, jobID string) (*models.Job, error) {
	job, err := s.store.GetJob(jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !id.CanViewJob(job.OwnerID, job.Visibility) {
		// Shared-policy misses read as not-found to avoid leaking IDs.
		return nil, ErrNotFound
	}
	return job, nil
}

// Detail builds the job detail response: runtime, checkpoint digest and
// derived player URLs.
func (s *JobService) Detail(id *auth.Identity, jobID string) (*models.JobDetail, error) {
	job, err := s.GetForViewer(id, jobID)
	if err != nil {
		return nil, err
	}
	d := &models.JobDetail{Job: job, Runtime: job.Runtime()}
	d.DegradedReasons = d.Runtime.Metadata.DegradedReasons

	if job.WorkDir != "" {
		cp := pipeline.LoadCheckpoint(job.WorkDir, job.ID)
		if len(cp.Stages) > 0 {
			digest := &models.CheckpointDigest{
				LastStage: cp.LastStage,
				UpdatedAt: cp.UpdatedAt,
				Stages:    make(map[string]bool, len(cp.Stages)),
			}
			for name := range cp.Stages {
				digest.Stages[name] = cp.StageDone(name)
			}
			d.Checkpoint = digest
		}
	}
	d.URLs = s.FileURLs(job)
	return d, nil
}

// FileURLs maps a job's on-disk outputs to /files/ URLs, only for files
// that actually exist.
func (s *JobService) FileURLs(job *models.Job) map[string]string {
	urls := make(map[string]string)
	add := func(key, path string) {
		if path == "" {
			return
		}
		rel, err := filepath.Rel(s.paths.OutputDir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return
		}
		if _, err := os.Stat(path); err == nil {
			urls[key] = "/files/" + filepath.ToSlash(rel)
		}
	}
	add("master", job.OutputMKV)
	add("subs", job.OutputSRT)
	if job.WorkDir != "" {
		add("mobile", filepath.Join(job.WorkDir, "mobile.mp4"))
		add("audio", filepath.Join(job.WorkDir, "mixed.wav"))
		add("hls", filepath.Join(job.WorkDir, "hls", "index.m3u8"))
	}
	if len(urls) == 0 {
		return nil
	}
	return urls
}

// List returns jobs matching params, visibility-filtered for the caller.
func (s *JobService) List(id *auth.Identity, params models.JobListParams) (*models.JobListResponse, error) {
	if params.Limit <= 0 || params.Limit > 200 {
		params.Limit = 50
	}
	jobs, total, err := s.store.ListJobs(params)
	if err != nil {
		return nil, err
	}
	visible := make([]*models.Job, 0, len(jobs))
	for _, j := range jobs {
		if id.CanViewJob(j.OwnerID, j.Visibility) {
			visible = append(visible, j)
		}
	}
	return &models.JobListResponse{
		Jobs:       visible,
		TotalCount: total,
		Limit:      params.Limit,
		Offset:     params.Offset,
	}, nil
}

// Cancel sets the job CANCELED, drops it from the queue and fans the
// cancel flag out. Idempotent: canceling a canceled job succeeds.
func (s *JobService) Cancel(ctx context.Context, id *auth.Identity, jobID string) error {
	job, err := s.mutable(id, jobID)
	if err != nil {
		return err
	}
	if job.State == models.JobStateCanceled {
		return nil
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.State)
	}
	if err := s.store.UpdateJob(jobID, map[string]any{
		"state": models.JobStateCanceled, "message": "Canceled",
	}); err != nil {
		return err
	}
	s.queue.Drop(jobID)
	if err := s.queue.Cancel(ctx, jobID, job.OwnerID); err != nil {
		slog.Warn("Fanning out cancel flag", "job_id", jobID, "error", err)
	}
	return nil
}

// Pause moves a QUEUED job to PAUSED and removes it from admission.
func (s *JobService) Pause(id *auth.Identity, jobID string) error {
	job, err := s.mutable(id, jobID)
	if err != nil {
		return err
	}
	if job.State != models.JobStateQueued {
		return fmt.Errorf("%w: only QUEUED jobs pause, job is %s", ErrInvalidTransition, job.State)
	}
	if err := s.store.UpdateJob(jobID, map[string]any{
		"state": models.JobStatePaused, "message": "Paused",
	}); err != nil {
		return err
	}
	s.queue.Drop(jobID)
	return nil
}

// Resume moves a PAUSED job back to QUEUED and resubmits it.
func (s *JobService) Resume(ctx context.Context, id *auth.Identity, jobID string) error {
	job, err := s.mutable(id, jobID)
	if err != nil {
		return err
	}
	if job.State != models.JobStatePaused {
		return fmt.Errorf("%w: only PAUSED jobs resume, job is %s", ErrInvalidTransition, job.State)
	}
	if err := s.store.UpdateJob(jobID, map[string]any{
		"state": models.JobStateQueued, "message": "Queued",
	}); err != nil {
		return err
	}
	return s.queue.Submit(ctx, scheduler.QueuedJob{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Mode:      job.Mode,
		Device:    job.Device,
		CreatedAt: job.CreatedAt,
	})
}

// SetVisibility flips a job between private and shared.
func (s *JobService) SetVisibility(id *auth.Identity, jobID string, v models.Visibility) error {
	if !v.Valid() {
		return NewValidationError("visibility", fmt.Sprintf("unknown visibility %q", v))
	}
	if _, err := s.mutable(id, jobID); err != nil {
		return err
	}
	return s.store.UpdateJob(jobID, map[string]any{"visibility": v})
}

// Reprioritize updates the queued priority (admin surface).
func (s *JobService) Reprioritize(jobID string, priority int, repri func(string, int) bool) error {
	if _, err := s.store.GetJob(jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !repri(jobID, clampPriority(priority)) {
		return fmt.Errorf("%w: job is not queued", ErrInvalidTransition)
	}
	return nil
}

// Delete removes the job row and cascades artifact deletion, refusing any
// path that does not resolve under the output root.
func (s *JobService) Delete(id *auth.Identity, jobID string) error {
	job, err := s.mutable(id, jobID)
	if err != nil {
		return err
	}
	if job.State == models.JobStateRunning {
		return fmt.Errorf("%w: cancel the job before deleting it", ErrInvalidTransition)
	}

	for _, p := range []string{job.WorkDir, job.OutputMKV, job.OutputSRT} {
		if p == "" {
			continue
		}
		if !fsutil.Within(s.paths.OutputDir, p) {
			slog.Warn("Refusing cascade outside output root", "job_id", jobID, "path", p)
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			slog.Warn("Removing job artifact", "job_id", jobID, "path", p, "error", err)
		}
	}
	s.queue.Drop(jobID)
	return s.store.DeleteJob(jobID)
}

// LogsTail returns the last n lines of the job's human-readable log.
func (s *JobService) LogsTail(id *auth.Identity, jobID string, n int) ([]string, error) {
	job, err := s.GetForViewer(id, jobID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > 1000 {
		n = 100
	}
	data, err := os.ReadFile(job.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// LogPathForStreaming returns the log path after a visibility check, for
// the SSE streamer.
func (s *JobService) LogPathForStreaming(id *auth.Identity, jobID string) (string, error) {
	job, err := s.GetForViewer(id, jobID)
	if err != nil {
		return "", err
	}
	return job.LogPath, nil
}

// JobForPath resolves the job owning a file under the output root, for
// per-file authorization. Work-dir files match by containment; published
// library files match by their job-<id> path segment.
func (s *JobService) JobForPath(absPath string) (*models.Job, error) {
	rel, err := filepath.Rel(s.paths.OutputDir, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, ErrNotFound
	}
	jobs, err := s.store.ListAllJobs()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.WorkDir != "" && fsutil.Within(j.WorkDir, absPath) {
			return j, nil
		}
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if id, ok := strings.CutPrefix(seg, "job-"); ok {
			if j, err := s.store.GetJob(id); err == nil {
				return j, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *JobService) mutable(id *auth.Identity, jobID string) (*models.Job, error) {
	job, err := s.store.GetJob(jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !id.CanMutateJob(job.OwnerID) {
		if id.CanViewJob(job.OwnerID, job.Visibility) {
			return nil, auth.ErrForbidden
		}
		return nil, ErrNotFound
	}
	return job, nil
}
